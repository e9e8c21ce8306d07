package cli

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"roundsync/internal/app"
	"roundsync/internal/domain"
	"roundsync/internal/logger"
)

func newPlayCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "play",
		Short: "Join a session and answer rounds from stdin",
		Long: "Follows the session round by round. Type an option id or its number " +
			"to answer; a line typed between rounds answers the next one.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := openSession(opts)
			if err != nil {
				return err
			}
			defer s.close()

			out := cmd.OutOrStdout()
			final, err := play(ctx, s, cmd.InOrStdin(), out)
			if err != nil {
				if ctx.Err() != nil && errors.Is(err, context.Canceled) {
					log := logger.For("cli")
					log.Info().Msg("left session")
					return nil
				}
				return err
			}
			printStandings(out, final)
			return nil
		},
	}
}

// play runs the engine until the session completes while feeding stdin
// answers into it and printing state changes to out.
func play(ctx context.Context, s *session, in io.Reader, out io.Writer) (domain.FinalResult, error) {
	updates, unsubscribe := s.engine.Subscribe()
	defer unsubscribe()
	lines := readLines(in)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	s.start(gctx, g)

	var final domain.FinalResult
	g.Go(func() error {
		defer cancel()
		defer s.detach()
		f, err := s.engine.Run(gctx)
		final = f
		return err
	})
	g.Go(func() error {
		return control(gctx, s.engine, updates, lines, newPrinter(out))
	})

	err := g.Wait()
	return final, err
}

// readLines never closes in, so the goroutine may outlive play when stdin
// stays open.
func readLines(in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

type submitter interface {
	Submit(ctx context.Context, optionID string) (app.Outcome, error)
}

// control holds the most recent input line until the engine shows an
// active round that can still be answered, then submits it.
func control(ctx context.Context, eng submitter, updates <-chan domain.Snapshot, lines <-chan string, p *printer) error {
	var (
		snap       domain.Snapshot
		pending    string
		hasPending bool
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case next, ok := <-updates:
			if !ok {
				return nil
			}
			snap = next
			p.show(snap)
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if line = strings.TrimSpace(line); line == "" {
				continue
			}
			pending, hasPending = line, true
		}

		if !hasPending || !answerable(snap) {
			continue
		}
		hasPending = false
		optionID, ok := resolveOption(*snap.Round, pending)
		if !ok {
			p.printf("unknown option %q\n", pending)
			continue
		}
		out, err := eng.Submit(ctx, optionID)
		if err != nil {
			p.printf("not sent: %v\n", err)
			continue
		}
		p.outcome(out)
	}
}

func answerable(snap domain.Snapshot) bool {
	return snap.Phase == domain.PhaseActive &&
		snap.Round != nil &&
		!snap.Submission.HasSubmitted &&
		!snap.Submission.InFlight
}

// resolveOption accepts an option id or its 1-based position.
func resolveOption(round domain.Round, input string) (string, bool) {
	if round.HasOption(input) {
		return input, true
	}
	n, err := strconv.Atoi(input)
	if err != nil || n < 1 || n > len(round.Options) {
		return "", false
	}
	return round.Options[n-1].ID, true
}
