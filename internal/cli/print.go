package cli

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"roundsync/internal/app"
	"roundsync/internal/domain"
)

// printer writes only what changed between two snapshots.
type printer struct {
	out io.Writer

	phase     domain.Phase
	roundID   string
	remaining int
	notice    string
	waiting   domain.WaitingInfo
	leaders   int
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out, remaining: -1}
}

func (p *printer) printf(format string, args ...any) {
	fmt.Fprintf(p.out, format, args...)
}

func (p *printer) show(snap domain.Snapshot) {
	if snap.Phase != p.phase {
		p.phase = snap.Phase
		switch snap.Phase {
		case domain.PhaseWaitingNext:
			p.printf("Waiting for the next round...\n")
		case domain.PhaseFinished, domain.PhaseAggregating:
			p.printf("Session finished, collecting results...\n")
		}
	}

	if r := snap.Round; r != nil && r.ID != p.roundID {
		p.roundID = r.ID
		p.remaining = -1
		p.waiting = domain.WaitingInfo{}
		p.printf("\nRound %d: %s\n", r.RoundNo, r.Question)
		for i, opt := range r.Options {
			p.printf("  %d) %s\n", i+1, opt.Text)
		}
	}
	if snap.Round != nil && snap.RemainingSec != p.remaining {
		p.remaining = snap.RemainingSec
		if p.remaining <= 5 || p.remaining%10 == 0 {
			p.printf("  %ds left\n", p.remaining)
		}
	}

	if w := snap.Waiting; w != nil && *w != p.waiting {
		p.waiting = *w
		p.printf("Waiting for others (%d/%d answered)\n", w.SubmittedCount, w.ExpectedParticipants)
	}
	if snap.Notice != p.notice {
		p.notice = snap.Notice
		if snap.Notice != "" {
			p.printf("! %s\n", snap.Notice)
		}
	}
	if n := len(snap.Leaderboard); n > 0 && n != p.leaders && snap.Final == nil {
		p.leaders = n
		top := snap.Leaderboard[0]
		p.printf("Provisional leader: %s (%d), %d players\n", top.UserUID, top.Score, n)
	}
}

func (p *printer) outcome(out app.Outcome) {
	switch out.Kind {
	case app.OutcomeAccepted, app.OutcomeAdvanced:
		if out.Correct {
			p.printf("Answer recorded: correct\n")
		} else {
			p.printf("Answer recorded\n")
		}
	case app.OutcomeRoundClosed:
		p.printf("The round closed before the answer arrived\n")
	}
}

// printStandings renders the final table. DNF rows are listed last without
// a rank.
func printStandings(out io.Writer, final domain.FinalResult) {
	if final.Degraded {
		fmt.Fprintln(out, "\nFinal standings (provisional, server results unavailable)")
	} else {
		fmt.Fprintln(out, "\nFinal standings")
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tPLAYER\tSCORE\tTIME")
	for _, e := range final.Standings {
		rank := strconv.Itoa(e.Rank)
		if e.DNF || e.Rank == 0 {
			rank = "-"
		}
		took := "-"
		if e.DNF && final.GameType == domain.GameReaction {
			took = "DNF"
		} else if e.ResponseTimeMs != nil {
			took = strconv.FormatInt(*e.ResponseTimeMs, 10) + "ms"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", rank, e.UserUID, e.Score, took)
	}
	tw.Flush()
}
