package app

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"roundsync/internal/domain"
	"roundsync/internal/metrics"
)

// ResultsSource is the part of the game API the aggregation phase talks to.
type ResultsSource interface {
	Results(ctx context.Context, sessionID string) domain.ResultsReply
	Scores(ctx context.Context, sessionID string) ([]domain.ScoreEntry, error)
	Finish(ctx context.Context, sessionID string) error
}

// BestTimes reads the per-user best response times recorded during play.
type BestTimes interface {
	Best(ctx context.Context, sessionID string) (map[string]int64, error)
}

type AggregatorConfig struct {
	BackoffFloor   time.Duration
	BackoffCap     time.Duration
	BackoffFactor  float64
	ReinforceEvery time.Duration
	DegradedAfter  time.Duration
	IsHost         bool
}

// AggregationStep is the outcome of one aggregation tick. Final is nil
// while the server has not converged.
type AggregationStep struct {
	Final *domain.FinalResult
	Next  time.Duration
}

// ResultAggregator polls for final standings after the round sequence
// finished, republishing partial scores while it waits.
type ResultAggregator struct {
	sessionID     string
	game          domain.GameType
	source        ResultsSource
	best          BestTimes
	clock         clockwork.Clock
	cfg           AggregatorConfig
	onLeaderboard func([]domain.ScoreEntry)
	log           zerolog.Logger
	metrics       *metrics.Collector

	mu         sync.Mutex
	started    bool
	startedAt  time.Time
	backoff    Backoff
	schedule   domain.PollSchedule
	lastStatus int
	partial    []domain.ScoreEntry

	wg sync.WaitGroup
}

func NewResultAggregator(sessionID string, game domain.GameType, source ResultsSource, best BestTimes, clock clockwork.Clock, cfg AggregatorConfig, onLeaderboard func([]domain.ScoreEntry), log zerolog.Logger, m *metrics.Collector) *ResultAggregator {
	if onLeaderboard == nil {
		onLeaderboard = func([]domain.ScoreEntry) {}
	}
	return &ResultAggregator{
		sessionID:     sessionID,
		game:          game,
		source:        source,
		best:          best,
		clock:         clock,
		cfg:           cfg,
		onLeaderboard: onLeaderboard,
		log:           log,
		metrics:       m,
	}
}

// Run loops until final standings are available, the degraded timeout
// produces synthesized ones, or ctx is cancelled. Reinforcement requests
// still in flight are awaited before it returns.
func (a *ResultAggregator) Run(ctx context.Context) (domain.FinalResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		a.wg.Wait()
	}()
	a.Begin()

	for {
		step, err := a.Step(ctx)
		if err != nil {
			return domain.FinalResult{}, err
		}
		if step.Final != nil {
			return *step.Final, nil
		}

		timer := a.clock.NewTimer(step.Next)
		select {
		case <-ctx.Done():
			stopAndDrainTimer(timer)
			return domain.FinalResult{}, ctx.Err()
		case <-timer.Chan():
		}
	}
}

// Begin starts a new aggregation run: the backoff returns to its floor and
// the degraded timeout restarts.
func (a *ResultAggregator) Begin() {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.clock.Now()
	a.started = true
	a.startedAt = now
	a.backoff = Backoff{Floor: a.cfg.BackoffFloor, Cap: a.cfg.BackoffCap, Factor: a.cfg.BackoffFactor}
	a.schedule = domain.PollSchedule{LastReinforceAt: now}
	a.lastStatus = 0
	a.partial = nil
}

// Schedule returns the backoff state of the current run.
func (a *ResultAggregator) Schedule() domain.PollSchedule {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.schedule
}

// Step runs one aggregation tick.
func (a *ResultAggregator) Step(ctx context.Context) (AggregationStep, error) {
	a.mu.Lock()
	started := a.started
	a.mu.Unlock()
	if !started {
		a.Begin()
	}

	a.mu.Lock()
	a.schedule.Attempt++
	attempt := a.schedule.Attempt
	a.mu.Unlock()

	reply := a.source.Results(ctx, a.sessionID)
	a.metrics.ResultPoll(reply.Status)
	switch {
	case reply.Err != nil:
		a.log.Debug().Err(reply.Err).Int("attempt", attempt).Msg("results fetch failed")
	case reply.Status == http.StatusUnauthorized || reply.Status == http.StatusForbidden:
		return AggregationStep{}, fmt.Errorf("%w: status %d", domain.ErrResultsForbidden, reply.Status)
	case reply.Status == http.StatusOK && len(reply.Standings) > 0:
		final := a.final(serverStandings(reply.Standings, a.game), false)
		a.log.Info().Int("attempt", attempt).Int("standings", len(final.Standings)).Msg("final results received")
		return AggregationStep{Final: &final}, nil
	default:
		a.log.Debug().Int("status", reply.Status).Int("attempt", attempt).Msg("results not ready")
	}

	a.mu.Lock()
	a.lastStatus = reply.Status
	a.mu.Unlock()

	a.refreshLeaderboard(ctx)
	a.maybeReinforce(ctx)

	if final, ok := a.maybeDegrade(ctx); ok {
		return AggregationStep{Final: &final}, nil
	}

	a.mu.Lock()
	next := a.backoff.Next()
	a.schedule.Delay = next
	a.mu.Unlock()
	return AggregationStep{Next: next}, nil
}

func (a *ResultAggregator) refreshLeaderboard(ctx context.Context) {
	scores, err := a.source.Scores(ctx, a.sessionID)
	if err != nil {
		a.log.Debug().Err(err).Msg("partial scores unavailable")
		return
	}
	a.mu.Lock()
	a.partial = append([]domain.ScoreEntry(nil), scores...)
	a.mu.Unlock()
	a.onLeaderboard(RankStandings(scores, a.game))
}

func (a *ResultAggregator) maybeReinforce(ctx context.Context) {
	if !a.cfg.IsHost {
		return
	}
	now := a.clock.Now()
	a.mu.Lock()
	if now.Sub(a.schedule.LastReinforceAt) < a.cfg.ReinforceEvery {
		a.mu.Unlock()
		return
	}
	a.schedule.LastReinforceAt = now
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		err := a.source.Finish(ctx, a.sessionID)
		a.metrics.Reinforcement(err == nil)
		if err != nil {
			a.log.Debug().Err(err).Msg("finish reinforcement failed")
		}
	}()
}

// maybeDegrade synthesizes standings once the server kept answering 422
// past the degraded timeout, provided there is anything to rank.
func (a *ResultAggregator) maybeDegrade(ctx context.Context) (domain.FinalResult, bool) {
	a.mu.Lock()
	elapsed := a.clock.Since(a.startedAt)
	status := a.lastStatus
	partial := append([]domain.ScoreEntry(nil), a.partial...)
	a.mu.Unlock()

	if elapsed <= a.cfg.DegradedAfter || status != http.StatusUnprocessableEntity {
		return domain.FinalResult{}, false
	}

	var best map[string]int64
	if a.best != nil {
		b, err := a.best.Best(ctx, a.sessionID)
		if err != nil {
			a.log.Warn().Err(err).Msg("response-time cache unavailable")
		}
		best = b
	}
	if len(partial) == 0 && len(best) == 0 {
		return domain.FinalResult{}, false
	}

	final := a.final(SynthesizeStandings(partial, best, a.game), true)
	a.metrics.Degraded()
	a.log.Warn().
		Dur("elapsed", elapsed).
		Int("partial", len(partial)).
		Int("cached", len(best)).
		Msg("server did not finalize results, using local standings")
	return final, true
}

func (a *ResultAggregator) final(standings []domain.ScoreEntry, degraded bool) domain.FinalResult {
	return domain.FinalResult{
		SessionID:   a.sessionID,
		GameType:    a.game,
		Standings:   standings,
		Degraded:    degraded,
		CompletedAt: a.clock.Now(),
	}
}

// serverStandings keeps server-assigned ranks when present and ranks
// locally otherwise.
func serverStandings(entries []domain.ScoreEntry, game domain.GameType) []domain.ScoreEntry {
	ranked := false
	for _, e := range entries {
		if e.Rank > 0 {
			ranked = true
			break
		}
	}
	if !ranked {
		return RankStandings(entries, game)
	}
	out := append([]domain.ScoreEntry(nil), entries...)
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := out[i].Rank, out[j].Rank
		if ri == 0 || rj == 0 {
			return rj == 0 && ri != 0
		}
		return ri < rj
	})
	return out
}
