package app

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"roundsync/internal/domain"
	"roundsync/internal/metrics"
)

// RoundSource fetches and classifies the session's current round. It never
// returns an error: transport failures come back as domain.Transient.
type RoundSource interface {
	CurrentRound(ctx context.Context, sessionID string) domain.RoundPollResult
}

// RoundHandler receives classified poll results.
type RoundHandler interface {
	ApplyRound(round domain.Round)
	WaitingNext()
	Finished()
	// PollFailing is called once the run of consecutive transient failures
	// reaches the quiet limit, and on every failure after that.
	PollFailing(consecutive int)
}

// PollDecision says what the loop does after one poll.
type PollDecision struct {
	Next time.Duration
	Done bool
}

type PollerConfig struct {
	ActiveEvery     time.Duration
	TransitionEvery time.Duration
	TransientEvery  time.Duration
	MaxQuiet        int
}

// RoundPoller is a single-flight polling loop. A poll is only scheduled
// after the previous one settled, and concurrent Refresh calls share the
// in-flight request instead of issuing a second one.
type RoundPoller struct {
	sessionID string
	source    RoundSource
	handler   RoundHandler
	clock     clockwork.Clock
	cfg       PollerConfig
	log       zerolog.Logger
	metrics   *metrics.Collector

	sf      singleflight.Group
	kick    chan struct{}
	gen     atomic.Uint64
	stopped atomic.Bool

	mu       sync.Mutex
	failures int
	cancel   context.CancelFunc
}

func NewRoundPoller(sessionID string, source RoundSource, handler RoundHandler, clock clockwork.Clock, cfg PollerConfig, log zerolog.Logger, m *metrics.Collector) *RoundPoller {
	return &RoundPoller{
		sessionID: sessionID,
		source:    source,
		handler:   handler,
		clock:     clock,
		cfg:       cfg,
		log:       log,
		metrics:   m,
		kick:      make(chan struct{}, 1),
	}
}

// Run polls until the session reports FINISHED (nil), or until ctx is
// cancelled or Stop is called (the context error).
func (p *RoundPoller) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	for {
		decision := p.Step(ctx)
		if err := ctx.Err(); err != nil {
			return err
		}
		if decision.Done {
			if p.stopped.Load() {
				return context.Canceled
			}
			return nil
		}

		timer := p.clock.NewTimer(decision.Next)
		select {
		case <-ctx.Done():
			stopAndDrainTimer(timer)
			return ctx.Err()
		case <-p.kick:
			stopAndDrainTimer(timer)
			p.log.Debug().Str("session_id", p.sessionID).Msg("poll kicked")
		case <-timer.Chan():
		}
	}
}

// Step performs one poll and hands the result to the handler. A caller
// that joined another caller's request only gets the decision; the
// request's owner applies the result.
func (p *RoundPoller) Step(ctx context.Context) PollDecision {
	if p.stopped.Load() {
		return PollDecision{Done: true}
	}
	gen := p.gen.Load()
	result, owner := p.fetch(ctx)
	if gen != p.gen.Load() || ctx.Err() != nil {
		return PollDecision{Done: true}
	}
	if !owner {
		return p.decide(result)
	}
	return p.handle(result)
}

// Refresh polls once outside the schedule, e.g. to resynchronize after the
// server rejected a stale option. It joins an in-flight poll if there is one.
func (p *RoundPoller) Refresh(ctx context.Context) {
	p.Step(ctx)
}

// Kick makes the loop poll immediately once the current poll settles.
func (p *RoundPoller) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Stop ends the loop; results of polls still in flight are discarded.
func (p *RoundPoller) Stop() {
	p.stopped.Store(true)
	p.gen.Add(1)
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// ConsecutiveFailures returns the current run of transient failures.
func (p *RoundPoller) ConsecutiveFailures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures
}

// fetch reports whether this caller issued the request itself.
func (p *RoundPoller) fetch(ctx context.Context) (domain.RoundPollResult, bool) {
	owner := false
	v, _, shared := p.sf.Do(p.sessionID, func() (interface{}, error) {
		owner = true
		return p.source.CurrentRound(ctx, p.sessionID), nil
	})
	if shared && !owner {
		p.log.Debug().Str("session_id", p.sessionID).Msg("joined in-flight round poll")
	}
	return v.(domain.RoundPollResult), owner
}

// decide maps a result onto the next schedule without side effects.
func (p *RoundPoller) decide(result domain.RoundPollResult) PollDecision {
	switch result.(type) {
	case domain.ActiveRound:
		return PollDecision{Next: p.cfg.ActiveEvery}
	case domain.WaitingNext:
		return PollDecision{Next: p.cfg.TransitionEvery}
	case domain.Finished:
		return PollDecision{Done: true}
	case domain.Transient:
		return PollDecision{Next: p.cfg.TransientEvery}
	default:
		panic("app: unhandled round poll result")
	}
}

func (p *RoundPoller) handle(result domain.RoundPollResult) PollDecision {
	switch r := result.(type) {
	case domain.ActiveRound:
		p.resetFailures()
		p.metrics.Poll("active")
		p.handler.ApplyRound(r.Round)
		return PollDecision{Next: p.cfg.ActiveEvery}
	case domain.WaitingNext:
		p.resetFailures()
		p.metrics.Poll("waiting_next")
		p.handler.WaitingNext()
		return PollDecision{Next: p.cfg.TransitionEvery}
	case domain.Finished:
		p.resetFailures()
		p.metrics.Poll("finished")
		p.log.Info().Str("session_id", p.sessionID).Msg("round sequence finished")
		p.handler.Finished()
		return PollDecision{Done: true}
	case domain.Transient:
		p.metrics.Poll("transient")
		p.mu.Lock()
		p.failures++
		n := p.failures
		p.mu.Unlock()
		level := zerolog.DebugLevel
		if n >= p.cfg.MaxQuiet {
			level = zerolog.WarnLevel
		}
		p.log.WithLevel(level).Str("session_id", p.sessionID).Int("status", r.Status).Err(r.Err).Int("consecutive", n).Msg("transient round poll failure")
		if n >= p.cfg.MaxQuiet {
			p.handler.PollFailing(n)
		}
		return PollDecision{Next: p.cfg.TransientEvery}
	default:
		panic("app: unhandled round poll result")
	}
}

func (p *RoundPoller) resetFailures() {
	p.mu.Lock()
	p.failures = 0
	p.mu.Unlock()
}

// stopAndDrainTimer stops a timer and drains its channel if it already fired.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
