package app

import (
	"context"
	"errors"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"roundsync/internal/config"
	"roundsync/internal/domain"
	"roundsync/internal/metrics"
)

// GameAPI is the full REST surface the engine consumes.
type GameAPI interface {
	RoundSource
	AnswerSink
	ResultsSource
}

// ResponseTimeCache is the per-session store of measured response times:
// written on every accepted submission, read by degraded mode.
type ResponseTimeCache interface {
	ResponseTimeRecorder
	BestTimes
}

const (
	noticeTimeUp       = "Time's up! No answer was recorded for this round."
	noticeConnection   = "Connection problems, still trying to reach the game server."
	noticeSessionEnded = "This session is no longer available."
)

type Options struct {
	SessionID string
	UserUID   string
	IsHost    bool
	GameType  domain.GameType
	Settings  config.Engine
	API       GameAPI
	// Cache is optional; without it degraded mode only has partial scores.
	Cache   ResponseTimeCache
	Clock   clockwork.Clock
	Logger  zerolog.Logger
	Metrics *metrics.Collector
}

// Engine owns every piece of cross-tick state of one session view: clock
// offset, countdown, poll schedule, submission state and the aggregation
// run. Stop tears all of it down.
type Engine struct {
	opts Options
	log  zerolog.Logger

	skew       *SkewCorrector
	countdown  *Countdown
	poller     *RoundPoller
	submitter  *SubmissionCoordinator
	aggregator *ResultAggregator

	// applyMu serializes round transitions coming from the poll loop and
	// from resync polls.
	applyMu sync.Mutex

	mu          sync.Mutex
	running     bool
	cancel      context.CancelFunc
	phase       domain.Phase
	round       *domain.Round
	lastRoundID string
	deadlineMs  int64
	remaining   int
	notice      string
	leaderboard []domain.ScoreEntry
	final       *domain.FinalResult
	fatal       error
	subscribers map[chan domain.Snapshot]struct{}
}

func NewEngine(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.GameType == "" {
		opts.GameType = domain.GameQuiz
	}
	opts.Settings = opts.Settings.WithDefaults()
	s := opts.Settings
	e := &Engine{
		opts:        opts,
		log:         opts.Logger.With().Str("session_id", opts.SessionID).Logger(),
		phase:       domain.PhaseNoRound,
		subscribers: make(map[chan domain.Snapshot]struct{}),
	}
	hooks := engineHooks{e}

	e.skew = NewSkewCorrector(opts.Clock, s.NominalRound())
	e.countdown = NewCountdown(opts.Clock, e.skew, s.Tick(), s.NominalRound(), e.onTick, e.onExpire)
	e.poller = NewRoundPoller(opts.SessionID, opts.API, hooks, opts.Clock, PollerConfig{
		ActiveEvery:     s.ActivePoll(),
		TransitionEvery: s.TransitionPoll(),
		TransientEvery:  s.TransientPoll(),
		MaxQuiet:        s.MaxQuietFailures,
	}, e.log, opts.Metrics)

	var recorder ResponseTimeRecorder
	var best BestTimes
	if opts.Cache != nil {
		recorder, best = opts.Cache, opts.Cache
	}
	e.submitter = NewSubmissionCoordinator(opts.SessionID, opts.UserUID, opts.API, recorder, e.skew, opts.Clock, s.SubmissionGuard(), hooks, e.log, opts.Metrics)
	e.aggregator = NewResultAggregator(opts.SessionID, opts.GameType, opts.API, best, opts.Clock, AggregatorConfig{
		BackoffFloor:   s.BackoffFloor(),
		BackoffCap:     s.BackoffCap(),
		BackoffFactor:  s.BackoffFactor,
		ReinforceEvery: s.ReinforceInterval(),
		DegradedAfter:  s.DegradedModeTimeout(),
		IsHost:         opts.IsHost,
	}, e.onLeaderboard, e.log, opts.Metrics)
	return e
}

// Run drives the session from its current round to final standings.
func (e *Engine) Run(ctx context.Context) (domain.FinalResult, error) {
	ctx, err := e.start(ctx)
	if err != nil {
		return domain.FinalResult{}, err
	}
	defer e.finish()

	e.log.Info().Str("game", string(e.opts.GameType)).Bool("host", e.opts.IsHost).Msg("engine started")
	pollErr := e.poller.Run(ctx)
	e.countdown.Stop()
	if fatal := e.fatalErr(); fatal != nil {
		return domain.FinalResult{}, fatal
	}
	if pollErr != nil {
		return domain.FinalResult{}, pollErr
	}
	return e.aggregate(ctx)
}

// RunResults skips the round loop and only aggregates final standings, for
// a client that enters a session that already finished.
func (e *Engine) RunResults(ctx context.Context) (domain.FinalResult, error) {
	ctx, err := e.start(ctx)
	if err != nil {
		return domain.FinalResult{}, err
	}
	defer e.finish()
	e.setPhase(domain.PhaseFinished)
	return e.aggregate(ctx)
}

func (e *Engine) start(ctx context.Context) (context.Context, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running || e.phase.Terminal() {
		return nil, domain.ErrEngineRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	e.running = true
	e.cancel = cancel
	return ctx, nil
}

func (e *Engine) finish() {
	e.mu.Lock()
	cancel := e.cancel
	e.running = false
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *Engine) aggregate(ctx context.Context) (domain.FinalResult, error) {
	e.setPhase(domain.PhaseAggregating)
	final, err := e.aggregator.Run(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrResultsForbidden) {
			e.log.Error().Err(err).Msg("results rejected")
		}
		return domain.FinalResult{}, err
	}

	phase := domain.PhaseDone
	if final.Degraded {
		phase = domain.PhaseDegradedDone
	}
	e.mu.Lock()
	e.final = &final
	e.phase = phase
	e.mu.Unlock()
	e.broadcast()
	e.log.Info().Str("phase", string(phase)).Int("standings", len(final.Standings)).Msg("session complete")
	return final, nil
}

// Submit answers the active round with optionID.
func (e *Engine) Submit(ctx context.Context, optionID string) (Outcome, error) {
	out, err := e.submitter.Submit(ctx, optionID)
	if err != nil {
		return out, err
	}
	if out.Message != "" {
		e.mu.Lock()
		e.notice = out.Message
		e.mu.Unlock()
		e.broadcast()
	}
	return out, nil
}

// Stop cancels every loop and timer. Results of requests still in flight
// are discarded.
func (e *Engine) Stop() {
	e.poller.Stop()
	e.countdown.Stop()
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Snapshot returns the current observable state.
func (e *Engine) Snapshot() domain.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// Subscribe returns a channel that receives a snapshot after every state
// change, starting with the current one. Slow readers only miss
// intermediate snapshots. The caller must invoke the returned cancel
// function.
func (e *Engine) Subscribe() (<-chan domain.Snapshot, func()) {
	ch := make(chan domain.Snapshot, 8)

	e.mu.Lock()
	e.subscribers[ch] = struct{}{}
	ch <- e.snapshotLocked()
	e.mu.Unlock()

	cancel := func() {
		e.mu.Lock()
		if _, ok := e.subscribers[ch]; ok {
			delete(e.subscribers, ch)
			close(ch)
		}
		e.mu.Unlock()
	}
	return ch, cancel
}

func (e *Engine) broadcast() {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := e.snapshotLocked()
	for ch := range e.subscribers {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- snap
		}
	}
}

func (e *Engine) snapshotLocked() domain.Snapshot {
	snap := domain.Snapshot{
		SessionID:           e.opts.SessionID,
		Phase:               e.phase,
		Notice:              e.notice,
		ConsecutiveFailures: e.poller.ConsecutiveFailures(),
	}
	if e.round != nil {
		r := *e.round
		snap.Round = &r
		snap.RemainingSec = e.remaining
		snap.Submission = e.submitter.State()
		snap.Waiting = e.submitter.Waiting()
	}
	if len(e.leaderboard) > 0 {
		snap.Leaderboard = append([]domain.ScoreEntry(nil), e.leaderboard...)
	}
	if e.final != nil {
		f := *e.final
		snap.Final = &f
	}
	return snap
}

func (e *Engine) setPhase(p domain.Phase) {
	e.mu.Lock()
	e.phase = p
	e.mu.Unlock()
	e.broadcast()
}

func (e *Engine) fatalErr() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fatal
}

func (e *Engine) onTick(roundID string, remaining int) {
	e.mu.Lock()
	if e.round == nil || e.round.ID != roundID {
		e.mu.Unlock()
		return
	}
	e.remaining = remaining
	e.mu.Unlock()
	e.broadcast()
}

func (e *Engine) onExpire(roundID string) {
	if e.submitter.Expire(roundID) {
		e.log.Info().Str("round_id", roundID).Msg("round expired without an answer")
		e.mu.Lock()
		e.notice = noticeTimeUp
		e.mu.Unlock()
	}
	e.poller.Kick()
	e.broadcast()
}

func (e *Engine) onLeaderboard(entries []domain.ScoreEntry) {
	e.mu.Lock()
	e.leaderboard = entries
	e.mu.Unlock()
	e.broadcast()
}

func (e *Engine) applyRound(round domain.Round) {
	e.applyMu.Lock()
	defer e.applyMu.Unlock()

	e.mu.Lock()
	same := e.lastRoundID == round.ID
	deadline := e.deadlineMs
	e.mu.Unlock()

	if same {
		// Payload refresh only; the clock anchor and the submission state
		// belong to the first application of this round.
		e.submitter.Resume(round.ID)
		if e.countdown.State() == CountdownIdle {
			e.countdown.Start(round.ID, deadline)
		}
	} else {
		corr := e.skew.Apply(round.ServerTimeMs, round.ExpiresAtMs)
		if corr.Clamped {
			e.log.Warn().
				Str("round_id", round.ID).
				Int64("server_time_ms", round.ServerTimeMs).
				Int64("expires_at_ms", round.ExpiresAtMs).
				Msg("implausible round timing, using nominal duration")
		}
		deadline = corr.DeadlineMs
		e.submitter.Reset(RoundContext{RoundID: round.ID, StartedAt: e.opts.Clock.Now(), DeadlineMs: deadline})
		e.countdown.Start(round.ID, deadline)
		e.log.Info().Str("round_id", round.ID).Int("round_no", round.RoundNo).Int64("offset_ms", corr.OffsetMs).Msg("round applied")
	}

	round.Phase = domain.PhaseActive
	e.mu.Lock()
	if !same {
		e.notice = ""
		e.leaderboard = nil
	} else if e.notice == noticeConnection {
		e.notice = ""
	}
	e.round = &round
	e.lastRoundID = round.ID
	e.deadlineMs = deadline
	e.remaining = e.countdown.Remaining()
	e.phase = domain.PhaseActive
	e.mu.Unlock()
	e.broadcast()
}

func (e *Engine) leaveRound(phase domain.Phase) {
	e.applyMu.Lock()
	defer e.applyMu.Unlock()
	e.submitter.Deactivate()
	e.countdown.Stop()
	e.mu.Lock()
	e.round = nil
	e.remaining = 0
	if e.notice == noticeConnection {
		e.notice = ""
	}
	e.phase = phase
	e.mu.Unlock()
	e.broadcast()
}

func (e *Engine) setFatal(err error) {
	e.mu.Lock()
	if e.fatal == nil {
		e.fatal = err
	}
	e.notice = noticeSessionEnded
	e.mu.Unlock()
	e.log.Error().Err(err).Msg("session ended by server")
	e.Stop()
	e.broadcast()
}

// engineHooks adapts the engine to the callbacks of its components.
type engineHooks struct {
	e *Engine
}

func (h engineHooks) ApplyRound(round domain.Round) {
	h.e.applyRound(round)
}

func (h engineHooks) WaitingNext() {
	h.e.leaveRound(domain.PhaseWaitingNext)
}

func (h engineHooks) Finished() {
	h.e.leaveRound(domain.PhaseFinished)
}

func (h engineHooks) PollFailing(consecutive int) {
	h.e.mu.Lock()
	h.e.notice = noticeConnection
	h.e.mu.Unlock()
	h.e.broadcast()
}

func (h engineHooks) AdvanceRound() {
	h.e.poller.Kick()
}

func (h engineHooks) Resync(ctx context.Context) {
	h.e.poller.Refresh(ctx)
}

func (h engineHooks) Fatal(err error) {
	h.e.setFatal(err)
}

func (h engineHooks) Expired(roundID string) {
	h.e.log.Info().Str("round_id", roundID).Msg("round expired while the answer was in flight")
	h.e.mu.Lock()
	h.e.notice = noticeTimeUp
	h.e.mu.Unlock()
}

func (h engineHooks) Changed() {
	h.e.broadcast()
}
