package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"roundsync/internal/domain"
	"roundsync/internal/metrics"
)

// AnswerSink posts an answer. The error is reserved for transport failures;
// every HTTP status is reported through SubmitReply.Status.
type AnswerSink interface {
	SubmitAnswer(ctx context.Context, sessionID, roundID string, req domain.AnswerRequest) (domain.SubmitReply, error)
}

// ResponseTimeRecorder appends a measured response time to the local cache.
type ResponseTimeRecorder interface {
	Record(ctx context.Context, sessionID, userUID string, responseTimeMs int64) error
}

// SubmissionHooks lets the coordinator drive the rest of the engine.
type SubmissionHooks interface {
	AdvanceRound()
	Resync(ctx context.Context)
	Fatal(err error)
	// Expired reports a round that timed out while its answer was in
	// flight and ended up not recorded; it is now force-submitted.
	Expired(roundID string)
	Changed()
}

type OutcomeKind string

const (
	// OutcomeAccepted: recorded, others still answering.
	OutcomeAccepted OutcomeKind = "accepted"
	// OutcomeAdvanced: recorded and everyone answered; the next round was requested.
	OutcomeAdvanced OutcomeKind = "advanced"
	// OutcomeRoundClosed: the server closed the round before the answer arrived.
	OutcomeRoundClosed OutcomeKind = "round_closed"
	// OutcomeInvalidOption: the option is stale; the round was refreshed.
	OutcomeInvalidOption OutcomeKind = "invalid_option"
	// OutcomeFatal: the session is gone or forbidden; the engine stopped.
	OutcomeFatal OutcomeKind = "fatal"
	// OutcomeTransient: server or network failure; the user may retry.
	OutcomeTransient OutcomeKind = "transient"
)

// Outcome is the interpreted result of one submission request.
type Outcome struct {
	Kind             OutcomeKind
	Status           int
	Correct          bool
	AlreadySubmitted bool
	Waiting          *domain.WaitingInfo
	Message          string
	Err              error
	// Forced is set when the round expired during the request and the
	// answer was not recorded.
	Forced bool
}

// RoundContext is what the coordinator needs to know about the active round.
type RoundContext struct {
	RoundID    string
	StartedAt  time.Time // local clock
	DeadlineMs int64     // server clock, skew-corrected
}

// SubmissionCoordinator issues at most one answer request per round.
type SubmissionCoordinator struct {
	sessionID string
	userUID   string
	sink      AnswerSink
	recorder  ResponseTimeRecorder
	skew      *SkewCorrector
	clock     clockwork.Clock
	guardMs   int64
	hooks     SubmissionHooks
	log       zerolog.Logger
	metrics   *metrics.Collector

	mu      sync.Mutex
	gen     uint64
	active  bool
	round   RoundContext
	idemKey string
	state   domain.SubmissionState
	waiting *domain.WaitingInfo
	// expireDue records an expiry that arrived while a request was in flight.
	expireDue bool
}

func NewSubmissionCoordinator(sessionID, userUID string, sink AnswerSink, recorder ResponseTimeRecorder, skew *SkewCorrector, clock clockwork.Clock, guard time.Duration, hooks SubmissionHooks, log zerolog.Logger, m *metrics.Collector) *SubmissionCoordinator {
	return &SubmissionCoordinator{
		sessionID: sessionID,
		userUID:   userUID,
		sink:      sink,
		recorder:  recorder,
		skew:      skew,
		clock:     clock,
		guardMs:   guard.Milliseconds(),
		hooks:     hooks,
		log:       log,
		metrics:   m,
	}
}

// Reset starts a fresh submission state for a newly applied round.
func (s *SubmissionCoordinator) Reset(rc RoundContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.active = true
	s.round = rc
	s.idemKey = uuid.NewString()
	s.state = domain.SubmissionState{}
	s.waiting = nil
	s.expireDue = false
}

// Deactivate rejects further submissions without discarding the state of
// the last round. A request already in flight still settles normally.
func (s *SubmissionCoordinator) Deactivate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
}

// Resume re-enables submissions when roundID is reported active again
// after a transition poll. Submission state is kept.
func (s *SubmissionCoordinator) Resume(roundID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.round.RoundID == roundID {
		s.active = true
	}
}

// Expire marks roundID as force-submitted with zero credit if the user had
// not answered. It reports whether it did so. With a request in flight the
// decision waits for the request to settle; see SubmissionHooks.Expired.
func (s *SubmissionCoordinator) Expire(roundID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.round.RoundID != roundID || s.state.HasSubmitted {
		return false
	}
	if s.state.InFlight {
		s.expireDue = true
		return false
	}
	s.state.HasSubmitted = true
	s.state.Forced = true
	s.metrics.ForcedSubmission()
	return true
}

func (s *SubmissionCoordinator) State() domain.SubmissionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *SubmissionCoordinator) Waiting() *domain.WaitingInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waiting == nil {
		return nil
	}
	w := *s.waiting
	return &w
}

// Submit sends optionID for the active round. Precondition failures return
// a sentinel error without any network call; everything the server says is
// reported as an Outcome.
func (s *SubmissionCoordinator) Submit(ctx context.Context, optionID string) (out Outcome, err error) {
	s.mu.Lock()
	switch {
	case !s.active:
		s.mu.Unlock()
		return Outcome{}, domain.ErrNoActiveRound
	case s.state.InFlight:
		s.mu.Unlock()
		return Outcome{}, domain.ErrSubmissionInFlight
	case s.state.HasSubmitted:
		s.mu.Unlock()
		return Outcome{}, domain.ErrAlreadySubmitted
	case s.round.DeadlineMs-s.skew.ServerNowMs() < s.guardMs:
		s.mu.Unlock()
		return Outcome{}, domain.ErrDeadlineGuard
	}
	s.state.InFlight = true
	s.state.SelectedOptionID = optionID
	gen := s.gen
	round := s.round
	req := domain.AnswerRequest{
		OptionID:       optionID,
		ResponseTimeMs: s.clock.Since(round.StartedAt).Milliseconds(),
		IdempotencyKey: s.idemKey,
	}
	s.mu.Unlock()
	s.hooks.Changed()

	defer func() {
		forced := false
		s.mu.Lock()
		if s.gen == gen {
			s.state.InFlight = false
			if !s.state.HasSubmitted {
				s.state.SelectedOptionID = ""
				if s.expireDue && out.Kind != OutcomeFatal {
					s.state.HasSubmitted = true
					s.state.Forced = true
					s.metrics.ForcedSubmission()
					forced = true
				}
			}
			s.expireDue = false
		}
		s.mu.Unlock()
		if forced {
			out.Forced = true
			out.Message = ""
			s.hooks.Expired(round.RoundID)
		}
		s.hooks.Changed()
	}()

	reply, sendErr := s.sink.SubmitAnswer(ctx, s.sessionID, round.RoundID, req)
	if sendErr != nil {
		s.log.Warn().Err(sendErr).Str("round_id", round.RoundID).Msg("answer submission failed")
		s.metrics.Submission(string(OutcomeTransient))
		return Outcome{Kind: OutcomeTransient, Message: "Submission failed, please try again.", Err: sendErr}, nil
	}

	out = s.resolve(ctx, gen, round, req, reply)
	s.metrics.Submission(string(out.Kind))
	s.log.Info().
		Str("round_id", round.RoundID).
		Int("status", reply.Status).
		Str("outcome", string(out.Kind)).
		Int64("response_time_ms", req.ResponseTimeMs).
		Msg("answer submitted")
	return out, nil
}

func (s *SubmissionCoordinator) resolve(ctx context.Context, gen uint64, round RoundContext, req domain.AnswerRequest, reply domain.SubmitReply) Outcome {
	out := Outcome{Status: reply.Status, Correct: reply.Correct, AlreadySubmitted: reply.AlreadySubmitted}

	switch {
	case reply.Status == http.StatusOK || reply.Status == http.StatusConflict:
		out.AlreadySubmitted = reply.AlreadySubmitted || reply.Status == http.StatusConflict
		waiting := domain.WaitingInfo{SubmittedCount: reply.SubmittedCount, ExpectedParticipants: reply.ExpectedParticipants}
		s.markSubmitted(gen, &waiting, reply.AllSubmitted)
		s.record(ctx, req.ResponseTimeMs)
		if reply.AllSubmitted {
			out.Kind = OutcomeAdvanced
			s.hooks.AdvanceRound()
			return out
		}
		out.Kind = OutcomeAccepted
		out.Waiting = &waiting
		return out

	case reply.Status == http.StatusGone:
		s.markSubmitted(gen, nil, true)
		out.Kind = OutcomeRoundClosed
		s.hooks.AdvanceRound()
		return out

	case reply.Status == http.StatusUnprocessableEntity:
		out.Kind = OutcomeInvalidOption
		out.Message = "That answer is no longer valid; the question was refreshed."
		s.hooks.Resync(ctx)
		return out

	case reply.Status == http.StatusUnauthorized || reply.Status == http.StatusForbidden || reply.Status == http.StatusNotFound:
		out.Kind = OutcomeFatal
		out.Err = fmt.Errorf("%w: answer rejected with status %d", domain.ErrSessionFatal, reply.Status)
		s.hooks.Fatal(out.Err)
		return out

	default:
		out.Kind = OutcomeTransient
		out.Message = "Submission failed, please try again."
		out.Err = fmt.Errorf("%w: answer status %d", domain.ErrUnexpectedStatus, reply.Status)
		return out
	}
}

// markSubmitted applies a successful outcome unless the round was replaced
// while the request was in flight.
func (s *SubmissionCoordinator) markSubmitted(gen uint64, waiting *domain.WaitingInfo, all bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	s.state.HasSubmitted = true
	if waiting != nil && !all {
		s.waiting = waiting
	}
}

func (s *SubmissionCoordinator) record(ctx context.Context, responseTimeMs int64) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.Record(ctx, s.sessionID, s.userUID, responseTimeMs); err != nil {
		s.log.Warn().Err(err).Msg("failed to cache response time")
	}
}
