package domain

import "errors"

var (
	// ErrNoActiveRound is returned when a submission is attempted outside an active round.
	ErrNoActiveRound = errors.New("no active round")
	// ErrSubmissionInFlight rejects a second submit while one is outstanding.
	ErrSubmissionInFlight = errors.New("submission already in flight")
	// ErrAlreadySubmitted rejects a submit after the round's answer was recorded.
	ErrAlreadySubmitted = errors.New("answer already submitted for this round")
	// ErrDeadlineGuard rejects a submit too close to the round deadline.
	ErrDeadlineGuard = errors.New("round is about to close")
	// ErrSessionFatal means the session is gone or forbidden; the caller should leave the game.
	ErrSessionFatal = errors.New("session no longer available")
	// ErrResultsForbidden is returned when the results endpoint answers 401/403.
	ErrResultsForbidden = errors.New("not allowed to read results")
	// ErrUnexpectedStatus wraps non-success statuses of best-effort endpoints.
	ErrUnexpectedStatus = errors.New("unexpected status")
	// ErrEngineRunning is returned when Run is called twice on one engine.
	ErrEngineRunning = errors.New("engine already running")
)
