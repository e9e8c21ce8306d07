package domain

// RoundPollResult is the closed set of outcomes of a "current round" fetch.
// The unexported marker keeps other packages from adding variants, so a type
// switch over ActiveRound, WaitingNext, Finished and Transient is exhaustive.
type RoundPollResult interface {
	roundPollResult()
}

// ActiveRound carries a playable round (HTTP 200 with payload).
type ActiveRound struct {
	Round Round
}

// WaitingNext means no round is open yet but a transition is imminent.
type WaitingNext struct{}

// Finished means the round sequence is over.
type Finished struct{}

// Transient covers every other status and transport failure.
type Transient struct {
	Status int
	Err    error
}

func (ActiveRound) roundPollResult() {}
func (WaitingNext) roundPollResult() {}
func (Finished) roundPollResult()    {}
func (Transient) roundPollResult()   {}
