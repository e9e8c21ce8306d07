package app

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Plausibility window for the corrected remaining time. The upper bound is
// relative to the nominal round length so that a 30s round allows up to 35s.
const (
	skewLowerSlackMs = -5000
	skewUpperSlackMs = 5000
)

// Correction is the outcome of anchoring a round to the server clock.
type Correction struct {
	DeadlineMs int64 // server clock
	OffsetMs   int64 // server minus local
	Clamped    bool
}

// SkewCorrector holds the client-minus-server offset of the current round.
// Each round application re-anchors it; samples are never averaged.
type SkewCorrector struct {
	clock     clockwork.Clock
	nominalMs int64

	mu     sync.RWMutex
	offset int64
}

func NewSkewCorrector(clock clockwork.Clock, nominal time.Duration) *SkewCorrector {
	return &SkewCorrector{clock: clock, nominalMs: nominal.Milliseconds()}
}

// Apply computes the offset from serverTimeMs and returns the deadline to
// count down to. If either timestamp is missing the offset is reset to zero.
func (s *SkewCorrector) Apply(serverTimeMs, expiresAtMs int64) Correction {
	local := s.clock.Now().UnixMilli()

	var offset int64
	if serverTimeMs > 0 && expiresAtMs > 0 {
		offset = serverTimeMs - local
	}
	s.mu.Lock()
	s.offset = offset
	s.mu.Unlock()

	serverNow := local + offset
	nominal := Correction{DeadlineMs: serverNow + s.nominalMs, OffsetMs: offset, Clamped: true}
	if serverTimeMs <= 0 || expiresAtMs <= 0 {
		return nominal
	}
	remaining := expiresAtMs - serverNow
	if remaining < skewLowerSlackMs || remaining > s.nominalMs+skewUpperSlackMs {
		return nominal
	}
	return Correction{DeadlineMs: expiresAtMs, OffsetMs: offset}
}

// Offset returns the offset stored by the last Apply.
func (s *SkewCorrector) Offset() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Duration(s.offset) * time.Millisecond
}

// ServerNowMs is the local clock shifted onto the server clock.
func (s *SkewCorrector) ServerNowMs() int64 {
	s.mu.RLock()
	offset := s.offset
	s.mu.RUnlock()
	return s.clock.Now().UnixMilli() + offset
}

// Remaining returns how long until deadlineMs on the corrected clock.
func (s *SkewCorrector) Remaining(deadlineMs int64) time.Duration {
	return time.Duration(deadlineMs-s.ServerNowMs()) * time.Millisecond
}
