package app_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"roundsync/internal/domain"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newClock() *clockwork.FakeClock {
	return clockwork.NewFakeClockAt(epoch)
}

func waitBlockers(t *testing.T, clock *clockwork.FakeClock, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, n); err != nil {
		t.Fatalf("timed out waiting for %d timers: %v", n, err)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func activeRound(id string, serverMs, expiresMs int64) domain.ActiveRound {
	return domain.ActiveRound{Round: domain.Round{
		ID:           id,
		Phase:        domain.PhaseActive,
		Question:     "question " + id,
		Options:      []domain.Option{{ID: "a", Text: "A"}, {ID: "b", Text: "B"}},
		RoundNo:      1,
		ExpiresAtMs:  expiresMs,
		ServerTimeMs: serverMs,
	}}
}

// scriptedSource replays poll results in order and repeats the last one.
// When gate is set every call blocks until a value is sent on it.
type scriptedSource struct {
	mu      sync.Mutex
	script  []domain.RoundPollResult
	calls   int
	entered chan struct{}
	gate    chan struct{}

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (s *scriptedSource) CurrentRound(ctx context.Context, _ string) domain.RoundPollResult {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		cur := s.maxInFlight.Load()
		if n <= cur || s.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	s.mu.Lock()
	idx := s.calls
	s.calls++
	var result domain.RoundPollResult = domain.Transient{}
	if len(s.script) > 0 {
		if idx >= len(s.script) {
			idx = len(s.script) - 1
		}
		result = s.script[idx]
	}
	s.mu.Unlock()

	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return domain.Transient{Err: ctx.Err()}
		}
	}
	return result
}

func (s *scriptedSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recordingHandler struct {
	mu       sync.Mutex
	applied  []domain.Round
	waiting  int
	finished int
	failing  []int
}

func (h *recordingHandler) ApplyRound(r domain.Round) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.applied = append(h.applied, r)
}

func (h *recordingHandler) WaitingNext() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.waiting++
}

func (h *recordingHandler) Finished() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finished++
}

func (h *recordingHandler) PollFailing(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failing = append(h.failing, n)
}

func (h *recordingHandler) Applied() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.applied)
}

// fakeAPI is an in-process GameAPI.
type fakeAPI struct {
	mu          sync.Mutex
	rounds      []domain.RoundPollResult
	roundCalls  int
	reply       func(req domain.AnswerRequest) (domain.SubmitReply, error)
	answers     []domain.AnswerRequest
	results     []domain.ResultsReply
	resultCalls int
	scores      []domain.ScoreEntry
	scoresErr   error
	finishes    chan struct{}
	finishCount atomic.Int32
}

func (f *fakeAPI) CurrentRound(_ context.Context, _ string) domain.RoundPollResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.rounds) == 0 {
		return domain.Transient{}
	}
	idx := f.roundCalls
	f.roundCalls++
	if idx >= len(f.rounds) {
		idx = len(f.rounds) - 1
	}
	return f.rounds[idx]
}

func (f *fakeAPI) SubmitAnswer(_ context.Context, _, _ string, req domain.AnswerRequest) (domain.SubmitReply, error) {
	f.mu.Lock()
	f.answers = append(f.answers, req)
	reply := f.reply
	f.mu.Unlock()
	if reply == nil {
		return domain.SubmitReply{Status: 200}, nil
	}
	return reply(req)
}

func (f *fakeAPI) Results(_ context.Context, _ string) domain.ResultsReply {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.results) == 0 {
		return domain.ResultsReply{Status: 204}
	}
	idx := f.resultCalls
	f.resultCalls++
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	return f.results[idx]
}

func (f *fakeAPI) Scores(_ context.Context, _ string) ([]domain.ScoreEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scoresErr != nil {
		return nil, f.scoresErr
	}
	return append([]domain.ScoreEntry(nil), f.scores...), nil
}

func (f *fakeAPI) Finish(_ context.Context, _ string) error {
	f.finishCount.Add(1)
	if f.finishes != nil {
		f.finishes <- struct{}{}
	}
	return nil
}

func (f *fakeAPI) Answers() []domain.AnswerRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.AnswerRequest(nil), f.answers...)
}

// memCache is a minimal ResponseTimeCache.
type memCache struct {
	mu    sync.Mutex
	times map[string][]int64
}

func (c *memCache) Record(_ context.Context, _, userUID string, ms int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.times == nil {
		c.times = make(map[string][]int64)
	}
	c.times[userUID] = append(c.times[userUID], ms)
	return nil
}

func (c *memCache) Best(_ context.Context, _ string) (map[string]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	best := make(map[string]int64, len(c.times))
	for uid, list := range c.times {
		for i, v := range list {
			if i == 0 || v < best[uid] {
				best[uid] = v
			}
		}
	}
	return best, nil
}
