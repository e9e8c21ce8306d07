package app_test

import (
	"testing"
	"time"

	"roundsync/internal/app"
)

type countdownEvents struct {
	ticks   chan int
	expired chan string
}

func newCountdownEvents() *countdownEvents {
	return &countdownEvents{ticks: make(chan int, 64), expired: make(chan string, 8)}
}

func (e *countdownEvents) onTick(_ string, sec int) { e.ticks <- sec }
func (e *countdownEvents) onExpire(id string)       { e.expired <- id }

func (e *countdownEvents) nextTick(t *testing.T) int {
	t.Helper()
	select {
	case sec := <-e.ticks:
		return sec
	case <-time.After(2 * time.Second):
		t.Fatalf("no tick delivered")
		return -1
	}
}

func TestCountdownExpiresOnce(t *testing.T) {
	clock := newClock()
	skew := app.NewSkewCorrector(clock, 30*time.Second)
	now := epoch.UnixMilli()
	corr := skew.Apply(now, now+2500)
	ev := newCountdownEvents()
	cd := app.NewCountdown(clock, skew, 500*time.Millisecond, 30*time.Second, ev.onTick, ev.onExpire)

	cd.Start("r1", corr.DeadlineMs)
	if cd.Remaining() != 2 || cd.State() != app.CountdownRunning {
		t.Fatalf("expected running with 2s left, got %d %v", cd.Remaining(), cd.State())
	}

	var seen []int
	for i := 0; i < 4; i++ {
		waitBlockers(t, clock, 1)
		clock.Advance(500 * time.Millisecond)
		seen = append(seen, ev.nextTick(t))
	}
	want := []int{2, 1, 1, 0}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("expected ticks %v, got %v", want, seen)
		}
	}

	select {
	case id := <-ev.expired:
		if id != "r1" {
			t.Fatalf("expected expiry of r1, got %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("countdown did not expire")
	}
	if cd.State() != app.CountdownExpired {
		t.Fatalf("expected expired state, got %v", cd.State())
	}

	clock.Advance(5 * time.Second)
	select {
	case id := <-ev.expired:
		t.Fatalf("expiry fired twice for %s", id)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCountdownStopDiscardsTicks(t *testing.T) {
	clock := newClock()
	skew := app.NewSkewCorrector(clock, 30*time.Second)
	now := epoch.UnixMilli()
	corr := skew.Apply(now, now+1000)
	ev := newCountdownEvents()
	cd := app.NewCountdown(clock, skew, 500*time.Millisecond, 30*time.Second, ev.onTick, ev.onExpire)

	cd.Start("r1", corr.DeadlineMs)
	waitBlockers(t, clock, 1)
	cd.Stop()
	cd.Stop()
	clock.Advance(10 * time.Second)

	select {
	case <-ev.expired:
		t.Fatalf("expiry fired after stop")
	case sec := <-ev.ticks:
		t.Fatalf("tick %d fired after stop", sec)
	case <-time.After(50 * time.Millisecond):
	}
	if cd.State() != app.CountdownIdle {
		t.Fatalf("expected idle after stop, got %v", cd.State())
	}
}

func TestCountdownRestartOnlyExpiresNewRound(t *testing.T) {
	clock := newClock()
	skew := app.NewSkewCorrector(clock, 30*time.Second)
	now := epoch.UnixMilli()
	ev := newCountdownEvents()
	cd := app.NewCountdown(clock, skew, 500*time.Millisecond, 30*time.Second, ev.onTick, ev.onExpire)

	cd.Start("r1", now+500)
	cd.Start("r2", now+900)
	waitBlockers(t, clock, 1)
	clock.Advance(500 * time.Millisecond)

	select {
	case id := <-ev.expired:
		if id != "r2" {
			t.Fatalf("expected only r2 to expire, got %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("countdown did not expire")
	}
	select {
	case id := <-ev.expired:
		t.Fatalf("unexpected second expiry for %s", id)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCountdownTickNeverFasterThanHalfSecond(t *testing.T) {
	clock := newClock()
	skew := app.NewSkewCorrector(clock, 30*time.Second)
	now := epoch.UnixMilli()
	ev := newCountdownEvents()
	cd := app.NewCountdown(clock, skew, 10*time.Millisecond, 30*time.Second, ev.onTick, ev.onExpire)

	cd.Start("r1", now+20000)
	defer cd.Stop()
	waitBlockers(t, clock, 1)
	clock.Advance(100 * time.Millisecond)
	select {
	case sec := <-ev.ticks:
		t.Fatalf("tick %d delivered before 500ms", sec)
	case <-time.After(50 * time.Millisecond):
	}
	clock.Advance(400 * time.Millisecond)
	if sec := ev.nextTick(t); sec != 19 {
		t.Fatalf("expected 19s left, got %d", sec)
	}
}
