package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorCounts(t *testing.T) {
	c := New(prometheus.NewRegistry())

	c.Poll("active")
	c.Poll("active")
	c.Poll("waiting_next")
	c.Submission("accepted")
	c.ResultPoll(422)
	c.Reinforcement(false)
	c.Degraded()

	if got := testutil.ToFloat64(c.polls.WithLabelValues("active")); got != 2 {
		t.Errorf("active polls = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.resultPolls.WithLabelValues("422")); got != 1 {
		t.Errorf("422 result polls = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.reinforcements.WithLabelValues("error")); got != 1 {
		t.Errorf("failed reinforcements = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.degraded); got != 1 {
		t.Errorf("degraded = %v, want 1", got)
	}
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.Poll("active")
	c.Submission("accepted")
	c.ResultPoll(200)
	c.Reinforcement(true)
	c.Degraded()
	c.ForcedSubmission()
}
