package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector counts engine activity. A nil *Collector is valid and records
// nothing, so components never need to check for it.
type Collector struct {
	polls          *prometheus.CounterVec
	submissions    *prometheus.CounterVec
	resultPolls    *prometheus.CounterVec
	reinforcements *prometheus.CounterVec
	degraded       prometheus.Counter
	forced         prometheus.Counter
}

// New registers the engine counters on reg.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roundsync",
			Name:      "round_polls_total",
			Help:      "Current-round polls by classified result.",
		}, []string{"result"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roundsync",
			Name:      "submissions_total",
			Help:      "Answer submissions by outcome.",
		}, []string{"outcome"}),
		resultPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roundsync",
			Name:      "result_polls_total",
			Help:      "Final-results polls by HTTP status (0 for transport errors).",
		}, []string{"status"}),
		reinforcements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roundsync",
			Name:      "finish_reinforcements_total",
			Help:      "Host finish reinforcement requests by result.",
		}, []string{"result"}),
		degraded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "roundsync",
			Name:      "degraded_results_total",
			Help:      "Final results synthesized locally after the server failed to converge.",
		}),
		forced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "roundsync",
			Name:      "forced_submissions_total",
			Help:      "Rounds that expired before the user answered.",
		}),
	}
	reg.MustRegister(c.polls, c.submissions, c.resultPolls, c.reinforcements, c.degraded, c.forced)
	return c
}

func (c *Collector) Poll(result string) {
	if c == nil {
		return
	}
	c.polls.WithLabelValues(result).Inc()
}

func (c *Collector) Submission(outcome string) {
	if c == nil {
		return
	}
	c.submissions.WithLabelValues(outcome).Inc()
}

func (c *Collector) ResultPoll(status int) {
	if c == nil {
		return
	}
	c.resultPolls.WithLabelValues(strconv.Itoa(status)).Inc()
}

func (c *Collector) Reinforcement(ok bool) {
	if c == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	c.reinforcements.WithLabelValues(result).Inc()
}

func (c *Collector) Degraded() {
	if c == nil {
		return
	}
	c.degraded.Inc()
}

func (c *Collector) ForcedSubmission() {
	if c == nil {
		return
	}
	c.forced.Inc()
}
