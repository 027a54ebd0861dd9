package blocksync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Round phases.
const (
	phaseHeaders      = "headers"
	phaseAvailability = "payload_availability"
	phasePayload      = "payload"
)

// Peer outcomes.
const (
	outcomeAccepted = "accepted"
	outcomeRejected = "rejected"
	outcomeError    = "error"
)

// Metrics are the synchronizer's prometheus collectors.
type Metrics struct {
	roundsStarted *prometheus.CounterVec
	peerOutcomes  *prometheus.CounterVec
	results       *prometheus.CounterVec
	dropped       prometheus.Counter
	pending       prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		roundsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "blocksync_rounds_started_total",
			Help: "Number of fetch rounds started, by phase",
		}, []string{"phase"}),
		peerOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "blocksync_peer_responses_total",
			Help: "Number of peer responses, by phase and outcome",
		}, []string{"phase", "outcome"}),
		results: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "blocksync_results_total",
			Help: "Number of resolved digests, by phase and outcome",
		}, []string{"phase", "outcome"}),
		dropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "blocksync_dropped_results_total",
			Help: "Number of results that could not be delivered to a waiter",
		}),
		pending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "blocksync_pending_requests",
			Help: "Number of identifiers with an in-flight round",
		}),
	}
}

func (m *Metrics) roundStarted(phase string) {
	m.roundsStarted.WithLabelValues(phase).Inc()
}

func (m *Metrics) peerOutcome(phase, outcome string) {
	m.peerOutcomes.WithLabelValues(phase, outcome).Inc()
}

// result counts one resolved digest.
func (m *Metrics) result(phase string, r Result) {
	outcome := "ok"

	if r.Err == nil {
		if r.Header.FetchedFromStorage {
			outcome = "storage"
		}
	} else if se, ok := r.Err.(*SyncError); ok {
		outcome = se.Kind.String()
	}

	m.results.WithLabelValues(phase, outcome).Inc()
}

func (m *Metrics) droppedResult() {
	m.dropped.Inc()
}

func (m *Metrics) setPending(n int) {
	m.pending.Set(float64(n))
}
