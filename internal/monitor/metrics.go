package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for chat sessions. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	activeSessions prometheus.Gauge
	polls          prometheus.Counter
	pollErrors     *prometheus.CounterVec
	classified     *prometheus.CounterVec
	credited       prometheus.Counter
	deletions      *prometheus.CounterVec
	ledgerErrors   prometheus.Counter
	publishErrors  prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "guard",
			Name:      "active_sessions",
			Help:      "Broadcasts currently being monitored",
		}),
		polls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "guard",
			Name:      "polls_total",
			Help:      "Poll ticks started across all sessions",
		}),
		pollErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guard",
			Name:      "poll_errors_total",
			Help:      "Poll ticks that ended a session, by class",
		}, []string{"class"}),
		classified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guard",
			Name:      "messages_classified_total",
			Help:      "Chat messages classified, by result",
		}, []string{"kind"}),
		credited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "guard",
			Name:      "superchats_credited_total",
			Help:      "Donation messages newly credited",
		}),
		deletions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guard",
			Name:      "spoof_deletions_total",
			Help:      "Deletion requests for spoofed donations, by outcome",
		}, []string{"outcome"}),
		ledgerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "guard",
			Name:      "ledger_errors_total",
			Help:      "Ledger reads or writes that failed",
		}),
		publishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "guard",
			Name:      "publish_errors_total",
			Help:      "Credited superchats at least one sink failed to receive",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.activeSessions,
			m.polls,
			m.pollErrors,
			m.classified,
			m.credited,
			m.deletions,
			m.ledgerErrors,
			m.publishErrors,
		)
	}
	return m
}

func (m *Metrics) AddActiveSessions(delta float64) {
	if m == nil {
		return
	}
	m.activeSessions.Add(delta)
}

func (m *Metrics) IncPolls() {
	if m == nil {
		return
	}
	m.polls.Inc()
}

func (m *Metrics) IncPollErrors(class string) {
	if m == nil {
		return
	}
	m.pollErrors.WithLabelValues(class).Inc()
}

func (m *Metrics) IncClassified(kind string) {
	if m == nil {
		return
	}
	m.classified.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncCredited() {
	if m == nil {
		return
	}
	m.credited.Inc()
}

func (m *Metrics) IncDeletions(outcome string) {
	if m == nil {
		return
	}
	m.deletions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncLedgerErrors() {
	if m == nil {
		return
	}
	m.ledgerErrors.Inc()
}

func (m *Metrics) IncPublishErrors() {
	if m == nil {
		return
	}
	m.publishErrors.Inc()
}
