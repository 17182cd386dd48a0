// Package metrics provides Prometheus metrics for the session engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Labels never carry session or call identifiers.

var (
	// SessionsActive tracks sessions currently held by the manager.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sipsession_sessions_active",
		Help: "Current number of SIP sessions.",
	})

	// ApplicationSessionsActive tracks live application sessions.
	ApplicationSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sipsession_application_sessions_active",
		Help: "Current number of application sessions.",
	})

	StateTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sipsession_state_transitions_total",
		Help: "Total number of session state transitions, by source and target state.",
	}, []string{"from", "to"})

	// CSeqVerdictsTotal counts CSeq validation outcomes (accept, drop, reject).
	CSeqVerdictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sipsession_cseq_verdicts_total",
		Help: "Total number of CSeq validation verdicts, by verdict.",
	}, []string{"verdict"})

	GuardAcquireTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sipsession_guard_acquire_timeouts_total",
		Help: "Total number of permit acquisitions that timed out and were forced.",
	})

	GuardPermitDriftTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sipsession_guard_permit_drift_total",
		Help: "Total number of releases on a permit that was already free.",
	})

	// TimerRecoveriesTotal counts timer task rebuilds by result
	// (recovered, skipped, already_live, not_found, error).
	TimerRecoveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sipsession_timer_recoveries_total",
		Help: "Total number of timer task recovery attempts, by result.",
	}, []string{"result"})

	TimerFiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sipsession_timer_fired_total",
		Help: "Total number of timer tasks fired.",
	})

	B2BUALinksActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sipsession_b2bua_links_active",
		Help: "Current number of linked B2BUA session pairs.",
	})

	// ListenerFailuresTotal counts listener callbacks that panicked or returned an error.
	ListenerFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sipsession_listener_failures_total",
		Help: "Total number of listener failures, by listener kind.",
	}, []string{"kind"})
)

// RecordStateTransition increments the transition counter.
func RecordStateTransition(from, to string) {
	StateTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordCSeqVerdict increments the verdict counter.
func RecordCSeqVerdict(verdict string) {
	CSeqVerdictsTotal.WithLabelValues(verdict).Inc()
}

func RecordGuardTimeout() {
	GuardAcquireTimeoutsTotal.Inc()
}

func RecordPermitDrift() {
	GuardPermitDriftTotal.Inc()
}

// RecordTimerRecovery increments the recovery counter for result.
func RecordTimerRecovery(result string) {
	TimerRecoveriesTotal.WithLabelValues(result).Inc()
}

func RecordTimerFired() {
	TimerFiredTotal.Inc()
}

// RecordListenerFailure increments the failure counter for a listener kind.
func RecordListenerFailure(kind string) {
	ListenerFailuresTotal.WithLabelValues(kind).Inc()
}

// SetSessionsActive updates the session gauges.
func SetSessionsActive(sessions, appSessions int) {
	SessionsActive.Set(float64(sessions))
	ApplicationSessionsActive.Set(float64(appSessions))
}

func SetB2BUALinks(n int) {
	B2BUALinksActive.Set(float64(n))
}
