package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ゲートの判定結果
const (
	OutcomeAdmitted    = "admitted"
	OutcomeRedirected  = "redirected"
	OutcomeProvisioned = "provisioned"
	OutcomeRejected    = "rejected"
	OutcomeError       = "error"
)

// Metrics はセッション層のPrometheusメトリクスです。nil でも安全に呼び出せます。
type Metrics struct {
	gateDecisions   *prometheus.CounterVec
	sessionsCreated *prometheus.CounterVec
	sessionsEnded   *prometheus.CounterVec
	storeFailures   *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		gateDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "transit",
			Name:      "gate_decisions_total",
			Help:      "Access gate decisions by outcome.",
		}, []string{"outcome"}),
		sessionsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "transit",
			Name:      "sessions_created_total",
			Help:      "Sessions created by origin (login or provisioned).",
		}, []string{"origin"}),
		sessionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "transit",
			Name:      "session_terminations_total",
			Help:      "Session terminations by action.",
		}, []string{"action"}),
		storeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "transit",
			Name:      "session_store_failures_total",
			Help:      "Session store failures by operation.",
		}, []string{"op"}),
	}
	if reg != nil {
		reg.MustRegister(m.gateDecisions, m.sessionsCreated, m.sessionsEnded, m.storeFailures)
	}
	return m
}

func (m *Metrics) GateDecision(outcome string) {
	if m == nil {
		return
	}
	m.gateDecisions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SessionCreated(origin string) {
	if m == nil {
		return
	}
	m.sessionsCreated.WithLabelValues(origin).Inc()
}

func (m *Metrics) SessionTerminated(action string) {
	if m == nil {
		return
	}
	m.sessionsEnded.WithLabelValues(action).Inc()
}

func (m *Metrics) StoreFailure(op string) {
	if m == nil {
		return
	}
	m.storeFailures.WithLabelValues(op).Inc()
}
