package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestGateDecisionCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.GateDecision(OutcomeAdmitted)
	m.GateDecision(OutcomeAdmitted)
	m.GateDecision(OutcomeRedirected)

	if got := testutil.ToFloat64(m.gateDecisions.WithLabelValues(OutcomeAdmitted)); got != 2 {
		t.Fatalf("admitted = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.gateDecisions.WithLabelValues(OutcomeRedirected)); got != 1 {
		t.Fatalf("redirected = %v, want 1", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.GateDecision(OutcomeError)
	m.SessionCreated("login")
	m.SessionTerminated("logout-all")
	m.StoreFailure("lookup")
}
