package metrics

import (
	"testing"

	stoerrors "github.com/silokv/silokv/pkg/errors"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, r *Registry, name string) float64 {
	t.Helper()
	families, err := r.Gatherer().Gather()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var total float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.Metric {
			total += metricValue(m)
		}
	}
	return total
}

func metricValue(m *dto.Metric) float64 {
	if c := m.GetCounter(); c != nil {
		return c.GetValue()
	}
	return 0
}

func TestRecordCommitIncrementsLabeledCounter(t *testing.T) {
	r := New()
	r.RecordCommit("silo")
	r.RecordCommit("silo")
	r.RecordCommit("twopl")

	if got := counterValue(t, r, "silokv_transactions_committed_total"); got != 3 {
		t.Fatalf("expected 3 committed transactions total, got %v", got)
	}
}

func TestRecordAbortIncrementsLabeledCounter(t *testing.T) {
	r := New()
	r.RecordAbort("silonwr", stoerrors.AntiDependency)
	r.RecordAbort("silonwr", stoerrors.PhantomConflict)

	if got := counterValue(t, r, "silokv_transactions_aborted_total"); got != 2 {
		t.Fatalf("expected 2 aborted transactions total, got %v", got)
	}
}

func TestRecordCommitIgnoresUnknownProtocol(t *testing.T) {
	r := New()
	r.RecordCommit("unknown-protocol")
	if got := counterValue(t, r, "silokv_transactions_committed_total"); got != 0 {
		t.Fatalf("expected 0, got %v", got)
	}
}
