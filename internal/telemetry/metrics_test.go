package telemetry

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type labelled struct{}

func (labelled) Error() string       { return "labelled" }
func (labelled) MetricLabel() string { return "conflict" }

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.StoreOp("task", "create", nil, time.Millisecond)
	m.IndexRefreshed(time.Millisecond, 3)
	m.IndexLag(2)
	m.Transition(nil)
	m.SessionEvent("start")
	if m.Registry() != nil {
		t.Error("nil metrics returned a registry")
	}
}

func TestResult(t *testing.T) {
	if got := Result(nil); got != "ok" {
		t.Errorf("Result(nil) = %q", got)
	}
	if got := Result(errors.New("boom")); got != "error" {
		t.Errorf("Result(plain) = %q", got)
	}
	wrapped := errors.Join(errors.New("context"), labelled{})
	if got := Result(wrapped); got != "conflict" {
		t.Errorf("Result(labelled) = %q", got)
	}
}

func TestStoreOpCounts(t *testing.T) {
	m := New()
	m.StoreOp("task", "create", nil, time.Millisecond)
	m.StoreOp("task", "create", nil, time.Millisecond)
	m.StoreOp("task", "update", labelled{}, 0)

	counts := map[string]float64{}
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range families {
		if f.GetName() != "engram_store_operations_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			var key []string
			for _, l := range metric.GetLabel() {
				key = append(key, l.GetValue())
			}
			counts[strings.Join(key, "/")] = metric.GetCounter().GetValue()
		}
	}
	// Labels are gathered in name order: kind, op, result.
	if got := counts["task/create/ok"]; got != 2 {
		t.Errorf("create ok = %v, want 2 (all: %v)", got, counts)
	}
	if got := counts["task/update/conflict"]; got != 1 {
		t.Errorf("update conflict = %v, want 1 (all: %v)", got, counts)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.Transition(nil)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "engram_workflow_transitions_total") {
		t.Errorf("metrics output missing workflow counter:\n%s", body)
	}
}
