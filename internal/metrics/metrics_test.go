package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/wudi/filterhost/internal/errors"
	"github.com/wudi/filterhost/internal/filter"
)

func TestObservePhase(t *testing.T) {
	m := New(Options{})

	m.ObservePhase("hello", filter.PhaseRequestHeaders, filter.Continue, time.Millisecond)
	m.ObservePhase("hello", filter.PhaseRequestHeaders, filter.Continue, time.Millisecond)
	m.ObservePhase("hello", filter.PhaseRequestHeaders, filter.StopIteration, time.Millisecond)

	if got := testutil.ToFloat64(m.decisionsM.WithLabelValues("hello", "request_headers", "continue")); got != 2 {
		t.Errorf("continue decisions = %v", got)
	}
	if got := testutil.ToFloat64(m.decisionsM.WithLabelValues("hello", "request_headers", "stop_iteration")); got != 1 {
		t.Errorf("stop decisions = %v", got)
	}
	if n := testutil.CollectAndCount(m.phaseDurationM); n != 1 {
		t.Errorf("phase histogram series = %d", n)
	}
}

func TestCounters(t *testing.T) {
	m := New(Options{})

	m.ObserveLocalResponse("hello", 200)
	m.ObserveDestroy("hello", filter.DestroyNormal)
	m.RecordDefect("hello", errors.KindNoDecision)
	m.RecordDefect("hello", errors.KindNoDecision)
	m.RecordReload("success")
	m.SetGeneration("hello", 3)

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"local responses", testutil.ToFloat64(m.localResponsesM.WithLabelValues("hello", "200")), 1},
		{"destroys", testutil.ToFloat64(m.destroysM.WithLabelValues("hello", "normal")), 1},
		{"defects", testutil.ToFloat64(m.defectsM.WithLabelValues("hello", "no_decision")), 2},
		{"reloads", testutil.ToFloat64(m.reloadsM.WithLabelValues("success")), 1},
		{"generation", testutil.ToFloat64(m.generationM.WithLabelValues("hello")), 3},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}

	m.DeleteFilter("hello")
	if n := testutil.CollectAndCount(m.generationM); n != 0 {
		t.Errorf("generation series after delete = %d", n)
	}
}

func TestHandler(t *testing.T) {
	m := New(Options{Namespace: "test"})
	m.RecordRequest("GET", 200, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `test_serve_request_duration_seconds_count{code="200",method="GET"} 1`) {
		t.Errorf("request histogram missing from output:\n%s", body)
	}
}
