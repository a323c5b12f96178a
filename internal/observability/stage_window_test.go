package observability

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestStageWindowSnapshot(t *testing.T) {
	w := newStageWindow(8)
	w.Observe(StageConfigureAck, 500)
	w.Observe(StageConfigureAck, 700)
	w.Observe(StageConfigureAck, 1900)
	w.Observe("", 10)
	w.Observe(StageToolInvoke, -1)
	w.ObserveIndicator("interruption")
	w.ObserveIndicator("interruption")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != StageConfigureAck {
		t.Fatalf("Stage = %q, want %q", s.Stage, StageConfigureAck)
	}
	if s.Samples != 3 || s.LastMS != 1900 || s.MaxMS != 1900 {
		t.Fatalf("unexpected stats: %+v", s)
	}
	if s.P50MS != 700 {
		t.Fatalf("P50MS = %.2f, want 700", s.P50MS)
	}
	if s.TargetP95MS != 1000 || !s.OverTarget {
		t.Fatalf("target = %.2f over = %v, want 1000 true", s.TargetP95MS, s.OverTarget)
	}
	if len(snap.Indicators) != 1 || snap.Indicators[0].Count != 2 {
		t.Fatalf("unexpected indicators: %+v", snap.Indicators)
	}
}

func TestStageWindowWrapsAround(t *testing.T) {
	w := newStageWindow(3)
	for _, v := range []float64{1, 2, 3, 4, 5} {
		w.Observe(StageToolInvoke, v)
	}
	s := w.Snapshot().Stages[0]
	if s.Samples != 3 {
		t.Fatalf("Samples = %d, want 3", s.Samples)
	}
	if s.AvgMS != 4 || s.LastMS != 5 {
		t.Fatalf("AvgMS = %.2f LastMS = %.2f, want 4 and 5", s.AvgMS, s.LastMS)
	}

	w.Reset()
	if got := len(w.Snapshot().Stages); got != 0 {
		t.Fatalf("len(Stages) after Reset = %d, want 0", got)
	}
}

func TestMetricsHandlerExposesRelayInstruments(t *testing.T) {
	m := NewMetrics("voicerag_test")
	m.ActiveSessions.Inc()
	m.ObserveToolCall("search", "ok", 120*time.Millisecond)
	m.ObserveStage(StageConfigureAck, 80*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		"voicerag_test_active_sessions 1",
		`voicerag_test_tool_calls_total{outcome="ok",tool="search"} 1`,
		"voicerag_test_configure_ack_latency_ms_count 1",
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}

	stages := m.SnapshotStages().Stages
	if len(stages) != 2 {
		t.Fatalf("len(Stages) = %d, want 2", len(stages))
	}
}
