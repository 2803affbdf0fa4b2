package observability

import (
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ent0n29/heavyd/internal/queue"
)

func TestLatencyWindowSnapshot(t *testing.T) {
	w := newLatencyWindow(4)
	for _, ms := range []float64{900, 500, 700} {
		w.Observe("generation", ms)
	}
	w.ObserveIndicator("generation.timeout")
	w.ObserveIndicator("generation.timeout")

	snap := w.Snapshot()
	if len(snap.Capabilities) != 1 {
		t.Fatalf("len(Capabilities) = %d, want 1", len(snap.Capabilities))
	}
	c := snap.Capabilities[0]
	if c.Samples != 3 || c.LastMS != 700 || c.P50MS != 700 {
		t.Fatalf("stats = %+v, want samples=3 last=700 p50=700", c)
	}
	if len(snap.Failures) != 1 || snap.Failures[0].Count != 2 {
		t.Fatalf("Failures = %+v, want generation.timeout x2", snap.Failures)
	}
}

func TestLatencyWindowWrapsAtSize(t *testing.T) {
	w := newLatencyWindow(2)
	w.Observe("vision", 1)
	w.Observe("vision", 2)
	w.Observe("vision", 30)

	c := w.Snapshot().Capabilities[0]
	if c.Samples != 2 {
		t.Fatalf("Samples = %d, want 2", c.Samples)
	}
	if c.AvgMS != 16 {
		t.Fatalf("AvgMS = %.2f, want 16 (oldest sample evicted)", c.AvgMS)
	}
}

func TestJobOutcome(t *testing.T) {
	cases := map[string]error{
		"ok":      nil,
		"timeout": fmt.Errorf("wrap: %w", queue.ErrJobTimeout),
		"closed":  queue.ErrClosed,
		"error":   errors.New("backend exploded"),
	}
	for want, err := range cases {
		if got := JobOutcome(err); got != want {
			t.Fatalf("JobOutcome(%v) = %q, want %q", err, got, want)
		}
	}
}

func TestQueueObserverExportsJobMetrics(t *testing.T) {
	m := NewMetrics("heavyd_test")
	obs := m.QueueObserver("transcription")
	obs.OnEnqueue("transcription", "a", 1)
	obs.OnStart("transcription", "a")
	obs.OnFinish("transcription", "a", 120*time.Millisecond, nil)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)
	for _, want := range []string{
		`heavyd_test_jobs_total{capability="transcription",outcome="ok"} 1`,
		`heavyd_test_queue_depth{capability="transcription"} 0`,
		`heavyd_test_job_duration_seconds_count{capability="transcription"} 1`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
	if snap := m.LatencySnapshot(); len(snap.Capabilities) != 1 {
		t.Fatalf("LatencySnapshot capabilities = %d, want 1", len(snap.Capabilities))
	}
}
