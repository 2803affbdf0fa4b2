package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

type CapabilityLatency struct {
	Capability string  `json:"capability"`
	Samples    int     `json:"samples"`
	LastMS     float64 `json:"last_ms"`
	AvgMS      float64 `json:"avg_ms"`
	P50MS      float64 `json:"p50_ms"`
	P95MS      float64 `json:"p95_ms"`
	P99MS      float64 `json:"p99_ms"`
}

type OutcomeCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type LatencySnapshot struct {
	GeneratedAt  time.Time           `json:"generated_at"`
	WindowSize   int                 `json:"window_size"`
	Capabilities []CapabilityLatency `json:"capabilities"`
	Failures     []OutcomeCount      `json:"failures,omitempty"`
}

// latencyWindow keeps the most recent job durations per capability in a
// fixed ring so percentiles reflect current behaviour, not process lifetime.
type latencyWindow struct {
	mu       sync.RWMutex
	size     int
	rings    map[string]*ring
	failures map[string]int
}

type ring struct {
	values []float64
	next   int
	filled bool
	last   float64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = 256
	}
	return &latencyWindow{
		size:     size,
		rings:    make(map[string]*ring),
		failures: make(map[string]int),
	}
}

func (w *latencyWindow) Observe(capability string, ms float64) {
	if capability == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	r, ok := w.rings[capability]
	if !ok {
		r = &ring{values: make([]float64, w.size)}
		w.rings[capability] = r
	}
	r.values[r.next] = ms
	r.last = ms
	r.next = (r.next + 1) % len(r.values)
	if r.next == 0 {
		r.filled = true
	}
}

func (w *latencyWindow) ObserveIndicator(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	w.failures[name]++
	w.mu.Unlock()
}

func (w *latencyWindow) Snapshot() LatencySnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	names := make([]string, 0, len(w.rings))
	for name := range w.rings {
		names = append(names, name)
	}
	sort.Strings(names)

	caps := make([]CapabilityLatency, 0, len(names))
	for _, name := range names {
		r := w.rings[name]
		n := r.next
		if r.filled {
			n = len(r.values)
		}
		if n == 0 {
			continue
		}
		samples := append([]float64(nil), r.values[:n]...)
		sort.Float64s(samples)
		sum := 0.0
		for _, v := range samples {
			sum += v
		}
		caps = append(caps, CapabilityLatency{
			Capability: name,
			Samples:    n,
			LastMS:     round2(r.last),
			AvgMS:      round2(sum / float64(n)),
			P50MS:      round2(quantile(samples, 0.50)),
			P95MS:      round2(quantile(samples, 0.95)),
			P99MS:      round2(quantile(samples, 0.99)),
		})
	}

	failNames := make([]string, 0, len(w.failures))
	for name := range w.failures {
		failNames = append(failNames, name)
	}
	sort.Strings(failNames)
	failures := make([]OutcomeCount, 0, len(failNames))
	for _, name := range failNames {
		failures = append(failures, OutcomeCount{Name: name, Count: w.failures[name]})
	}

	return LatencySnapshot{
		GeneratedAt:  time.Now().UTC(),
		WindowSize:   w.size,
		Capabilities: caps,
		Failures:     failures,
	}
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
