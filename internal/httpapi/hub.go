package httpapi

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/heavyd/internal/logx"
	"github.com/ent0n29/heavyd/internal/modelstore"
	"github.com/ent0n29/heavyd/internal/observability"
	"github.com/ent0n29/heavyd/internal/protocol"
)

const subscriberBuffer = 128

// Hub fans job lifecycle and model events out to websocket subscribers.
// It implements queue.Observer. Publishing never blocks: a subscriber whose
// buffer is full misses the message.
type Hub struct {
	metrics *observability.Metrics
	log     zerolog.Logger

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	ch chan any

	mu     sync.Mutex
	filter protocol.Subscribe
}

func NewHub(metrics *observability.Metrics) *Hub {
	return &Hub{
		metrics: metrics,
		log:     logx.Component("hub"),
		subs:    make(map[*subscriber]struct{}),
	}
}

func (h *Hub) subscribe() *subscriber {
	s := &subscriber{ch: make(chan any, subscriberBuffer)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (h *Hub) unsubscribe(s *subscriber) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}

// Subscribers reports the number of connected listeners.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish delivers msg to every subscriber whose filter accepts it.
func (h *Hub) Publish(msg any) {
	typ, _ := protocol.TypeOf(msg)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if !s.accepts(msg) {
			continue
		}
		select {
		case s.ch <- msg:
		default:
			if h.metrics != nil {
				h.metrics.WSMessages.WithLabelValues("dropped", string(typ)).Inc()
			}
		}
	}
}

func (h *Hub) OnEnqueue(capability, jobID string, depth int) {
	h.Publish(protocol.JobEvent{
		Type:       protocol.TypeJobEvent,
		JobID:      jobID,
		Capability: capability,
		Status:     "queued",
		Depth:      depth,
		TSMs:       time.Now().UnixMilli(),
	})
}

func (h *Hub) OnStart(capability, jobID string) {
	h.Publish(protocol.JobEvent{
		Type:       protocol.TypeJobEvent,
		JobID:      jobID,
		Capability: capability,
		Status:     "running",
		TSMs:       time.Now().UnixMilli(),
	})
}

func (h *Hub) OnFinish(capability, jobID string, elapsed time.Duration, err error) {
	ev := protocol.JobEvent{
		Type:       protocol.TypeJobEvent,
		JobID:      jobID,
		Capability: capability,
		Status:     "succeeded",
		ElapsedMS:  elapsed.Milliseconds(),
		TSMs:       time.Now().UnixMilli(),
	}
	if err != nil {
		ev.Status = "failed"
		ev.Error = err.Error()
	}
	h.Publish(ev)
}

// ModelProgress forwards a download progress report.
func (h *Hub) ModelProgress(p modelstore.Progress) {
	h.Publish(protocol.ModelProgress{
		Type:       protocol.TypeModelProgress,
		Model:      p.Name,
		Downloaded: p.Downloaded,
		Total:      p.Total,
		Percent:    p.Percent(),
		TSMs:       time.Now().UnixMilli(),
	})
}

// ModelStateChanged matches modelstore.Hooks.OnStateChange.
func (h *Hub) ModelStateChanged(name string, s modelstore.State) {
	h.Publish(protocol.ModelState{
		Type:  protocol.TypeModelState,
		Model: name,
		State: string(s),
		TSMs:  time.Now().UnixMilli(),
	})
}

func (s *subscriber) setFilter(f protocol.Subscribe) {
	s.mu.Lock()
	s.filter = f
	s.mu.Unlock()
}

func (s *subscriber) accepts(msg any) bool {
	s.mu.Lock()
	f := s.filter
	s.mu.Unlock()

	switch m := msg.(type) {
	case protocol.JobEvent:
		if f.JobID != "" && f.JobID != m.JobID {
			return false
		}
		return matchCapability(f.Capabilities, m.Capability)
	case protocol.ModelProgress, protocol.ModelState:
		return f.JobID == "" && matchCapability(f.Capabilities, "model")
	default:
		return true
	}
}

func matchCapability(allowed []string, c string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == c {
			return true
		}
	}
	return false
}
