package jobstore

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/heavyd/internal/logx"
	"github.com/ent0n29/heavyd/internal/redact"
)

const (
	trackerBuffer = 1024
	writeTimeout  = 3 * time.Second
)

// Tracker turns queue lifecycle notifications into Records. It implements
// queue.Observer and the capability services' ResultRecorder.
//
// Transitions are applied to an in-process view synchronously, so a job is
// visible to Get as soon as Submit returns. Persisting happens in order on
// one writer goroutine and never blocks the caller.
type Tracker struct {
	store Store
	log   zerolog.Logger

	writes chan Record
	done   chan struct{}

	closeMu sync.RWMutex
	closed  bool

	mu   sync.Mutex
	live map[string]Record
}

func NewTracker(store Store) *Tracker {
	t := &Tracker{
		store:  store,
		log:    logx.Component("jobstore"),
		writes: make(chan Record, trackerBuffer),
		done:   make(chan struct{}),
		live:   make(map[string]Record),
	}
	go t.run()
	return t
}

func (t *Tracker) OnEnqueue(capability, jobID string, _ int) {
	t.update(jobID, func(r *Record) {
		r.Capability = capability
		r.advance(StatusQueued)
	})
}

func (t *Tracker) OnStart(capability, jobID string) {
	t.update(jobID, func(r *Record) {
		r.Capability = capability
		r.StartedAt = time.Now().UTC()
		r.advance(StatusRunning)
	})
}

func (t *Tracker) OnFinish(capability, jobID string, _ time.Duration, err error) {
	t.update(jobID, func(r *Record) {
		r.Capability = capability
		r.EndedAt = time.Now().UTC()
		if err != nil {
			r.Error = redact.Text(err.Error())
			r.Result = nil
			r.advance(StatusFailed)
			return
		}
		r.advance(StatusSucceeded)
	})
}

// SetResult attaches a job's output. Services call it from inside the job,
// before the matching OnFinish.
func (t *Tracker) SetResult(_ context.Context, jobID, providerID string, result any) {
	b, err := json.Marshal(result)
	if err != nil {
		t.log.Warn().Err(err).Str("job_id", jobID).Msg("result not serializable")
		return
	}
	t.update(jobID, func(r *Record) {
		r.Provider = providerID
		r.Result = b
	})
}

// Get returns the freshest view of a job: live state first, then the store.
func (t *Tracker) Get(ctx context.Context, id string) (Record, error) {
	t.mu.Lock()
	r, ok := t.live[id]
	t.mu.Unlock()
	if ok {
		return r, nil
	}
	return t.store.Get(ctx, id)
}

// Close flushes pending writes and closes the store.
func (t *Tracker) Close() error {
	t.closeMu.Lock()
	if !t.closed {
		t.closed = true
		close(t.writes)
	}
	t.closeMu.Unlock()
	<-t.done
	return t.store.Close()
}

func (t *Tracker) update(jobID string, fn func(r *Record)) {
	t.mu.Lock()
	rec, ok := t.live[jobID]
	if !ok {
		rec = Record{ID: jobID, CreatedAt: time.Now().UTC()}
	}
	fn(&rec)
	t.live[jobID] = rec
	t.mu.Unlock()

	t.closeMu.RLock()
	defer t.closeMu.RUnlock()
	if t.closed {
		return
	}
	select {
	case t.writes <- rec:
	default:
		t.log.Warn().Str("job_id", jobID).Str("status", string(rec.Status)).Msg("job store backlog full; update not persisted")
	}
}

func (t *Tracker) run() {
	defer close(t.done)
	for rec := range t.writes {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := t.store.Save(ctx, rec); err != nil {
			t.log.Warn().Err(err).Str("job_id", rec.ID).Msg("persist job record failed")
		}
		cancel()
		if rec.Status.Terminal() {
			t.mu.Lock()
			if cur, ok := t.live[rec.ID]; ok && cur.Status.Terminal() {
				delete(t.live, rec.ID)
			}
			t.mu.Unlock()
		}
	}
}

// advance moves r forward; late or reordered notifications never move a
// record backwards.
func (r *Record) advance(s Status) {
	if s.rank() > r.Status.rank() {
		r.Status = s
	}
}
