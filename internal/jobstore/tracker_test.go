package jobstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ent0n29/heavyd/internal/queue"
)

func TestTrackerRecordsQueueLifecycle(t *testing.T) {
	store := NewInMemoryStore(16)
	tr := NewTracker(store)

	release := make(chan struct{})
	q := queue.New("echo", func(ctx context.Context, job *queue.Job[string]) (string, error) {
		<-release
		if job.Payload == "bad" {
			return "", errors.New("backend down")
		}
		tr.SetResult(ctx, job.ID, "local", map[string]string{"text": job.Payload})
		return job.Payload, nil
	}, queue.Options{Observer: tr})
	defer q.Close()

	ok := q.Submit("hello")
	bad := q.Submit("bad")

	ctx := context.Background()
	r, err := tr.Get(ctx, bad.ID())
	if err != nil {
		t.Fatalf("Get(pending) error = %v", err)
	}
	if r.Status != StatusQueued || r.Capability != "echo" {
		t.Fatalf("pending record = %+v, want queued echo", r)
	}

	close(release)
	if _, err := ok.Wait(ctx); err != nil {
		t.Fatalf("ok.Wait() error = %v", err)
	}
	_, _ = bad.Wait(ctx)
	if err := tr.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	got, err := store.Get(ctx, ok.ID())
	if err != nil {
		t.Fatalf("store.Get(ok) error = %v", err)
	}
	if got.Status != StatusSucceeded || got.Provider != "local" || string(got.Result) != `{"text":"hello"}` {
		t.Fatalf("ok record = %+v", got)
	}
	if got.StartedAt.IsZero() || got.EndedAt.IsZero() {
		t.Fatalf("ok record missing timestamps: %+v", got)
	}

	got, err = store.Get(ctx, bad.ID())
	if err != nil {
		t.Fatalf("store.Get(bad) error = %v", err)
	}
	if got.Status != StatusFailed || got.Error != "backend down" || got.Result != nil {
		t.Fatalf("bad record = %+v", got)
	}
}

func TestTrackerNeverMovesBackwards(t *testing.T) {
	tr := NewTracker(NewInMemoryStore(4))
	defer tr.Close()

	tr.OnStart("generation", "j1")
	tr.OnEnqueue("generation", "j1", 1)
	r, err := tr.Get(context.Background(), "j1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if r.Status != StatusRunning {
		t.Fatalf("Status = %q, want running", r.Status)
	}
	tr.OnFinish("generation", "j1", time.Millisecond, nil)
	if r, _ := tr.Get(context.Background(), "j1"); r.Status != StatusSucceeded {
		t.Fatalf("Status = %q, want succeeded", r.Status)
	}
}

func TestInMemoryStoreEvictsOldest(t *testing.T) {
	s := NewInMemoryStore(2)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := s.Save(ctx, Record{ID: id, Status: StatusQueued}); err != nil {
			t.Fatalf("Save(%s) error = %v", id, err)
		}
	}
	if err := s.Save(ctx, Record{ID: "b", Status: StatusRunning}); err != nil {
		t.Fatalf("Save(b) error = %v", err)
	}
	if _, err := s.Get(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(a) error = %v, want ErrNotFound", err)
	}
	if r, err := s.Get(ctx, "b"); err != nil || r.Status != StatusRunning {
		t.Fatalf("Get(b) = %+v,%v, want running", r, err)
	}
}

func TestTrackerRedactsErrors(t *testing.T) {
	tr := NewTracker(NewInMemoryStore(4))
	tr.OnEnqueue("generation", "j1", 1)
	tr.OnFinish("generation", "j1", time.Millisecond, errors.New("openai: http 401: Incorrect API key provided: sk-abcdef123456"))

	r, err := tr.Get(context.Background(), "j1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if r.Status != StatusFailed || r.Error != "openai: http 401: Incorrect API key provided: [REDACTED_KEY]" {
		t.Fatalf("record = %+v", r)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}
