package modelstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type fakeHandle struct {
	path   string
	closed bool
}

func (h *fakeHandle) Close() error {
	h.closed = true
	return nil
}

func noGPU(context.Context) Hardware { return Hardware{CPUs: 4} }

func newModelServer(t *testing.T, payload string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/mirror/model.bin", http.StatusFound)
	})
	mux.HandleFunc("/mirror/model.bin", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(payload))
	})
	mux.HandleFunc("/loop", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop", http.StatusTemporaryRedirect)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestDownloaderFollowsRedirect(t *testing.T) {
	srv, hits := newModelServer(t, "weights")
	dest := filepath.Join(t.TempDir(), "models", "model.bin")

	progress := make(chan Progress) // nobody reads: must never block
	var bytes atomic.Int64
	d := &Downloader{Progress: progress, OnBytes: func(n int64) { bytes.Add(n) }}
	if err := d.Fetch(context.Background(), "test", srv.URL+"/start", dest); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	b, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read dest: %v", err)
	}
	if string(b) != "weights" {
		t.Fatalf("dest = %q, want weights", b)
	}
	if hits.Load() != 1 {
		t.Fatalf("mirror hits = %d, want 1", hits.Load())
	}
	if bytes.Load() != int64(len("weights")) {
		t.Fatalf("OnBytes total = %d, want %d", bytes.Load(), len("weights"))
	}
	if _, err := os.Stat(dest + ".download"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}
}

func TestDownloaderBoundsRedirects(t *testing.T) {
	srv, _ := newModelServer(t, "x")
	dest := filepath.Join(t.TempDir(), "model.bin")
	d := &Downloader{MaxRedirects: 3}
	err := d.Fetch(context.Background(), "test", srv.URL+"/loop", dest)
	if err == nil || !strings.Contains(err.Error(), "redirects") {
		t.Fatalf("Fetch() error = %v, want redirect limit error", err)
	}
}

func TestDownloaderRejectsHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	dest := filepath.Join(t.TempDir(), "model.bin")
	if err := (&Downloader{}).Fetch(context.Background(), "test", srv.URL, dest); err == nil {
		t.Fatalf("Fetch() error = nil, want 404 error")
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Fatalf("dest exists after failed download")
	}
}

func TestEnsureReadyDownloadsAndCaches(t *testing.T) {
	srv, hits := newModelServer(t, "weights")
	path := filepath.Join(t.TempDir(), "model.bin")
	loads := 0
	m := NewManager(Artifact{Name: "m", Path: path, URL: srv.URL + "/start"},
		func(ctx context.Context, p string, hw Hardware) (*fakeHandle, error) {
			loads++
			return &fakeHandle{path: p}, nil
		}, Options{Probe: noGPU})

	if m.State() != StateAbsent {
		t.Fatalf("State() = %q, want absent", m.State())
	}
	h1, err := m.EnsureReady(context.Background())
	if err != nil {
		t.Fatalf("EnsureReady() error = %v", err)
	}
	h2, err := m.EnsureReady(context.Background())
	if err != nil {
		t.Fatalf("second EnsureReady() error = %v", err)
	}
	if h1 != h2 || loads != 1 || hits.Load() != 1 {
		t.Fatalf("handle reuse: same=%v loads=%d hits=%d, want true/1/1", h1 == h2, loads, hits.Load())
	}
	if m.State() != StateReady {
		t.Fatalf("State() = %q, want ready", m.State())
	}

	if err := m.Unload(); err != nil {
		t.Fatalf("Unload() error = %v", err)
	}
	if !h1.closed {
		t.Fatalf("Unload() did not close the handle")
	}
	if m.Loaded() {
		t.Fatalf("Loaded() = true after Unload")
	}
}

func TestEnsureReadyTrustsExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.bin")
	if err := os.WriteFile(path, []byte("local"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m := NewManager(Artifact{Name: "m", Path: path, URL: "http://127.0.0.1:1/never"},
		func(ctx context.Context, p string, hw Hardware) (string, error) { return p, nil },
		Options{Probe: noGPU})
	if got, err := m.EnsureReady(context.Background()); err != nil || got != path {
		t.Fatalf("EnsureReady() = %q,%v, want %q,nil", got, err, path)
	}
}

func TestEnsureReadyRetriesExactlyOnce(t *testing.T) {
	srv, hits := newModelServer(t, "weights")
	path := filepath.Join(t.TempDir(), "model.bin")
	if err := os.WriteFile(path, []byte("corrupt"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	loads := 0
	m := NewManager(Artifact{Name: "m", Path: path, URL: srv.URL + "/start"},
		func(ctx context.Context, p string, hw Hardware) (string, error) {
			loads++
			b, _ := os.ReadFile(p)
			if string(b) == "corrupt" {
				return "", errors.New("bad magic")
			}
			return string(b), nil
		}, Options{Probe: noGPU})

	got, err := m.EnsureReady(context.Background())
	if err != nil {
		t.Fatalf("EnsureReady() error = %v", err)
	}
	if got != "weights" {
		t.Fatalf("EnsureReady() = %q, want weights", got)
	}
	if loads != 2 || hits.Load() != 1 {
		t.Fatalf("loads=%d hits=%d, want 2 and 1", loads, hits.Load())
	}
}

func TestEnsureReadyFailsAfterSecondFailure(t *testing.T) {
	srv, hits := newModelServer(t, "weights")
	path := filepath.Join(t.TempDir(), "model.bin")
	loads := 0
	var states []State
	m := NewManager(Artifact{Name: "m", Path: path, URL: srv.URL + "/start"},
		func(ctx context.Context, p string, hw Hardware) (string, error) {
			loads++
			return "", errors.New("unsupported architecture")
		}, Options{
			Probe: noGPU,
			Hooks: Hooks{OnStateChange: func(_ string, s State) { states = append(states, s) }},
		})

	_, err := m.EnsureReady(context.Background())
	if !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("EnsureReady() error = %v, want ErrModelUnavailable", err)
	}
	if loads != 2 {
		t.Fatalf("loads = %d, want exactly 2", loads)
	}
	if hits.Load() != 2 {
		t.Fatalf("downloads = %d, want 2", hits.Load())
	}
	if m.State() != StateFailed {
		t.Fatalf("State() = %q, want failed", m.State())
	}
	if len(states) == 0 || states[0] != StateDownloading {
		t.Fatalf("states = %v, want to start with downloading", states)
	}
}

func TestEnsureReadyKeepsFileOnRuntimeError(t *testing.T) {
	srv, hits := newModelServer(t, "weights")
	path := filepath.Join(t.TempDir(), "model.bin")
	if err := os.WriteFile(path, []byte("user weights"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	loads := 0
	m := NewManager(Artifact{Name: "m", Path: path, URL: srv.URL + "/start"},
		func(ctx context.Context, p string, hw Hardware) (string, error) {
			loads++
			return "", fmt.Errorf("%w: llama-server missing", ErrRuntime)
		}, Options{Probe: noGPU})

	_, err := m.EnsureReady(context.Background())
	if !errors.Is(err, ErrModelUnavailable) || !errors.Is(err, ErrRuntime) {
		t.Fatalf("EnsureReady() error = %v, want ErrModelUnavailable wrapping ErrRuntime", err)
	}
	if loads != 1 || hits.Load() != 0 {
		t.Fatalf("loads=%d downloads=%d, want 1 and 0", loads, hits.Load())
	}
	if b, err := os.ReadFile(path); err != nil || string(b) != "user weights" {
		t.Fatalf("model file = %q,%v, want untouched", b, err)
	}
}

func TestEnsureReadyWithoutURLKeepsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.bin")
	if err := os.WriteFile(path, []byte("user weights"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	loads := 0
	m := NewManager(Artifact{Name: "m", Path: path},
		func(ctx context.Context, p string, hw Hardware) (string, error) {
			loads++
			return "", errors.New("bad magic")
		}, Options{Probe: noGPU})

	if _, err := m.EnsureReady(context.Background()); !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("EnsureReady() error = %v, want ErrModelUnavailable", err)
	}
	if loads != 1 {
		t.Fatalf("loads = %d, want 1", loads)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("model file removed: %v", err)
	}
}

func TestEnsureReadyDownloadFailureIsBounded(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "gone", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	m := NewManager(Artifact{Name: "m", Path: filepath.Join(t.TempDir(), "m.bin"), URL: srv.URL},
		func(ctx context.Context, p string, hw Hardware) (string, error) { return p, nil },
		Options{Probe: noGPU, Downloader: &Downloader{Client: &http.Client{Timeout: 5 * time.Second}}})

	if _, err := m.EnsureReady(context.Background()); !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("EnsureReady() error = %v, want ErrModelUnavailable", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("download attempts = %d, want 2", hits.Load())
	}
}

func TestDetectGPU(t *testing.T) {
	missing := func(string) (string, error) { return "", errors.New("not found") }
	none := func(string) bool { return false }

	if got := detectGPU("darwin", "arm64", missing, none); got != "metal" {
		t.Fatalf("darwin/arm64 = %q, want metal", got)
	}
	if got := detectGPU("linux", "amd64", func(string) (string, error) { return "/usr/bin/nvidia-smi", nil }, none); got != "cuda" {
		t.Fatalf("nvidia-smi present = %q, want cuda", got)
	}
	if got := detectGPU("linux", "amd64", missing, none); got != "" {
		t.Fatalf("no accelerator = %q, want empty", got)
	}
	if got := (Hardware{CPUs: 32}).Threads(); got != 8 {
		t.Fatalf("Threads() = %d, want 8", got)
	}
}
