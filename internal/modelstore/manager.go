// Package modelstore owns locally downloaded model artifacts: acquiring
// them, loading them into a runtime handle and recovering from corrupt files.
package modelstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ent0n29/heavyd/internal/logx"
)

var ErrModelUnavailable = errors.New("model unavailable")

// ErrRuntime marks load failures caused by the environment rather than the
// artifact, such as a missing runtime binary. They never discard the file.
var ErrRuntime = errors.New("model runtime unavailable")

// maxAcquisitions is one initial attempt plus exactly one delete-and-retry.
const maxAcquisitions = 2

type State string

const (
	StateAbsent      State = "absent"
	StateDownloading State = "downloading"
	StateReady       State = "ready"
	StateFailed      State = "failed"
)

// Artifact is an on-disk model file and where to fetch it from.
type Artifact struct {
	Name string
	Path string
	URL  string
}

// Loader initializes the artifact at path into a runtime handle. A returned
// handle that implements io.Closer is closed on Unload.
type Loader[M any] func(ctx context.Context, path string, hw Hardware) (M, error)

type Hooks struct {
	// OnLoadAttempt receives "ok" or "error" per load attempt.
	OnLoadAttempt func(result string)
	// OnStateChange fires on every transition.
	OnStateChange func(name string, s State)
}

type Options struct {
	Downloader *Downloader
	Probe      func(context.Context) Hardware
	Hooks      Hooks
}

// Manager serializes EnsureReady and Unload for a single Artifact. Only the
// owning capability worker should call it.
type Manager[M any] struct {
	artifact   Artifact
	load       Loader[M]
	downloader *Downloader
	probe      func(context.Context) Hardware
	hooks      Hooks
	log        zerolog.Logger

	mu     sync.Mutex
	state  State
	handle M
	loaded bool
	hw     Hardware
}

func NewManager[M any](artifact Artifact, load Loader[M], opts Options) *Manager[M] {
	log := logx.Component("modelstore").With().Str("model", artifact.Name).Logger()
	dl := opts.Downloader
	if dl == nil {
		dl = &Downloader{Log: log}
	}
	probe := opts.Probe
	if probe == nil {
		probe = ProbeHardware
	}
	m := &Manager[M]{
		artifact:   artifact,
		load:       load,
		downloader: dl,
		probe:      probe,
		hooks:      opts.Hooks,
		log:        log,
		state:      StateAbsent,
	}
	if fileExists(artifact.Path) {
		m.state = StateReady
	}
	return m
}

func (m *Manager[M]) Artifact() Artifact { return m.artifact }

func (m *Manager[M]) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Loaded reports whether a handle is currently held.
func (m *Manager[M]) Loaded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loaded
}

// Hardware returns the probe result from the most recent load.
func (m *Manager[M]) Hardware() Hardware {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hw
}

// EnsureReady returns the loaded handle, acquiring and loading the artifact
// if needed. A failed acquisition or load deletes the file and tries once
// more; a second failure returns ErrModelUnavailable. Artifacts without a
// source URL and ErrRuntime failures are never deleted or retried.
func (m *Manager[M]) EnsureReady(ctx context.Context) (M, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loaded {
		return m.handle, nil
	}

	var (
		zero M
		errs []error
	)
	for attempt := 0; attempt < maxAcquisitions; attempt++ {
		if attempt > 0 {
			if !m.reacquirable(errs[len(errs)-1]) {
				break
			}
			m.log.Warn().Int("attempt", attempt+1).Err(errs[len(errs)-1]).Msg("discarding artifact and re-acquiring")
			if err := os.Remove(m.artifact.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, fmt.Errorf("remove %s: %w", m.artifact.Path, err))
			}
			m.setState(StateAbsent)
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		if err := m.acquire(ctx); err != nil {
			m.setState(StateFailed)
			errs = append(errs, err)
			continue
		}

		hw := m.probe(ctx)
		handle, err := m.load(ctx, m.artifact.Path, hw)
		if err != nil {
			m.loadAttempt("error")
			m.setState(StateFailed)
			errs = append(errs, fmt.Errorf("load %s: %w", m.artifact.Name, err))
			continue
		}
		m.loadAttempt("ok")
		m.handle = handle
		m.loaded = true
		m.hw = hw
		m.setState(StateReady)
		m.log.Info().Str("gpu", hw.GPU).Int("gpu_layers", hw.GPULayers).Int("cpus", hw.CPUs).Msg("model loaded")
		return handle, nil
	}
	return zero, fmt.Errorf("%w: %s: %w", ErrModelUnavailable, m.artifact.Name, errors.Join(errs...))
}

func (m *Manager[M]) reacquirable(err error) bool {
	if errors.Is(err, ErrRuntime) {
		return false
	}
	return strings.TrimSpace(m.artifact.URL) != ""
}

// acquire makes sure the artifact file exists. Existing files are trusted.
func (m *Manager[M]) acquire(ctx context.Context) error {
	path := strings.TrimSpace(m.artifact.Path)
	if path == "" {
		return fmt.Errorf("empty model path for %s", m.artifact.Name)
	}
	if fileExists(path) {
		return nil
	}
	m.setState(StateDownloading)
	m.log.Info().Str("url", m.artifact.URL).Str("path", path).Msg("model missing; downloading")
	return m.downloader.Fetch(ctx, m.artifact.Name, m.artifact.URL, path)
}

// Unload releases the handle. The artifact stays on disk.
func (m *Manager[M]) Unload() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		return nil
	}
	var err error
	if c, ok := any(m.handle).(io.Closer); ok {
		err = c.Close()
	}
	var zero M
	m.handle = zero
	m.loaded = false
	return err
}

func (m *Manager[M]) setState(s State) {
	m.state = s
	if m.hooks.OnStateChange != nil {
		m.hooks.OnStateChange(m.artifact.Name, s)
	}
}

func (m *Manager[M]) loadAttempt(result string) {
	if m.hooks.OnLoadAttempt != nil {
		m.hooks.OnLoadAttempt(result)
	}
}
