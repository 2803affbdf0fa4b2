package generate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ent0n29/heavyd/internal/decode"
	"github.com/ent0n29/heavyd/internal/modelstore"
	"github.com/ent0n29/heavyd/internal/provider"
	"github.com/ent0n29/heavyd/internal/sidecar"
)

// OllamaBackend is the networked local-style path.
type OllamaBackend struct {
	*decode.OllamaClient
}

func (OllamaBackend) ID() provider.ID { return provider.Ollama }

// OpenAIBackend is the OpenAI-compatible chat path.
type OpenAIBackend struct {
	*decode.OpenAIClient
}

func (OpenAIBackend) ID() provider.ID { return provider.OpenAI }

// LocalBackend runs the decode loop against a managed GGUF model served by
// a llama runtime child process.
type LocalBackend struct {
	models *modelstore.Manager[*decode.Decoder]
}

type LocalConfig struct {
	Runtime     string
	ModelPath   string
	ModelURL    string
	ContextSize int
	Downloader  *modelstore.Downloader
	Hooks       modelstore.Hooks
	// OnFinish observes every completed local generation.
	OnFinish func(decode.Result)

	start func(ctx context.Context, cfg decode.RuntimeConfig) (decode.Model, error)
	probe func(context.Context) modelstore.Hardware
}

func NewLocal(cfg LocalConfig) *LocalBackend {
	modelPath := strings.TrimSpace(cfg.ModelPath)
	if modelPath != "" && !filepath.IsAbs(modelPath) {
		if wd, err := os.Getwd(); err == nil {
			modelPath = filepath.Join(wd, modelPath)
		}
	}
	start := cfg.start
	if start == nil {
		start = func(ctx context.Context, rc decode.RuntimeConfig) (decode.Model, error) {
			return decode.StartRuntime(ctx, rc)
		}
	}
	load := func(ctx context.Context, path string, hw modelstore.Hardware) (*decode.Decoder, error) {
		m, err := start(ctx, decode.RuntimeConfig{
			Binary:      cfg.Runtime,
			ModelPath:   path,
			ContextSize: cfg.ContextSize,
			Threads:     hw.Threads(),
			GPULayers:   hw.GPULayers,
		})
		if errors.Is(err, sidecar.ErrBinaryNotFound) {
			return nil, fmt.Errorf("%w: %w", modelstore.ErrRuntime, err)
		}
		if err != nil {
			return nil, err
		}
		d := decode.NewDecoder(m)
		d.OnFinish = cfg.OnFinish
		return d, nil
	}
	return &LocalBackend{
		models: modelstore.NewManager(modelstore.Artifact{
			Name: filepath.Base(modelPath),
			Path: modelPath,
			URL:  cfg.ModelURL,
		}, load, modelstore.Options{Downloader: cfg.Downloader, Probe: cfg.probe, Hooks: cfg.Hooks}),
	}
}

func (b *LocalBackend) ID() provider.ID { return provider.Local }

func (b *LocalBackend) ModelState() modelstore.State { return b.models.State() }

func (b *LocalBackend) Generate(ctx context.Context, prompt string, p decode.Params) (decode.Result, error) {
	d, err := b.models.EnsureReady(ctx)
	if err != nil {
		return decode.Result{}, err
	}
	return d.Generate(ctx, prompt, p)
}

func (b *LocalBackend) Unload() error { return b.models.Unload() }

func (b *LocalBackend) Close() error { return b.models.Unload() }
