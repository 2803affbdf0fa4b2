// Package vision describes images with the resolved vision-capable backend.
package vision

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/heavyd/internal/config"
	"github.com/ent0n29/heavyd/internal/decode"
	"github.com/ent0n29/heavyd/internal/logx"
	"github.com/ent0n29/heavyd/internal/observability"
	"github.com/ent0n29/heavyd/internal/provider"
	"github.com/ent0n29/heavyd/internal/queue"
	"github.com/ent0n29/heavyd/internal/reliability"
)

const DefaultPrompt = `Describe this image. Respond with JSON of the form {"title": "<short title>", "description": "<one paragraph>"}.`

// maxImageBytes bounds inline uploads; larger images are rejected before
// they are queued.
const maxImageBytes = 20 << 20

// imageClient is satisfied by decode.OpenAIClient and decode.OllamaClient.
type imageClient interface {
	GenerateWithImages(ctx context.Context, model, prompt string, images [][]byte, p decode.Params) (decode.Result, error)
}

// Backend sends one image and prompt to a provider.
type Backend struct {
	id     provider.ID
	model  string
	client imageClient
}

func NewBackend(id provider.ID, model string, client imageClient) Backend {
	return Backend{id: id, model: model, client: client}
}

type Description struct {
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Provider    provider.ID `json:"provider"`
}

type ResultRecorder interface {
	SetResult(ctx context.Context, jobID string, providerID string, result any)
}

type Config struct {
	Resolver   provider.Resolver
	Profile    config.Settings
	Env        config.Settings
	Backends   []Backend
	JobTimeout time.Duration
	Observer   queue.Observer
	Recorder   ResultRecorder
	Metrics    *observability.Metrics
}

type request struct {
	image    []byte
	prompt   string
	provider string
}

type Service struct {
	resolver provider.Resolver
	profile  config.Settings
	env      config.Settings
	backends map[provider.ID]Backend
	recorder ResultRecorder
	metrics  *observability.Metrics
	log      zerolog.Logger

	q *queue.Queue[request, Description]
}

func New(cfg Config) *Service {
	s := &Service{
		resolver: cfg.Resolver,
		profile:  cfg.Profile,
		env:      cfg.Env,
		backends: make(map[provider.ID]Backend, len(cfg.Backends)),
		recorder: cfg.Recorder,
		metrics:  cfg.Metrics,
		log:      logx.Component("vision"),
	}
	for _, b := range cfg.Backends {
		s.backends[b.id] = b
	}
	s.q = queue.New(provider.CapabilityImageDescription, s.process, queue.Options{
		JobTimeout: cfg.JobTimeout,
		Observer:   cfg.Observer,
	})
	return s
}

// Describe waits for a title and description of image. An empty prompt
// uses DefaultPrompt; providerOverride may name a specific backend.
func (s *Service) Describe(ctx context.Context, image []byte, prompt, providerOverride string) (Description, error) {
	f, err := s.Enqueue(image, prompt, providerOverride)
	if err != nil {
		return Description{}, err
	}
	return f.Wait(ctx)
}

func (s *Service) Enqueue(image []byte, prompt, providerOverride string) (*queue.Future[Description], error) {
	if len(image) == 0 {
		return nil, errors.New("image is empty")
	}
	if len(image) > maxImageBytes {
		return nil, fmt.Errorf("image is %d bytes; limit is %d", len(image), maxImageBytes)
	}
	if ct := http.DetectContentType(image); !strings.HasPrefix(ct, "image/") {
		return nil, fmt.Errorf("unsupported image content type %q", ct)
	}
	if o := strings.TrimSpace(providerOverride); o != "" && !s.resolver.Known(provider.Normalize(o)) {
		return nil, fmt.Errorf("%w: %q", provider.ErrUnknownProvider, o)
	}
	if strings.TrimSpace(prompt) == "" {
		prompt = DefaultPrompt
	}
	return s.q.Submit(request{image: image, prompt: prompt, provider: providerOverride}), nil
}

func (s *Service) process(ctx context.Context, job *queue.Job[request]) (Description, error) {
	id, err := s.resolver.ResolveOverride(job.Payload.provider, s.profile, s.env)
	if err != nil {
		return Description{}, err
	}
	b, ok := s.backends[id]
	if !ok {
		return Description{}, fmt.Errorf("image provider %q is not configured", id)
	}
	if s.metrics != nil {
		s.metrics.ProviderSelections.WithLabelValues(provider.CapabilityImageDescription, string(id)).Inc()
	}

	start := time.Now()
	res, err := b.client.GenerateWithImages(ctx, b.model, job.Payload.prompt, [][]byte{job.Payload.image}, decode.Params{
		Temperature: 0.2,
		MaxTokens:   400,
		Structured:  true,
	})
	if err != nil {
		if s.metrics != nil {
			s.metrics.ProviderErrors.WithLabelValues(string(id), reliability.ErrorCode(err)).Inc()
		}
		return Description{}, fmt.Errorf("%s image description: %w", id, err)
	}

	out := parseDescription(res.Text)
	out.Provider = id
	s.log.Info().
		Str("job_id", job.ID).
		Str("provider", string(id)).
		Int("image_bytes", len(job.Payload.image)).
		Dur("elapsed", time.Since(start)).
		Msg("image described")
	if s.recorder != nil {
		s.recorder.SetResult(ctx, job.ID, string(id), out)
	}
	return out, nil
}

// parseDescription accepts structured output and otherwise keeps the raw
// text as the description.
func parseDescription(text string) Description {
	var d Description
	if err := decode.ParseStructured(text, &d); err == nil && (d.Title != "" || d.Description != "") {
		return Description{Title: strings.TrimSpace(d.Title), Description: strings.TrimSpace(d.Description)}
	}
	return Description{Description: strings.TrimSpace(text)}
}

func (s *Service) QueueLen() int { return s.q.Len() }

func (s *Service) Close() error { return s.q.Close() }
