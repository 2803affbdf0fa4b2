// Package generate serves text generation requests through a serialized
// queue and the resolved generation backend.
package generate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/heavyd/internal/config"
	"github.com/ent0n29/heavyd/internal/decode"
	"github.com/ent0n29/heavyd/internal/logx"
	"github.com/ent0n29/heavyd/internal/observability"
	"github.com/ent0n29/heavyd/internal/provider"
	"github.com/ent0n29/heavyd/internal/queue"
	"github.com/ent0n29/heavyd/internal/redact"
	"github.com/ent0n29/heavyd/internal/reliability"
)

// Backend is one generation provider.
type Backend interface {
	ID() provider.ID
	Generate(ctx context.Context, prompt string, p decode.Params) (decode.Result, error)
}

// Unloader is implemented by backends that hold a local model.
type Unloader interface {
	Unload() error
}

type ResultRecorder interface {
	SetResult(ctx context.Context, jobID string, providerID string, result any)
}

type Request struct {
	Prompt string
	Params decode.Params
	// Provider overrides the resolver for this call.
	Provider string
}

type Response struct {
	Text       string            `json:"text"`
	Provider   provider.ID       `json:"provider"`
	Tokens     int               `json:"tokens"`
	StopReason decode.StopReason `json:"stop_reason"`
	// Structured holds the parsed JSON value when structured output was
	// requested.
	Structured json.RawMessage `json:"structured,omitempty"`
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

type job struct {
	req    Request
	unload bool
}

type Service struct {
	resolver provider.Resolver
	profile  config.Settings
	env      config.Settings
	backends map[provider.ID]Backend
	recorder ResultRecorder
	metrics  *observability.Metrics
	log      zerolog.Logger

	q *queue.Queue[job, Response]
}

func New(cfg Config) *Service {
	s := &Service{
		resolver: cfg.Resolver,
		profile:  cfg.Profile,
		env:      cfg.Env,
		backends: make(map[provider.ID]Backend, len(cfg.Backends)),
		recorder: cfg.Recorder,
		metrics:  cfg.Metrics,
		log:      logx.Component("generate"),
	}
	for _, b := range cfg.Backends {
		s.backends[b.ID()] = b
	}
	s.q = queue.New(provider.CapabilityGeneration, s.process, queue.Options{
		JobTimeout: cfg.JobTimeout,
		Observer:   cfg.Observer,
	})
	return s
}

// Generate queues req and waits for its raw text result.
func (s *Service) Generate(ctx context.Context, req Request) (Response, error) {
	f, err := s.Enqueue(req)
	if err != nil {
		return Response{}, err
	}
	return f.Wait(ctx)
}

// GenerateStructured requests structured output and decodes it into out.
// Output that is neither a fenced block nor bare JSON fails the job with
// decode.ErrStructuredParse.
func (s *Service) GenerateStructured(ctx context.Context, req Request, out any) (Response, error) {
	req.Params.Structured = true
	resp, err := s.Generate(ctx, req)
	if err != nil {
		return Response{}, err
	}
	if err := json.Unmarshal(resp.Structured, out); err != nil {
		return resp, fmt.Errorf("%w: %v", decode.ErrStructuredParse, err)
	}
	return resp, nil
}

// Enqueue submits req without waiting.
func (s *Service) Enqueue(req Request) (*queue.Future[Response], error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, errors.New("prompt is required")
	}
	if o := strings.TrimSpace(req.Provider); o != "" && !s.resolver.Known(provider.Normalize(o)) {
		return nil, fmt.Errorf("%w: %q", provider.ErrUnknownProvider, o)
	}
	return s.q.Submit(job{req: req}), nil
}

// Unload releases any loaded local model. It runs as a queued job so it
// never races an in-flight generation.
func (s *Service) Unload(ctx context.Context) error {
	_, err := s.q.Submit(job{unload: true}).Wait(ctx)
	return err
}

func (s *Service) process(ctx context.Context, j *queue.Job[job]) (Response, error) {
	if j.Payload.unload {
		var errs []error
		for _, b := range s.backends {
			if u, ok := b.(Unloader); ok {
				errs = append(errs, u.Unload())
			}
		}
		return Response{}, errors.Join(errs...)
	}

	req := j.Payload.req
	id, err := s.resolver.ResolveOverride(req.Provider, s.profile, s.env)
	if err != nil {
		return Response{}, err
	}
	backend, ok := s.backends[id]
	if !ok {
		return Response{}, fmt.Errorf("generation provider %q is not configured", id)
	}
	if s.metrics != nil {
		s.metrics.ProviderSelections.WithLabelValues(provider.CapabilityGeneration, string(id)).Inc()
	}

	start := time.Now()
	res, err := backend.Generate(ctx, req.Prompt, req.Params)
	if err != nil {
		if s.metrics != nil {
			s.metrics.ProviderErrors.WithLabelValues(string(id), reliability.ErrorCode(err)).Inc()
		}
		return Response{}, fmt.Errorf("%s generation: %w", id, err)
	}
	s.log.Info().
		Str("job_id", j.ID).
		Str("provider", string(id)).
		Int("tokens", res.Tokens).
		Str("stop_reason", string(res.StopReason)).
		Dur("elapsed", time.Since(start)).
		Msg("generated")
	s.log.Debug().
		Str("job_id", j.ID).
		Str("prompt", redact.Preview(req.Prompt, 120)).
		Str("text", redact.Preview(res.Text, 120)).
		Msg("generation preview")

	out := Response{Text: res.Text, Provider: id, Tokens: res.Tokens, StopReason: res.StopReason}
	if req.Params.Structured {
		if err := decode.ParseStructured(res.Text, &out.Structured); err != nil {
			return Response{}, err
		}
	}
	if s.recorder != nil {
		s.recorder.SetResult(ctx, j.ID, string(id), out)
	}
	return out, nil
}

func (s *Service) QueueLen() int { return s.q.Len() }

func (s *Service) Close() error {
	err := s.q.Close()
	for _, b := range s.backends {
		if c, ok := b.(io.Closer); ok {
			if cerr := c.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	}
	return err
}
