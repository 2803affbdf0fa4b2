// Package transcribe is the speech-to-text façade: a minimum-duration
// guard, a serialized job queue, provider resolution, audio normalization
// and one backend call per request.
package transcribe

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/heavyd/internal/audio"
	"github.com/ent0n29/heavyd/internal/config"
	"github.com/ent0n29/heavyd/internal/logx"
	"github.com/ent0n29/heavyd/internal/observability"
	"github.com/ent0n29/heavyd/internal/provider"
	"github.com/ent0n29/heavyd/internal/queue"
	"github.com/ent0n29/heavyd/internal/redact"
	"github.com/ent0n29/heavyd/internal/reliability"
)

// Backend is one speech recognition provider.
type Backend interface {
	ID() provider.ID
	Transcribe(ctx context.Context, buf audio.Buffer, language string) (string, error)
}

type Normalizer interface {
	Normalize(ctx context.Context, raw []byte) (audio.Buffer, error)
}

// ResultRecorder persists per-job outcomes alongside queue status.
type ResultRecorder interface {
	SetResult(ctx context.Context, jobID string, providerID string, result any)
}

type Options struct {
	Language string
	// Provider overrides the resolver for this call.
	Provider string
}

type Outcome struct {
	Text     string      `json:"text"`
	Provider provider.ID `json:"provider"`
}

type Config struct {
	Resolver        provider.Resolver
	Profile         config.Settings
	Env             config.Settings
	Backends        []Backend
	Normalizer      Normalizer
	DefaultLanguage string
	JobTimeout      time.Duration
	Observer        queue.Observer
	Recorder        ResultRecorder
	Metrics         *observability.Metrics
}

type request struct {
	raw  []byte
	opts Options
}

type Service struct {
	resolver   provider.Resolver
	profile    config.Settings
	env        config.Settings
	backends   map[provider.ID]Backend
	normalizer Normalizer
	language   string
	recorder   ResultRecorder
	metrics    *observability.Metrics
	log        zerolog.Logger

	q *queue.Queue[request, Outcome]
}

func New(cfg Config) *Service {
	s := &Service{
		resolver:   cfg.Resolver,
		profile:    cfg.Profile,
		env:        cfg.Env,
		backends:   make(map[provider.ID]Backend, len(cfg.Backends)),
		normalizer: cfg.Normalizer,
		language:   strings.TrimSpace(cfg.DefaultLanguage),
		recorder:   cfg.Recorder,
		metrics:    cfg.Metrics,
		log:        logx.Component("transcribe"),
	}
	if s.language == "" {
		s.language = "en"
	}
	for _, b := range cfg.Backends {
		s.backends[b.ID()] = b
	}
	s.q = queue.New(provider.CapabilityTranscription, s.process, queue.Options{
		JobTimeout: cfg.JobTimeout,
		Observer:   cfg.Observer,
	})
	return s
}

// Transcribe returns the transcript of raw. ok is false when the input is
// below the minimum duration or the backend failed; in the latter case err
// carries the cause.
func (s *Service) Transcribe(ctx context.Context, raw []byte, opts Options) (string, bool, error) {
	f, err := s.Enqueue(raw, opts)
	if err != nil {
		return "", false, err
	}
	if f == nil {
		return "", false, nil
	}
	out, err := f.Wait(ctx)
	if err != nil {
		return "", false, err
	}
	return out.Text, true, nil
}

// Enqueue submits raw without waiting. A nil Future with a nil error means
// the input was too short and never entered the queue.
func (s *Service) Enqueue(raw []byte, opts Options) (*queue.Future[Outcome], error) {
	if audio.TooShort(raw) {
		s.log.Debug().Int("bytes", len(raw)).Int("min_bytes", audio.MinBytes(audio.CanonicalSampleRate)).Msg("audio below minimum duration; skipped")
		return nil, nil
	}
	if o := strings.TrimSpace(opts.Provider); o != "" && !s.resolver.Known(provider.Normalize(o)) {
		return nil, fmt.Errorf("%w: %q", provider.ErrUnknownProvider, o)
	}
	return s.q.Submit(request{raw: raw, opts: opts}), nil
}

func (s *Service) process(ctx context.Context, job *queue.Job[request]) (Outcome, error) {
	id, err := s.resolver.ResolveOverride(job.Payload.opts.Provider, s.profile, s.env)
	if err != nil {
		return Outcome{}, err
	}
	backend, ok := s.backends[id]
	if !ok {
		return Outcome{}, fmt.Errorf("transcription provider %q is not configured", id)
	}
	if s.metrics != nil {
		s.metrics.ProviderSelections.WithLabelValues(provider.CapabilityTranscription, string(id)).Inc()
	}

	buf, err := s.normalizer.Normalize(ctx, job.Payload.raw)
	if err != nil {
		return Outcome{}, fmt.Errorf("normalize audio: %w", err)
	}

	lang := strings.TrimSpace(job.Payload.opts.Language)
	if lang == "" {
		lang = s.language
	}
	start := time.Now()
	text, err := backend.Transcribe(ctx, buf, lang)
	if err != nil {
		if s.metrics != nil {
			s.metrics.ProviderErrors.WithLabelValues(string(id), reliability.ErrorCode(err)).Inc()
		}
		return Outcome{}, fmt.Errorf("%s transcription: %w", id, err)
	}
	s.log.Info().
		Str("job_id", job.ID).
		Str("provider", string(id)).
		Dur("audio", buf.Duration()).
		Dur("elapsed", time.Since(start)).
		Int("chars", len(text)).
		Msg("transcribed")
	s.log.Debug().Str("job_id", job.ID).Str("text", redact.Preview(text, 120)).Msg("transcript preview")

	out := Outcome{Text: strings.TrimSpace(text), Provider: id}
	if s.recorder != nil {
		s.recorder.SetResult(ctx, job.ID, string(id), out)
	}
	return out, nil
}

func (s *Service) QueueLen() int { return s.q.Len() }

// Close rejects pending jobs and releases backends that hold resources.
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
