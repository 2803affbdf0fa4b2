package app

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ent0n29/heavyd/internal/audio"
	"github.com/ent0n29/heavyd/internal/config"
	"github.com/ent0n29/heavyd/internal/decode"
	"github.com/ent0n29/heavyd/internal/generate"
	"github.com/ent0n29/heavyd/internal/httpapi"
	"github.com/ent0n29/heavyd/internal/jobstore"
	"github.com/ent0n29/heavyd/internal/logx"
	"github.com/ent0n29/heavyd/internal/modelstore"
	"github.com/ent0n29/heavyd/internal/observability"
	"github.com/ent0n29/heavyd/internal/provider"
	"github.com/ent0n29/heavyd/internal/queue"
	"github.com/ent0n29/heavyd/internal/transcribe"
	"github.com/ent0n29/heavyd/internal/vision"
)

type BuildResult struct {
	Config      config.Config
	API         *httpapi.Server
	Transcriber *transcribe.Service
	Generator   *generate.Service
	Describer   *vision.Service
	Jobs        *jobstore.Tracker
	Metrics     *observability.Metrics
	StoreMode   string
	Providers   []ProviderInfo

	// Cleanup should be called on shutdown to drain queues, stop local
	// runtimes and flush the job store.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	log := logx.Component("app")
	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	settings := config.Chain{cfg.Profile, config.Env{}}

	store, err := jobstore.NewStore(ctx, cfg.DatabaseURL, cfg.RedisAddr)
	if err != nil {
		return nil, fmt.Errorf("job store init failed: %w", err)
	}
	mode := storeMode(cfg)
	tracker := jobstore.NewTracker(store)
	hub := httpapi.NewHub(metrics)

	progress := make(chan modelstore.Progress, 64)
	stopProgress := make(chan struct{})
	// Never closed: an abandoned download may still report after shutdown.
	go func() {
		for {
			select {
			case p := <-progress:
				hub.ModelProgress(p)
			case <-stopProgress:
				return
			}
		}
	}()
	downloader := func(model string) *modelstore.Downloader {
		return &modelstore.Downloader{
			Progress: progress,
			OnBytes: func(n int64) {
				metrics.ModelDownloadBytes.WithLabelValues(model).Add(float64(n))
			},
			Log: logx.Component("modelstore").With().Str("model", model).Logger(),
		}
	}
	hooks := func(model string) modelstore.Hooks {
		return modelstore.Hooks{
			OnLoadAttempt: func(result string) {
				metrics.ModelLoadAttempts.WithLabelValues(model, result).Inc()
			},
			OnStateChange: hub.ModelStateChanged,
		}
	}
	observers := func(capability string) queue.Observer {
		return queue.Observers{metrics.QueueObserver(capability), tracker, hub}
	}

	whisperModel := filepath.Base(cfg.LocalWhisperModelPath)
	localWhisper := transcribe.NewLocal(transcribe.LocalConfig{
		CLI:        cfg.LocalWhisperCLI,
		ModelPath:  cfg.LocalWhisperModelPath,
		ModelURL:   cfg.LocalWhisperModelURL,
		Language:   cfg.LocalWhisperLanguage,
		Threads:    cfg.LocalWhisperThreads,
		Downloader: downloader(whisperModel),
		Hooks:      hooks(whisperModel),
	})
	transcribeBackends := []transcribe.Backend{localWhisper}
	if key, ok := settings.Get("DEEPGRAM_API_KEY"); ok {
		transcribeBackends = append(transcribeBackends, transcribe.NewDeepgram(key, cfg.DeepgramBaseURL))
	}
	openAIKey, hasOpenAI := settings.Get("OPENAI_API_KEY")
	if hasOpenAI {
		transcribeBackends = append(transcribeBackends, transcribe.NewOpenAI(openAIKey, cfg.OpenAIBaseURL, cfg.OpenAITranscribeModel))
	}
	transcriber := transcribe.New(transcribe.Config{
		Resolver: provider.Transcription(),
		Profile:  cfg.Profile,
		Env:      config.Env{},
		Backends: transcribeBackends,
		Normalizer: audio.NewNormalizer(audio.NormalizerConfig{
			FFmpeg:   cfg.FFmpegPath,
			FFprobe:  cfg.FFprobePath,
			CacheDir: cfg.CacheDir,
			Debug:    cfg.DebugAudio,
		}),
		DefaultLanguage: cfg.LocalWhisperLanguage,
		JobTimeout:      cfg.JobTimeout,
		Observer:        observers(provider.CapabilityTranscription),
		Recorder:        tracker,
		Metrics:         metrics,
	})

	llmModel := filepath.Base(cfg.LocalLLMModelPath)
	localLLM := generate.NewLocal(generate.LocalConfig{
		Runtime:     cfg.LocalLLMRuntime,
		ModelPath:   cfg.LocalLLMModelPath,
		ModelURL:    cfg.LocalLLMModelURL,
		ContextSize: cfg.LocalLLMContext,
		Downloader:  downloader(llmModel),
		Hooks:       hooks(llmModel),
		OnFinish: func(r decode.Result) {
			metrics.DecodeTokens.WithLabelValues(string(r.StopReason)).Add(float64(r.Tokens))
		},
	})
	ollamaURL, _ := settings.Get("OLLAMA_URL")
	ollama := decode.NewOllamaClient(ollamaURL, cfg.OllamaModel, cfg.JobTimeout)
	generateBackends := []generate.Backend{
		localLLM,
		generate.OllamaBackend{OllamaClient: ollama},
	}
	if hasOpenAI {
		generateBackends = append(generateBackends, generate.OpenAIBackend{
			OpenAIClient: decode.NewOpenAIClient(cfg.OpenAIBaseURL, openAIKey, cfg.OpenAIChatModel, cfg.JobTimeout),
		})
	}
	generator := generate.New(generate.Config{
		Resolver:   provider.Generation(),
		Profile:    cfg.Profile,
		Env:        config.Env{},
		Backends:   generateBackends,
		JobTimeout: cfg.JobTimeout,
		Observer:   observers(provider.CapabilityGeneration),
		Recorder:   tracker,
		Metrics:    metrics,
	})

	visionBackends := []vision.Backend{
		vision.NewBackend(provider.Ollama, cfg.OllamaVisionModel, decode.NewOllamaClient(ollamaURL, cfg.OllamaVisionModel, cfg.JobTimeout)),
	}
	if hasOpenAI {
		visionBackends = append(visionBackends, vision.NewBackend(provider.OpenAI, cfg.OpenAIVisionModel,
			decode.NewOpenAIClient(cfg.OpenAIBaseURL, openAIKey, cfg.OpenAIVisionModel, cfg.JobTimeout)))
	}
	describer := vision.New(vision.Config{
		Resolver:   provider.ImageDescription(),
		Profile:    cfg.Profile,
		Env:        config.Env{},
		Backends:   visionBackends,
		JobTimeout: cfg.JobTimeout,
		Observer:   observers(provider.CapabilityImageDescription),
		Recorder:   tracker,
		Metrics:    metrics,
	})

	api := httpapi.New(cfg, httpapi.Deps{
		Transcriber: transcriber,
		Generator:   generator,
		Describer:   describer,
		Jobs:        tracker,
		Hub:         hub,
		Metrics:     metrics,
		StoreMode:   mode,
		ModelStates: func() map[string]modelstore.State {
			return map[string]modelstore.State{
				whisperModel: localWhisper.ModelState(),
				llmModel:     localLLM.ModelState(),
			}
		},
	})

	providers := describeProviders(ctx, cfg, probeTargets{
		ollama:     ollama,
		whisperCLI: cfg.LocalWhisperCLI,
		llmRuntime: cfg.LocalLLMRuntime,
	})
	for _, p := range providers {
		log.Info().Str("capability", p.Capability).Str("provider", string(p.Default)).Str("detail", p.Detail).Msg("default provider")
	}
	log.Info().
		Str("job_store", mode).
		Int("transcription_backends", len(transcribeBackends)).
		Int("generation_backends", len(generateBackends)).
		Int("image_backends", len(visionBackends)).
		Msg("capability services ready")

	cleanup := func() error {
		var errs []string
		for _, c := range []interface{ Close() error }{transcriber, generator, describer} {
			if err := c.Close(); err != nil {
				errs = append(errs, err.Error())
			}
		}
		close(stopProgress)
		if err := tracker.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:      cfg,
		API:         api,
		Transcriber: transcriber,
		Generator:   generator,
		Describer:   describer,
		Jobs:        tracker,
		Metrics:     metrics,
		StoreMode:   mode,
		Providers:   providers,
		Cleanup:     cleanup,
	}, nil
}

func storeMode(cfg config.Config) string {
	switch {
	case strings.TrimSpace(cfg.DatabaseURL) != "":
		return "postgres"
	case strings.TrimSpace(cfg.RedisAddr) != "":
		return "redis"
	default:
		return "in-memory"
	}
}
