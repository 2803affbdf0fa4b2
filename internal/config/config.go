package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the heavy capability service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool
	LogLevel         string
	// APIKey, when set, is required as a bearer token on /v1 routes.
	APIKey string

	// ConfigFile is an optional YAML file holding the settings profile.
	ConfigFile string
	// Profile holds per-deployment named settings read from ConfigFile.
	Profile Profile

	CacheDir   string
	DebugAudio bool
	JobTimeout time.Duration

	FFmpegPath  string
	FFprobePath string

	TranscriptionProvider string
	DeepgramAPIKey        string
	DeepgramBaseURL       string
	OpenAIAPIKey          string
	OpenAIBaseURL         string
	OpenAITranscribeModel string

	LocalWhisperCLI       string
	LocalWhisperModelPath string
	LocalWhisperModelURL  string
	LocalWhisperLanguage  string
	LocalWhisperThreads   int

	GenerationProvider string
	OllamaURL          string
	OllamaModel        string
	OpenAIChatModel    string
	LocalLLMModelPath  string
	LocalLLMModelURL   string
	LocalLLMRuntime    string
	LocalLLMContext    int

	ImageProvider     string
	OpenAIVisionModel string
	OllamaVisionModel string

	DatabaseURL string
	RedisAddr   string
}

// Load reads environment variables, overlays the optional YAML profile file
// and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:              envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:      envOrDefault("APP_METRICS_NAMESPACE", "heavyd"),
		LogLevel:              envOrDefault("LOG_LEVEL", "info"),
		APIKey:                stringsTrimSpace("APP_API_KEY"),
		ConfigFile:            stringsTrimSpace("HEAVYD_CONFIG_FILE"),
		CacheDir:              envOrDefault("CACHE_DIR", "cache"),
		FFmpegPath:            envOrDefault("FFMPEG_PATH", "ffmpeg"),
		FFprobePath:           envOrDefault("FFPROBE_PATH", "ffprobe"),
		TranscriptionProvider: stringsTrimSpace("TRANSCRIPTION_PROVIDER"),
		DeepgramAPIKey:        stringsTrimSpace("DEEPGRAM_API_KEY"),
		DeepgramBaseURL:       envOrDefault("DEEPGRAM_BASE_URL", "https://api.deepgram.com"),
		OpenAIAPIKey:          stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIBaseURL:         envOrDefault("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAITranscribeModel: envOrDefault("OPENAI_TRANSCRIBE_MODEL", "whisper-1"),
		LocalWhisperCLI:       envOrDefault("LOCAL_WHISPER_CLI", "whisper-cli"),
		LocalWhisperModelPath: envOrDefault("LOCAL_WHISPER_MODEL_PATH", "models/whisper/ggml-base.en.bin"),
		LocalWhisperModelURL:  stringsTrimSpace("LOCAL_WHISPER_MODEL_URL"),
		LocalWhisperLanguage:  envOrDefault("LOCAL_WHISPER_LANGUAGE", "en"),
		GenerationProvider:    stringsTrimSpace("GENERATION_PROVIDER"),
		OllamaURL:             stringsTrimSpace("OLLAMA_URL"),
		OllamaModel:           envOrDefault("OLLAMA_MODEL", "llama3.2"),
		OpenAIChatModel:       envOrDefault("OPENAI_CHAT_MODEL", "gpt-4o-mini"),
		LocalLLMModelPath:     envOrDefault("LOCAL_LLM_MODEL_PATH", "models/llm/model.gguf"),
		LocalLLMModelURL:      stringsTrimSpace("LOCAL_LLM_MODEL_URL"),
		LocalLLMRuntime:       envOrDefault("LOCAL_LLM_RUNTIME", "llama-server"),
		ImageProvider:         stringsTrimSpace("IMAGE_PROVIDER"),
		OpenAIVisionModel:     envOrDefault("OPENAI_VISION_MODEL", "gpt-4o-mini"),
		OllamaVisionModel:     envOrDefault("OLLAMA_VISION_MODEL", "llava"),
		DatabaseURL:           stringsTrimSpace("DATABASE_URL"),
		RedisAddr:             stringsTrimSpace("REDIS_ADDR"),
		ShutdownTimeout:       15 * time.Second,
		JobTimeout:            5 * time.Minute,
		LocalWhisperThreads:   0,
		LocalLLMContext:       4096,
	}
	if cfg.LocalWhisperModelURL == "" {
		cfg.LocalWhisperModelURL = whisperModelURL(cfg.LocalWhisperModelPath)
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.JobTimeout, err = durationFromEnv("JOB_TIMEOUT", cfg.JobTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.DebugAudio, err = boolFromEnv("DEBUG_AUDIO", cfg.DebugAudio)
	if err != nil {
		return Config{}, err
	}
	cfg.LocalWhisperThreads, err = intFromEnv("LOCAL_WHISPER_THREADS", cfg.LocalWhisperThreads)
	if err != nil {
		return Config{}, err
	}
	cfg.LocalLLMContext, err = intFromEnv("LOCAL_LLM_CONTEXT", cfg.LocalLLMContext)
	if err != nil {
		return Config{}, err
	}

	if cfg.ConfigFile != "" {
		profile, err := LoadProfileFile(cfg.ConfigFile)
		if err != nil {
			return Config{}, err
		}
		cfg.Profile = profile
	}

	if cfg.JobTimeout <= 0 {
		return Config{}, fmt.Errorf("JOB_TIMEOUT must be positive")
	}
	if cfg.LocalWhisperThreads < 0 {
		return Config{}, fmt.Errorf("LOCAL_WHISPER_THREADS must be >= 0")
	}
	if cfg.LocalLLMContext <= 0 {
		return Config{}, fmt.Errorf("LOCAL_LLM_CONTEXT must be positive")
	}

	return cfg, nil
}

// whisperModelURL derives the upstream ggml download URL from a model filename.
func whisperModelURL(modelPath string) string {
	name := modelPath
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	if !strings.HasPrefix(name, "ggml-") || !strings.HasSuffix(name, ".bin") {
		return ""
	}
	return "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/" + name
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
