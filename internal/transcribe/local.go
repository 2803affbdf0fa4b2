package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ent0n29/heavyd/internal/audio"
	"github.com/ent0n29/heavyd/internal/modelstore"
	"github.com/ent0n29/heavyd/internal/provider"
	"github.com/ent0n29/heavyd/internal/sidecar"
)

// whisperEngine is a loaded whisper.cpp model.
type whisperEngine interface {
	Transcribe(ctx context.Context, buf audio.Buffer, language string) (string, error)
	Close() error
}

// LocalBackend runs whisper.cpp against a managed ggml model.
type LocalBackend struct {
	models *modelstore.Manager[whisperEngine]
}

type LocalConfig struct {
	CLI        string
	ServerBin  string
	ModelPath  string
	ModelURL   string
	Language   string
	Threads    int
	Downloader *modelstore.Downloader
	Hooks      modelstore.Hooks
}

func NewLocal(cfg LocalConfig) *LocalBackend {
	modelPath := strings.TrimSpace(cfg.ModelPath)
	if modelPath != "" && !filepath.IsAbs(modelPath) {
		if wd, err := os.Getwd(); err == nil {
			modelPath = filepath.Join(wd, modelPath)
		}
	}
	loader := whisperLoader{
		cli:       firstNonEmpty(cfg.CLI, "whisper-cli"),
		serverBin: firstNonEmpty(cfg.ServerBin, "whisper-server"),
		language:  firstNonEmpty(cfg.Language, "en"),
		threads:   cfg.Threads,
		runner:    execRunner{},
	}
	return &LocalBackend{
		models: modelstore.NewManager(modelstore.Artifact{
			Name: filepath.Base(modelPath),
			Path: modelPath,
			URL:  cfg.ModelURL,
		}, loader.load, modelstore.Options{Downloader: cfg.Downloader, Hooks: cfg.Hooks}),
	}
}

func (b *LocalBackend) ID() provider.ID { return provider.Local }

// ModelState reports the whisper artifact lifecycle state.
func (b *LocalBackend) ModelState() modelstore.State { return b.models.State() }

func (b *LocalBackend) Transcribe(ctx context.Context, buf audio.Buffer, language string) (string, error) {
	engine, err := b.models.EnsureReady(ctx)
	if err != nil {
		return "", err
	}
	return engine.Transcribe(ctx, buf, language)
}

func (b *LocalBackend) Close() error { return b.models.Unload() }

type whisperLoader struct {
	cli       string
	serverBin string
	language  string
	threads   int
	runner    commandRunner
	startSrv  func(ctx context.Context, cfg sidecar.Config) (*sidecar.Server, error)
	lookPath  func(string) (string, error)
}

// load prefers a resident whisper-server and falls back to the one-shot
// CLI. The CLI path transcribes a short silence so a corrupt model fails
// here rather than on the first real request.
func (l whisperLoader) load(ctx context.Context, modelPath string, hw modelstore.Hardware) (whisperEngine, error) {
	threads := l.threads
	if threads <= 0 {
		threads = hw.Threads()
	}

	start := l.startSrv
	if start == nil {
		start = sidecar.Start
	}
	srv, srvErr := start(ctx, sidecar.Config{
		Name:   "whisper-server",
		Binary: l.serverBin,
		Args: func(port int) []string {
			args := []string{
				"--host", "127.0.0.1",
				"--port", strconv.Itoa(port),
				"-m", modelPath,
				"-l", l.language,
				"-t", strconv.Itoa(threads),
				"-nt",
			}
			if !hw.HasGPU() {
				args = append(args, "-ng")
			}
			return args
		},
		ReadyPath: "/",
	})
	if srvErr == nil {
		return &whisperServerEngine{srv: srv}, nil
	}

	lookPath := l.lookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	cliPath, err := lookPath(l.cli)
	if err != nil {
		err = errors.Join(srvErr, fmt.Errorf("whisper.cpp CLI not found (%s)", l.cli))
		if errors.Is(srvErr, sidecar.ErrBinaryNotFound) {
			return nil, fmt.Errorf("%w: %w", modelstore.ErrRuntime, err)
		}
		return nil, err
	}
	engine := &whisperCLIEngine{
		cliPath:   cliPath,
		modelPath: modelPath,
		threads:   threads,
		runner:    l.runner,
	}
	silence := audio.Buffer{PCM: make([]byte, audio.CanonicalSampleRate), SampleRate: audio.CanonicalSampleRate}
	if _, err := engine.Transcribe(ctx, silence, l.language); err != nil {
		return nil, fmt.Errorf("whisper model check: %w", err)
	}
	return engine, nil
}

type whisperServerEngine struct {
	srv *sidecar.Server
}

func (e *whisperServerEngine) Transcribe(ctx context.Context, buf audio.Buffer, language string) (string, error) {
	if len(buf.PCM) == 0 {
		return "", nil
	}
	wav, err := buf.WAV()
	if err != nil {
		return "", err
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		_ = mw.Close()
		return "", err
	}
	if _, err := fw.Write(wav); err != nil {
		_ = mw.Close()
		return "", err
	}
	_ = mw.WriteField("temperature", "0.0")
	_ = mw.WriteField("response_format", "json")
	if language != "" {
		_ = mw.WriteField("language", language)
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.srv.BaseURL()+"/inference", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper-server HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Text), nil
}

func (e *whisperServerEngine) Close() error { return e.srv.Close() }

type whisperCLIEngine struct {
	cliPath   string
	modelPath string
	threads   int
	runner    commandRunner
}

func (e *whisperCLIEngine) Transcribe(ctx context.Context, buf audio.Buffer, language string) (string, error) {
	if len(buf.PCM) == 0 {
		return "", nil
	}
	tmpDir, err := os.MkdirTemp("", "heavyd-whisper-*")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(tmpDir)

	wavPath := filepath.Join(tmpDir, "audio.wav")
	if err := audio.WriteWAVPCM16LEFile(wavPath, buf.PCM, buf.SampleRate); err != nil {
		return "", err
	}
	outPrefix := filepath.Join(tmpDir, "out")
	args := []string{
		"-m", e.modelPath,
		"-f", wavPath,
		"-l", firstNonEmpty(language, "en"),
		"-otxt",
		"-of", outPrefix,
		"-nt",
	}
	if e.threads > 0 {
		args = append(args, "-t", strconv.Itoa(e.threads))
	}

	res, err := e.runner.Run(ctx, e.cliPath, args...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		detail := strings.TrimSpace(res.Stderr)
		if len(detail) > 8<<10 {
			detail = strings.TrimSpace(detail[len(detail)-(8<<10):])
		}
		if detail == "" {
			detail = err.Error()
		}
		return "", fmt.Errorf("whisper.cpp failed: %s", detail)
	}

	b, err := os.ReadFile(outPrefix + ".txt")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func (e *whisperCLIEngine) Close() error { return nil }

func firstNonEmpty(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
