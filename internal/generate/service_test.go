package generate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/heavyd/internal/config"
	"github.com/ent0n29/heavyd/internal/decode"
	"github.com/ent0n29/heavyd/internal/modelstore"
	"github.com/ent0n29/heavyd/internal/provider"
	"github.com/ent0n29/heavyd/internal/sidecar"
)

type stubBackend struct {
	id   provider.ID
	text string
	err  error

	mu      sync.Mutex
	prompts []string
	params  []decode.Params
}

func (b *stubBackend) ID() provider.ID { return b.id }

func (b *stubBackend) Generate(_ context.Context, prompt string, p decode.Params) (decode.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prompts = append(b.prompts, prompt)
	b.params = append(b.params, p)
	if b.err != nil {
		return decode.Result{}, b.err
	}
	return decode.Result{Text: b.text, Tokens: 3, StopReason: decode.StopEOG}, nil
}

func newTestService(env config.Profile, backends ...Backend) *Service {
	return New(Config{
		Resolver:   provider.Generation(),
		Env:        env,
		Backends:   backends,
		JobTimeout: 5 * time.Second,
	})
}

func TestGenerateDefaultsToLocal(t *testing.T) {
	local := &stubBackend{id: provider.Local, text: "hi"}
	ollama := &stubBackend{id: provider.Ollama, text: "remote"}
	s := newTestService(nil, local, ollama)
	defer s.Close()

	resp, err := s.Generate(context.Background(), Request{Prompt: "say hi", Params: decode.Params{MaxTokens: 8, Stop: []string{"\n"}}})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.Provider != provider.Local || resp.Text != "hi" {
		t.Fatalf("Generate() = %+v, want local hi", resp)
	}
	if got := local.params[0]; got.MaxTokens != 8 || len(got.Stop) != 1 {
		t.Fatalf("params = %+v, want stop and limit passed through", got)
	}
}

func TestGeneratePrefersOllamaWhenConfigured(t *testing.T) {
	local := &stubBackend{id: provider.Local, text: "local"}
	ollama := &stubBackend{id: provider.Ollama, text: "remote"}
	s := newTestService(config.Profile{"OLLAMA_URL": "http://127.0.0.1:11434"}, local, ollama)
	defer s.Close()

	resp, err := s.Generate(context.Background(), Request{Prompt: "x"})
	if err != nil || resp.Provider != provider.Ollama {
		t.Fatalf("Generate() = %+v,%v, want ollama", resp, err)
	}
}

func TestGenerateOpenAIOnlyWhenNamed(t *testing.T) {
	local := &stubBackend{id: provider.Local, text: "local"}
	oa := &stubBackend{id: provider.OpenAI, text: "cloud"}
	s := newTestService(config.Profile{"OPENAI_API_KEY": "sk"}, local, oa)
	defer s.Close()

	resp, err := s.Generate(context.Background(), Request{Prompt: "x"})
	if err != nil || resp.Provider != provider.Local {
		t.Fatalf("Generate() = %+v,%v, want local without an explicit choice", resp, err)
	}
	resp, err = s.Generate(context.Background(), Request{Prompt: "x", Provider: "openai"})
	if err != nil || resp.Provider != provider.OpenAI {
		t.Fatalf("Generate(openai) = %+v,%v, want openai", resp, err)
	}
}

func TestGenerateRejectsBadInput(t *testing.T) {
	s := newTestService(nil, &stubBackend{id: provider.Local})
	defer s.Close()

	if _, err := s.Generate(context.Background(), Request{Prompt: "  "}); err == nil {
		t.Fatalf("Generate(empty) error = nil, want error")
	}
	if _, err := s.Generate(context.Background(), Request{Prompt: "x", Provider: "acme"}); !errors.Is(err, provider.ErrUnknownProvider) {
		t.Fatalf("Generate(acme) error = %v, want ErrUnknownProvider", err)
	}
}

func TestGenerateStructuredFallsBackToBareJSON(t *testing.T) {
	local := &stubBackend{id: provider.Local, text: `{"title":"cat","tags":["pet"]}`}
	s := newTestService(nil, local)
	defer s.Close()

	var out struct {
		Title string   `json:"title"`
		Tags  []string `json:"tags"`
	}
	if _, err := s.GenerateStructured(context.Background(), Request{Prompt: "describe"}, &out); err != nil {
		t.Fatalf("GenerateStructured() error = %v", err)
	}
	if out.Title != "cat" || len(out.Tags) != 1 {
		t.Fatalf("out = %+v", out)
	}
	if !local.params[0].Structured {
		t.Fatalf("backend params Structured = false, want true")
	}
}

func TestGenerateStructuredParseFailureFailsJob(t *testing.T) {
	local := &stubBackend{id: provider.Local, text: "sorry, no json today"}
	s := newTestService(nil, local)
	defer s.Close()

	var out map[string]any
	if _, err := s.GenerateStructured(context.Background(), Request{Prompt: "x"}, &out); !errors.Is(err, decode.ErrStructuredParse) {
		t.Fatalf("GenerateStructured() error = %v, want ErrStructuredParse", err)
	}
	if len(local.prompts) != 1 {
		t.Fatalf("backend calls = %d, want 1 (no retry)", len(local.prompts))
	}
}

// wordModel answers every prompt with words followed by end-of-generation.
type wordModel struct {
	words  []string
	closed bool
}

func (m *wordModel) Tokenize(_ context.Context, text string, _ bool) ([]decode.Token, error) {
	if text == "" {
		return nil, nil
	}
	return []decode.Token{1}, nil
}

func (m *wordModel) Eval(_ context.Context, seq []decode.Token) ([]decode.TokenLogit, error) {
	step := len(seq) - 1
	if step >= len(m.words) {
		return []decode.TokenLogit{{Token: 0, Logit: 1}}, nil
	}
	return []decode.TokenLogit{{Token: decode.Token(100 + step), Logit: 1}}, nil
}

func (m *wordModel) Detokenize(_ context.Context, tokens []decode.Token) (string, error) {
	var s string
	for _, t := range tokens {
		if t >= 100 {
			s += m.words[t-100]
		}
	}
	return s, nil
}

func (m *wordModel) IsEOG(t decode.Token) bool   { return t == 0 }
func (m *wordModel) Reset(context.Context) error { return nil }
func (m *wordModel) Close() error                { m.closed = true; return nil }

func TestLocalBackendLoadsOnceAndUnloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiny.gguf")
	if err := os.WriteFile(path, []byte("gguf"), 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}
	model := &wordModel{words: []string{"hello", " world"}}
	starts := 0
	var finished []decode.Result
	local := NewLocal(LocalConfig{
		ModelPath: path,
		OnFinish:  func(r decode.Result) { finished = append(finished, r) },
		start: func(_ context.Context, rc decode.RuntimeConfig) (decode.Model, error) {
			starts++
			if rc.ModelPath != path || rc.Threads < 2 {
				t.Errorf("runtime config = %+v", rc)
			}
			return model, nil
		},
		probe: func(context.Context) modelstore.Hardware { return modelstore.Hardware{CPUs: 4} },
	})
	s := newTestService(nil, local)
	defer s.Close()

	for i := 0; i < 2; i++ {
		resp, err := s.Generate(context.Background(), Request{Prompt: "greet", Params: decode.Params{Temperature: 0}})
		if err != nil {
			t.Fatalf("Generate() error = %v", err)
		}
		if resp.Text != "hello world" || resp.StopReason != decode.StopEOG {
			t.Fatalf("Generate() = %+v, want hello world/eog", resp)
		}
	}
	if starts != 1 {
		t.Fatalf("runtime starts = %d, want 1", starts)
	}
	if len(finished) != 2 {
		t.Fatalf("OnFinish calls = %d, want 2", len(finished))
	}

	if err := s.Unload(context.Background()); err != nil {
		t.Fatalf("Unload() error = %v", err)
	}
	if !model.closed {
		t.Fatalf("model not closed by Unload")
	}
	if local.ModelState() != modelstore.StateReady {
		t.Fatalf("ModelState() = %q, want ready (artifact kept on disk)", local.ModelState())
	}
}

func TestLocalBackendMissingRuntimeKeepsModel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.gguf")
	if err := os.WriteFile(path, []byte("gguf"), 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}
	starts := 0
	local := NewLocal(LocalConfig{
		ModelPath: path,
		ModelURL:  "http://127.0.0.1:1/model.gguf",
		start: func(context.Context, decode.RuntimeConfig) (decode.Model, error) {
			starts++
			return nil, fmt.Errorf("llama-server: %w", sidecar.ErrBinaryNotFound)
		},
		probe: func(context.Context) modelstore.Hardware { return modelstore.Hardware{CPUs: 4} },
	})
	s := newTestService(nil, local)
	defer s.Close()

	_, err := s.Generate(context.Background(), Request{Prompt: "hi"})
	if !errors.Is(err, modelstore.ErrRuntime) {
		t.Fatalf("Generate() error = %v, want ErrRuntime", err)
	}
	if starts != 1 {
		t.Fatalf("runtime starts = %d, want 1", starts)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("model file removed after runtime failure: %v", err)
	}
}
