package decode

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/ent0n29/heavyd/internal/reliability"
	"github.com/ent0n29/heavyd/internal/sidecar"
)

// eogMarkers are end-of-generation pieces across common chat templates.
var eogMarkers = []string{
	"</s>",
	"<|endoftext|>",
	"<|end_of_text|>",
	"<|eot_id|>",
	"<|im_end|>",
	"<|end|>",
	"<end_of_turn>",
	"<eos>",
}

type RuntimeConfig struct {
	Binary      string
	ModelPath   string
	ContextSize int
	Threads     int
	GPULayers   int
	// TopN is how many next-token candidates each Eval requests.
	TopN int
}

// RuntimeModel implements Model against a llama-server child process. The
// server keeps the KV cache for the longest shared prefix, so re-sending the
// whole sequence per step only evaluates the new token.
type RuntimeModel struct {
	srv  *sidecar.Server
	topN int

	mu  sync.Mutex
	eog map[Token]struct{}
}

// StartRuntime spawns llama-server on loopback for cfg.ModelPath and waits
// until the model is loaded.
func StartRuntime(ctx context.Context, cfg RuntimeConfig) (*RuntimeModel, error) {
	binary := strings.TrimSpace(cfg.Binary)
	if binary == "" {
		binary = "llama-server"
	}
	srv, err := sidecar.Start(ctx, sidecar.Config{
		Name:   "llama-server",
		Binary: binary,
		Args: func(port int) []string {
			args := []string{
				"--host", "127.0.0.1",
				"--port", strconv.Itoa(port),
				"-m", cfg.ModelPath,
				"--parallel", "1",
			}
			if cfg.ContextSize > 0 {
				args = append(args, "-c", strconv.Itoa(cfg.ContextSize))
			}
			if cfg.Threads > 0 {
				args = append(args, "-t", strconv.Itoa(cfg.Threads))
			}
			if cfg.GPULayers > 0 {
				args = append(args, "-ngl", strconv.Itoa(cfg.GPULayers))
			}
			return args
		},
		ReadyPath: "/health",
	})
	if err != nil {
		return nil, err
	}
	m, err := NewRuntimeModel(ctx, srv, cfg.TopN)
	if err != nil {
		_ = srv.Close()
		return nil, err
	}
	return m, nil
}

// NewRuntimeModel binds to a running server and resolves its EOG tokens.
func NewRuntimeModel(ctx context.Context, srv *sidecar.Server, topN int) (*RuntimeModel, error) {
	if topN <= 0 {
		topN = 64
	}
	m := &RuntimeModel{srv: srv, topN: topN, eog: make(map[Token]struct{})}
	resolved := 0
	for _, marker := range eogMarkers {
		toks, err := m.Tokenize(ctx, marker, false)
		if err != nil {
			return nil, fmt.Errorf("probe runtime vocabulary: %w", err)
		}
		if len(toks) == 1 {
			m.eog[toks[0]] = struct{}{}
			resolved++
		}
	}
	if resolved == 0 {
		return nil, errors.New("runtime vocabulary has no known end-of-generation token")
	}
	return m, nil
}

func (m *RuntimeModel) Tokenize(ctx context.Context, text string, addSpecial bool) ([]Token, error) {
	var out struct {
		Tokens []Token `json:"tokens"`
	}
	in := map[string]any{"content": text, "add_special": addSpecial, "parse_special": true}
	if err := m.srv.PostJSON(ctx, "/tokenize", in, &out); err != nil {
		return nil, err
	}
	return out.Tokens, nil
}

func (m *RuntimeModel) Detokenize(ctx context.Context, tokens []Token) (string, error) {
	var out struct {
		Content string `json:"content"`
	}
	if err := m.srv.PostJSON(ctx, "/detokenize", map[string]any{"tokens": tokens}, &out); err != nil {
		return "", err
	}
	return out.Content, nil
}

type runtimeLogprob struct {
	ID      Token   `json:"id"`
	Token   string  `json:"token"`
	Logprob float64 `json:"logprob"`
}

type runtimeCompletion struct {
	CompletionProbabilities []struct {
		TopLogprobs []runtimeLogprob `json:"top_logprobs"`
	} `json:"completion_probabilities"`
}

// Eval asks the server for a single-step distribution over the top-N
// candidates. The server's own sampled token is ignored.
func (m *RuntimeModel) Eval(ctx context.Context, seq []Token) ([]TokenLogit, error) {
	in := map[string]any{
		"prompt":              seq,
		"n_predict":           1,
		"n_probs":             m.topN,
		"cache_prompt":        true,
		"stream":              false,
		"post_sampling_probs": false,
		"temperature":         0,
	}
	var out runtimeCompletion
	if err := m.srv.PostJSON(ctx, "/completion", in, &out); err != nil {
		return nil, err
	}
	if len(out.CompletionProbabilities) == 0 || len(out.CompletionProbabilities[0].TopLogprobs) == 0 {
		return nil, errors.New("runtime returned no candidate probabilities")
	}
	top := out.CompletionProbabilities[0].TopLogprobs
	cands := make([]TokenLogit, 0, len(top))
	for _, lp := range top {
		if isEOGMarker(lp.Token) {
			m.mu.Lock()
			m.eog[lp.ID] = struct{}{}
			m.mu.Unlock()
		}
		cands = append(cands, TokenLogit{Token: lp.ID, Logit: lp.Logprob})
	}
	return cands, nil
}

func (m *RuntimeModel) IsEOG(t Token) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.eog[t]
	return ok
}

// Reset erases the server's slot cache. Servers built without slot
// management answer with a non-retryable status, treated as already clean.
func (m *RuntimeModel) Reset(ctx context.Context) error {
	err := m.srv.PostJSON(ctx, "/slots/0?action=erase", struct{}{}, nil)
	var be *reliability.BackendError
	if errors.As(err, &be) && !be.Retryable() {
		return nil
	}
	return err
}

func (m *RuntimeModel) Close() error { return m.srv.Close() }

func isEOGMarker(piece string) bool {
	for _, marker := range eogMarkers {
		if piece == marker {
			return true
		}
	}
	return false
}
