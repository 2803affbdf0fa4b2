package decode

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/heavyd/internal/reliability"
)

const DefaultOllamaURL = "http://localhost:11434"

// OllamaClient is the remote execution path: the same contract as Decoder,
// with stop and limit semantics passed as request options.
type OllamaClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

func NewOllamaClient(baseURL, model string, timeout time.Duration) *OllamaClient {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultOllamaURL
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &OllamaClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *OllamaClient) Model() string { return c.model }

type ollamaOptions struct {
	Temperature      float64  `json:"temperature"`
	TopK             int      `json:"top_k,omitempty"`
	TopP             float64  `json:"top_p,omitempty"`
	NumPredict       int      `json:"num_predict,omitempty"`
	RepeatPenalty    float64  `json:"repeat_penalty,omitempty"`
	RepeatLastN      int      `json:"repeat_last_n,omitempty"`
	FrequencyPenalty float64  `json:"frequency_penalty,omitempty"`
	PresencePenalty  float64  `json:"presence_penalty,omitempty"`
	Seed             int64    `json:"seed,omitempty"`
	Stop             []string `json:"stop,omitempty"`
}

type ollamaGenerateRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	Stream  bool          `json:"stream"`
	Format  string        `json:"format,omitempty"`
	Images  []string      `json:"images,omitempty"`
	Options ollamaOptions `json:"options"`
}

type ollamaGenerateResponse struct {
	Response   string `json:"response"`
	Done       bool   `json:"done"`
	DoneReason string `json:"done_reason"`
	EvalCount  int    `json:"eval_count"`
	Error      string `json:"error,omitempty"`
}

func (c *OllamaClient) Generate(ctx context.Context, prompt string, p Params) (Result, error) {
	return c.GenerateWithImages(ctx, c.model, prompt, nil, p)
}

// GenerateWithImages calls /api/generate on model with optional images.
func (c *OllamaClient) GenerateWithImages(ctx context.Context, model, prompt string, images [][]byte, p Params) (Result, error) {
	p = p.WithDefaults()
	req := ollamaGenerateRequest{
		Model:  model,
		Prompt: prompt,
		Stream: false,
		Options: ollamaOptions{
			Temperature:      p.Temperature,
			TopK:             p.TopK,
			TopP:             p.TopP,
			NumPredict:       p.MaxTokens,
			RepeatPenalty:    p.RepeatPenalty,
			RepeatLastN:      p.RepeatLastN,
			FrequencyPenalty: p.FrequencyPenalty,
			PresencePenalty:  p.PresencePenalty,
			Seed:             p.Seed,
			Stop:             p.Stop,
		},
	}
	if p.Structured {
		req.Format = "json"
	}
	for _, img := range images {
		req.Images = append(req.Images, base64.StdEncoding.EncodeToString(img))
	}

	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Result{}, reliability.NewBackendError("ollama", resp)
	}

	var out ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("decode response: %w", err)
	}
	if out.Error != "" {
		return Result{}, fmt.Errorf("ollama: %s", out.Error)
	}

	reason := StopEOG
	if out.DoneReason == "length" {
		reason = StopLength
	}
	return Result{
		Text:       strings.TrimSpace(out.Response),
		Tokens:     out.EvalCount,
		StopReason: reason,
	}, nil
}

// Tags lists the models the server has pulled.
func (c *OllamaClient) Tags(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, reliability.NewBackendError("ollama", resp)
	}
	var out struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&out); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(out.Models))
	for _, m := range out.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// IsAvailable reports whether the server answers.
func (c *OllamaClient) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := c.Tags(ctx)
	return err == nil
}
