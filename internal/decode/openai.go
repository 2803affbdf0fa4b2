package decode

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/heavyd/internal/reliability"
)

const DefaultOpenAIURL = "https://api.openai.com/v1"

// OpenAIClient talks to any OpenAI-compatible /chat/completions endpoint.
// Like OllamaClient it has no manual loop: stop and limit semantics travel
// as request fields.
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

func NewOpenAIClient(baseURL, apiKey, model string, timeout time.Duration) *OpenAIClient {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultOpenAIURL
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &OpenAIClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *OpenAIClient) Model() string { return c.model }

type chatContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *chatImageURL `json:"image_url,omitempty"`
}

type chatImageURL struct {
	URL string `json:"url"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatResponseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model            string              `json:"model"`
	Messages         []chatMessage       `json:"messages"`
	Temperature      float64             `json:"temperature"`
	TopP             float64             `json:"top_p,omitempty"`
	MaxTokens        int                 `json:"max_tokens,omitempty"`
	Stop             []string            `json:"stop,omitempty"`
	FrequencyPenalty float64             `json:"frequency_penalty,omitempty"`
	PresencePenalty  float64             `json:"presence_penalty,omitempty"`
	Seed             int64               `json:"seed,omitempty"`
	ResponseFormat   *chatResponseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (c *OpenAIClient) Generate(ctx context.Context, prompt string, p Params) (Result, error) {
	return c.GenerateWithImages(ctx, c.model, prompt, nil, p)
}

// GenerateWithImages sends prompt as a single user message. Images are
// inlined as data URLs.
func (c *OpenAIClient) GenerateWithImages(ctx context.Context, model, prompt string, images [][]byte, p Params) (Result, error) {
	p = p.WithDefaults()
	msg := chatMessage{Role: "user", Content: prompt}
	if len(images) > 0 {
		parts := []chatContentPart{{Type: "text", Text: prompt}}
		for _, img := range images {
			parts = append(parts, chatContentPart{
				Type:     "image_url",
				ImageURL: &chatImageURL{URL: dataURL(img)},
			})
		}
		msg.Content = parts
	}
	req := chatRequest{
		Model:            model,
		Messages:         []chatMessage{msg},
		Temperature:      p.Temperature,
		TopP:             p.TopP,
		MaxTokens:        p.MaxTokens,
		Stop:             p.Stop,
		FrequencyPenalty: p.FrequencyPenalty,
		PresencePenalty:  p.PresencePenalty,
		Seed:             p.Seed,
	}
	if p.Structured {
		req.ResponseFormat = &chatResponseFormat{Type: "json_object"}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Result{}, reliability.NewBackendError("openai", resp)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return Result{}, fmt.Errorf("openai: empty choices")
	}
	reason := StopEOG
	if out.Choices[0].FinishReason == "length" {
		reason = StopLength
	}
	return Result{
		Text:       strings.TrimSpace(out.Choices[0].Message.Content),
		Tokens:     out.Usage.CompletionTokens,
		StopReason: reason,
	}, nil
}

func dataURL(b []byte) string {
	mime := http.DetectContentType(b)
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(b)
}
