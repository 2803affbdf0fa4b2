package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ent0n29/heavyd/internal/audio"
	"github.com/ent0n29/heavyd/internal/provider"
	"github.com/ent0n29/heavyd/internal/reliability"
)

const remoteTimeout = 2 * time.Minute

// DeepgramBackend posts WAV audio to the pre-recorded /v1/listen endpoint.
type DeepgramBackend struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

func NewDeepgram(apiKey, baseURL string) *DeepgramBackend {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = "https://api.deepgram.com"
	}
	return &DeepgramBackend{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   "nova-2",
		client:  &http.Client{Timeout: remoteTimeout},
	}
}

func (b *DeepgramBackend) ID() provider.ID { return provider.Deepgram }

func (b *DeepgramBackend) Transcribe(ctx context.Context, buf audio.Buffer, language string) (string, error) {
	wav, err := buf.WAV()
	if err != nil {
		return "", err
	}
	q := url.Values{}
	q.Set("model", b.model)
	q.Set("smart_format", "true")
	q.Set("punctuate", "true")
	if language != "" {
		q.Set("language", language)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v1/listen?"+q.Encode(), bytes.NewReader(wav))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Token "+b.apiKey)
	req.Header.Set("Content-Type", "audio/wav")

	resp, err := b.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", reliability.NewBackendError("deepgram", resp)
	}

	var out struct {
		Results struct {
			Channels []struct {
				Alternatives []struct {
					Transcript string `json:"transcript"`
				} `json:"alternatives"`
			} `json:"channels"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode deepgram response: %w", err)
	}
	if len(out.Results.Channels) == 0 || len(out.Results.Channels[0].Alternatives) == 0 {
		return "", nil
	}
	return strings.TrimSpace(out.Results.Channels[0].Alternatives[0].Transcript), nil
}

// OpenAIBackend uses the multipart /audio/transcriptions endpoint.
type OpenAIBackend struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

func NewOpenAI(apiKey, baseURL, model string) *OpenAIBackend {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if strings.TrimSpace(model) == "" {
		model = "whisper-1"
	}
	return &OpenAIBackend{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: remoteTimeout},
	}
}

func (b *OpenAIBackend) ID() provider.ID { return provider.OpenAI }

func (b *OpenAIBackend) Transcribe(ctx context.Context, buf audio.Buffer, language string) (string, error) {
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
	_ = mw.WriteField("model", b.model)
	_ = mw.WriteField("response_format", "json")
	if language != "" {
		_ = mw.WriteField("language", language)
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/audio/transcriptions", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+b.apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := b.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", reliability.NewBackendError("openai", resp)
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode openai response: %w", err)
	}
	return strings.TrimSpace(out.Text), nil
}
