package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/heavyd/internal/audio"
	"github.com/ent0n29/heavyd/internal/config"
	"github.com/ent0n29/heavyd/internal/decode"
	"github.com/ent0n29/heavyd/internal/generate"
	"github.com/ent0n29/heavyd/internal/jobstore"
	"github.com/ent0n29/heavyd/internal/modelstore"
	"github.com/ent0n29/heavyd/internal/observability"
	"github.com/ent0n29/heavyd/internal/protocol"
	"github.com/ent0n29/heavyd/internal/provider"
	"github.com/ent0n29/heavyd/internal/queue"
	"github.com/ent0n29/heavyd/internal/reliability"
	"github.com/ent0n29/heavyd/internal/transcribe"
	"github.com/ent0n29/heavyd/internal/vision"
)

const maxUploadBytes = 64 << 20

type Transcriber interface {
	Transcribe(ctx context.Context, raw []byte, opts transcribe.Options) (string, bool, error)
	Enqueue(raw []byte, opts transcribe.Options) (*queue.Future[transcribe.Outcome], error)
}

type Generator interface {
	Generate(ctx context.Context, req generate.Request) (generate.Response, error)
	Enqueue(req generate.Request) (*queue.Future[generate.Response], error)
	Unload(ctx context.Context) error
}

type Describer interface {
	Describe(ctx context.Context, image []byte, prompt, providerOverride string) (vision.Description, error)
	Enqueue(image []byte, prompt, providerOverride string) (*queue.Future[vision.Description], error)
}

type JobReader interface {
	Get(ctx context.Context, id string) (jobstore.Record, error)
}

type Deps struct {
	Transcriber Transcriber
	Generator   Generator
	Describer   Describer
	Jobs        JobReader
	Hub         *Hub
	Metrics     *observability.Metrics
	// StoreMode names the job store backend for health output.
	StoreMode string
	// ModelStates reports local model lifecycle states by name.
	ModelStates func() map[string]modelstore.State
}

type Server struct {
	cfg      config.Config
	deps     Deps
	upgrader websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	if deps.Hub == nil {
		deps.Hub = NewHub(deps.Metrics)
	}
	return &Server{
		cfg:  cfg,
		deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	if s.cfg.AllowAnyOrigin {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}
	for _, m := range middlewareChain() {
		r.Use(m)
	}

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics.Handler())
	}

	r.Group(func(g chi.Router) {
		g.Use(apiKeyMiddleware(s.cfg.APIKey))
		g.Post("/v1/transcribe", s.handleTranscribe)
		g.Post("/v1/generate", s.handleGenerate)
		g.Post("/v1/generate/unload", s.handleUnload)
		g.Post("/v1/describe", s.handleDescribe)
		g.Get("/v1/jobs/{id}", s.handleGetJob)
		g.Get("/v1/events", s.handleEvents)
		g.Get("/v1/perf/latency", s.handlePerfLatency)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"job_store_mode": s.storeMode(),
		"subscribers":    s.deps.Hub.Subscribers(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	models := map[string]modelstore.State{}
	if s.deps.ModelStates != nil {
		models = s.deps.ModelStates()
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ready",
		"job_store_mode": s.storeMode(),
		"models":         models,
	})
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if s.deps.Transcriber == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "transcription not configured")
		return
	}
	raw, err := readUpload(w, r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	q := r.URL.Query()
	opts := transcribe.Options{
		Language: strings.TrimSpace(q.Get("language")),
		Provider: strings.TrimSpace(q.Get("provider")),
	}

	if isAsync(r) {
		f, err := s.deps.Transcriber.Enqueue(raw, opts)
		if err != nil {
			respondFailure(w, err)
			return
		}
		if f == nil {
			respondJSON(w, http.StatusOK, transcribeResponse{Reason: "too_short"})
			return
		}
		respondAccepted(w, f.ID(), provider.CapabilityTranscription)
		return
	}

	text, ok, err := s.deps.Transcriber.Transcribe(r.Context(), raw, opts)
	if err != nil {
		respondFailure(w, err)
		return
	}
	if !ok {
		respondJSON(w, http.StatusOK, transcribeResponse{Reason: "too_short"})
		return
	}
	respondJSON(w, http.StatusOK, transcribeResponse{Text: &text, OK: true})
}

type transcribeResponse struct {
	Text   *string `json:"text"`
	OK     bool    `json:"ok"`
	Reason string  `json:"reason,omitempty"`
}

type generateRequest struct {
	Prompt           string   `json:"prompt"`
	Temperature      *float64 `json:"temperature"`
	TopK             int      `json:"top_k"`
	TopP             float64  `json:"top_p"`
	MaxTokens        int      `json:"max_tokens"`
	Stop             []string `json:"stop"`
	RepeatPenalty    float64  `json:"repeat_penalty"`
	FrequencyPenalty float64  `json:"frequency_penalty"`
	PresencePenalty  float64  `json:"presence_penalty"`
	Seed             int64    `json:"seed"`
	Structured       bool     `json:"structured"`
	Provider         string   `json:"provider"`
	Async            bool     `json:"async"`
}

func (g generateRequest) toRequest() generate.Request {
	p := decode.Params{
		Temperature:      decode.DefaultParams().Temperature,
		TopK:             g.TopK,
		TopP:             g.TopP,
		MaxTokens:        g.MaxTokens,
		Stop:             g.Stop,
		RepeatPenalty:    g.RepeatPenalty,
		FrequencyPenalty: g.FrequencyPenalty,
		PresencePenalty:  g.PresencePenalty,
		Seed:             g.Seed,
		Structured:       g.Structured,
	}
	if g.Temperature != nil {
		p.Temperature = *g.Temperature
	}
	return generate.Request{Prompt: g.Prompt, Params: p, Provider: g.Provider}
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if s.deps.Generator == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "generation not configured")
		return
	}
	var body generateRequest
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(body.Prompt) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "prompt is required")
		return
	}
	req := body.toRequest()

	if body.Async || isAsync(r) {
		f, err := s.deps.Generator.Enqueue(req)
		if err != nil {
			respondFailure(w, err)
			return
		}
		respondAccepted(w, f.ID(), provider.CapabilityGeneration)
		return
	}

	resp, err := s.deps.Generator.Generate(r.Context(), req)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUnload(w http.ResponseWriter, r *http.Request) {
	if s.deps.Generator == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "generation not configured")
		return
	}
	if err := s.deps.Generator.Unload(r.Context()); err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "unloaded"})
}

func (s *Server) handleDescribe(w http.ResponseWriter, r *http.Request) {
	if s.deps.Describer == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "image description not configured")
		return
	}
	img, err := readUpload(w, r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	q := r.URL.Query()
	prompt := strings.TrimSpace(q.Get("prompt"))
	override := strings.TrimSpace(q.Get("provider"))

	if isAsync(r) {
		f, err := s.deps.Describer.Enqueue(img, prompt, override)
		if err != nil {
			respondFailure(w, err)
			return
		}
		respondAccepted(w, f.ID(), provider.CapabilityImageDescription)
		return
	}

	d, err := s.deps.Describer.Describe(r.Context(), img, prompt, override)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "job store not configured")
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	rec, err := s.deps.Jobs.Get(r.Context(), id)
	if errors.Is(err, jobstore.ErrNotFound) {
		respondError(w, http.StatusNotFound, "job_not_found", "no job with id "+id)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "job_store", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Metrics == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": "",
			"window_size":  0,
			"capabilities": []any{},
		})
		return
	}
	respondJSON(w, http.StatusOK, s.deps.Metrics.LatencySnapshot())
}

// handleEvents streams hub messages to a websocket client. Client frames
// may narrow the stream with a subscribe message or ping for liveness.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := s.deps.Hub.subscribe()
	defer s.deps.Hub.unsubscribe(sub)
	if q := r.URL.Query(); q.Get("job_id") != "" || q.Get("capability") != "" {
		f := protocol.Subscribe{Type: protocol.TypeSubscribe, JobID: strings.TrimSpace(q.Get("job_id"))}
		if c := strings.TrimSpace(q.Get("capability")); c != "" {
			f.Capabilities = strings.Split(strings.ToLower(c), ",")
		}
		sub.setFilter(f)
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	replies := make(chan any, 16)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ping := time.NewTicker(30 * time.Second)
		defer ping.Stop()
		for {
			var msg any
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					cancel()
					return
				}
				continue
			case msg = <-sub.ch:
			case msg = <-replies:
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				cancel()
				return
			}
			if t, ok := protocol.TypeOf(msg); ok && s.deps.Metrics != nil {
				s.deps.Metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
			}
		}
	}()

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		if msgType != websocket.TextMessage {
			continue
		}
		var reply any
		parsed, err := protocol.ParseClientMessage(data)
		switch m := parsed.(type) {
		case protocol.Subscribe:
			sub.setFilter(m)
		case protocol.Ping:
			reply = protocol.Pong{Type: protocol.TypePong, TSMs: m.TSMs}
		}
		if err != nil {
			reply = protocol.ErrorEvent{Type: protocol.TypeErrorEvent, Code: "invalid_client_message", Detail: err.Error()}
		}
		if t, ok := protocol.TypeOf(parsed); ok && s.deps.Metrics != nil {
			s.deps.Metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}
		if reply != nil {
			select {
			case replies <- reply:
			default:
				// Keep websocket writes single-threaded; drop if the reply queue is saturated.
			}
		}
	}

	cancel()
	<-writerDone
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable,omitempty"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

// readUpload returns the request payload: the "file" part of a multipart
// form, or the raw body otherwise.
func readUpload(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, errEmptyBody
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	defer r.Body.Close()

	if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err == nil && mt == "multipart/form-data" {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			return nil, err
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return io.ReadAll(f)
	}

	b, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, errEmptyBody
	}
	return b, nil
}

func isAsync(r *http.Request) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get("async"))
	return v
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func respondAccepted(w http.ResponseWriter, jobID, capability string) {
	w.Header().Set("Location", "/v1/jobs/"+jobID)
	respondJSON(w, http.StatusAccepted, map[string]string{
		"job_id":     jobID,
		"capability": capability,
		"status":     string(jobstore.StatusQueued),
	})
}

// respondFailure maps a job error onto a status code. Backend failures
// carry a retryable hint: the caller re-invokes, nothing retries here.
func respondFailure(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	respondJSON(w, status, errorResponse{
		Error:     err.Error(),
		Code:      code,
		Retryable: reliability.IsRetryable(err) || status == http.StatusGatewayTimeout,
	})
}

func statusFor(err error) (int, string) {
	var (
		be    *reliability.BackendError
		stage *audio.StageError
	)
	switch {
	case errors.Is(err, provider.ErrUnknownProvider):
		return http.StatusBadRequest, "unknown_provider"
	case errors.Is(err, decode.ErrStructuredParse):
		return http.StatusUnprocessableEntity, "structured_parse"
	case errors.Is(err, queue.ErrJobTimeout):
		return http.StatusGatewayTimeout, "job_timeout"
	case errors.Is(err, queue.ErrClosed):
		return http.StatusServiceUnavailable, "shutting_down"
	case errors.Is(err, modelstore.ErrModelUnavailable):
		return http.StatusServiceUnavailable, "model_unavailable"
	case errors.As(err, &be):
		return http.StatusBadGateway, "backend_error"
	case errors.As(err, &stage):
		return http.StatusUnprocessableEntity, "audio_" + stage.Stage
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "deadline"
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout, "canceled"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) storeMode() string {
	if strings.TrimSpace(s.deps.StoreMode) == "" {
		return "in-memory"
	}
	return s.deps.StoreMode
}
