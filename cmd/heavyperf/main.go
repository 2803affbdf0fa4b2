// Command heavyperf submits async jobs to a running heavyd and reports
// queue and end-to-end latency observed through /v1/events.
package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/heavyd/internal/audio"
	"github.com/ent0n29/heavyd/internal/protocol"
	"github.com/ent0n29/heavyd/internal/provider"
)

type options struct {
	baseURL    string
	apiKey     string
	capability string
	provider   string
	jobs       int
	interval   time.Duration
	jobTimeout time.Duration
	prompts    []string
	clipLen    time.Duration
	verbose    bool
}

var defaultPrompts = []string{
	"Reply in three words: queue depth?",
	"Reply in three words: slowest stage?",
	"Reply in three words: next optimization?",
}

type acceptedResponse struct {
	JobID string `json:"job_id"`
}

// sample is one job's timings. queued is submit-to-running; total is
// submit-to-terminal as seen by this client.
type sample struct {
	jobID  string
	queued time.Duration
	total  time.Duration
	failed string
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "heavyperf: %v\n", err)
		os.Exit(2)
	}
	samples, err := run(context.Background(), cfg, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "heavyperf: %v\n", err)
		os.Exit(1)
	}
	printSummary(os.Stdout, cfg.capability, samples)
}

func parseFlags(args []string) (options, error) {
	var cfg options
	var promptsRaw string
	fs := flag.NewFlagSet("heavyperf", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "heavyd base URL")
	fs.StringVar(&cfg.apiKey, "api-key", os.Getenv("APP_API_KEY"), "bearer API key, when the server requires one")
	fs.StringVar(&cfg.capability, "capability", provider.CapabilityGeneration, "generation or transcription")
	fs.StringVar(&cfg.provider, "provider", "", "optional provider override")
	fs.IntVar(&cfg.jobs, "jobs", 10, "number of jobs to submit")
	fs.DurationVar(&cfg.interval, "interval", 50*time.Millisecond, "delay between submissions")
	fs.DurationVar(&cfg.jobTimeout, "job-timeout", 2*time.Minute, "how long to wait for all jobs to finish")
	fs.StringVar(&promptsRaw, "prompts", "", "generation prompts separated by '|' (optional)")
	fs.DurationVar(&cfg.clipLen, "clip", 2*time.Second, "synthetic audio length for transcription jobs")
	fs.BoolVar(&cfg.verbose, "verbose", false, "print each job event")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	cfg.capability = strings.ToLower(strings.TrimSpace(cfg.capability))
	if cfg.capability != provider.CapabilityGeneration && cfg.capability != provider.CapabilityTranscription {
		return options{}, fmt.Errorf("capability must be %s or %s", provider.CapabilityGeneration, provider.CapabilityTranscription)
	}
	if cfg.jobs <= 0 {
		return options{}, fmt.Errorf("jobs must be > 0")
	}
	if cfg.interval < 0 {
		cfg.interval = 0
	}
	if cfg.clipLen < time.Second {
		cfg.clipLen = time.Second
	}
	for _, p := range strings.Split(promptsRaw, "|") {
		if p = strings.TrimSpace(p); p != "" {
			cfg.prompts = append(cfg.prompts, p)
		}
	}
	if len(cfg.prompts) == 0 {
		cfg.prompts = append([]string(nil), defaultPrompts...)
	}
	return cfg, nil
}

func run(ctx context.Context, cfg options, out io.Writer) ([]sample, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.jobTimeout)
	defer cancel()

	wsURL, err := eventsURL(cfg.baseURL, cfg.capability)
	if err != nil {
		return nil, fmt.Errorf("build ws URL: %w", err)
	}
	header := http.Header{}
	if cfg.apiKey != "" {
		header.Set("Authorization", "Bearer "+cfg.apiKey)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()
	if err := waitSubscribed(conn); err != nil {
		return nil, err
	}

	events := make(chan protocol.JobEvent, 256)
	readErr := make(chan error, 1)
	go readLoop(conn, events, readErr)

	client := &http.Client{Timeout: 30 * time.Second}
	var clip []byte
	if cfg.capability == provider.CapabilityTranscription {
		if clip, err = syntheticClip(cfg.clipLen); err != nil {
			return nil, err
		}
	}

	submitted := make(map[string]time.Time, cfg.jobs)
	started := make(map[string]time.Time, cfg.jobs)
	var samples []sample

	record := func(ev protocol.JobEvent) {
		at, ok := submitted[ev.JobID]
		if !ok {
			return
		}
		if cfg.verbose {
			fmt.Fprintf(out, "heavyperf: job=%s status=%s\n", ev.JobID, ev.Status)
		}
		switch ev.Status {
		case "running":
			started[ev.JobID] = time.Now()
		case "succeeded", "failed":
			s := sample{jobID: ev.JobID, total: time.Since(at), failed: ev.Error}
			if st, ok := started[ev.JobID]; ok {
				s.queued = st.Sub(at)
			}
			samples = append(samples, s)
			delete(submitted, ev.JobID)
		}
	}
	drain := func() {
		for {
			select {
			case ev := <-events:
				record(ev)
			default:
				return
			}
		}
	}

	for i := 0; i < cfg.jobs; i++ {
		id, err := submit(ctx, client, cfg, i, clip)
		if err != nil {
			return samples, fmt.Errorf("job %d submit: %w", i+1, err)
		}
		submitted[id] = time.Now()
		drain()
		if cfg.interval > 0 && i < cfg.jobs-1 {
			time.Sleep(cfg.interval)
		}
	}

	for len(samples) < cfg.jobs {
		select {
		case ev := <-events:
			record(ev)
		case err := <-readErr:
			return samples, fmt.Errorf("ws read: %w", err)
		case <-ctx.Done():
			return samples, fmt.Errorf("%d of %d jobs unfinished: %w", cfg.jobs-len(samples), cfg.jobs, ctx.Err())
		}
	}
	return samples, nil
}

func submit(ctx context.Context, client *http.Client, cfg options, i int, clip []byte) (string, error) {
	var req *http.Request
	var err error
	switch cfg.capability {
	case provider.CapabilityTranscription:
		q := url.Values{"async": {"true"}}
		if cfg.provider != "" {
			q.Set("provider", cfg.provider)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/transcribe?"+q.Encode(), bytes.NewReader(clip))
		if err == nil {
			req.Header.Set("Content-Type", "audio/wav")
		}
	default:
		body, _ := json.Marshal(map[string]any{
			"prompt":     cfg.prompts[i%len(cfg.prompts)],
			"max_tokens": 16,
			"provider":   cfg.provider,
			"async":      true,
		})
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/generate", bytes.NewReader(body))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return "", err
	}
	if cfg.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var out acceptedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.JobID == "" {
		return "", fmt.Errorf("missing job_id")
	}
	return out.JobID, nil
}

func eventsURL(baseURL, capability string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/events"
	q := u.Query()
	q.Set("capability", capability)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// waitSubscribed round-trips a ping so no job event is published before
// the server registered this connection.
func waitSubscribed(conn *websocket.Conn) error {
	ts := time.Now().UnixMilli()
	if err := conn.WriteJSON(protocol.Ping{Type: protocol.TypePing, TSMs: ts}); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	defer conn.SetReadDeadline(time.Time{})
	for {
		var pong protocol.Pong
		if err := conn.ReadJSON(&pong); err != nil {
			return fmt.Errorf("await pong: %w", err)
		}
		if pong.Type == protocol.TypePong && pong.TSMs == ts {
			return nil
		}
	}
}

func readLoop(conn *websocket.Conn, events chan<- protocol.JobEvent, readErr chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErr <- err:
			default:
			}
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type != protocol.TypeJobEvent {
			continue
		}
		var ev protocol.JobEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		events <- ev
	}
}

// syntheticClip is a 440Hz tone WAV at the canonical sample rate.
func syntheticClip(d time.Duration) ([]byte, error) {
	rate := audio.CanonicalSampleRate
	n := int(d.Seconds() * float64(rate))
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(8000 * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	return audio.EncodeWAVPCM16LE(pcm, rate)
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func printSummary(out io.Writer, capability string, samples []sample) {
	var queued, total []time.Duration
	failed := 0
	for _, s := range samples {
		if s.failed != "" {
			failed++
		}
		queued = append(queued, s.queued)
		total = append(total, s.total)
	}
	sort.Slice(queued, func(i, j int) bool { return queued[i] < queued[j] })
	sort.Slice(total, func(i, j int) bool { return total[i] < total[j] })
	fmt.Fprintf(out, "heavyperf: capability=%s jobs=%d failed=%d\n", capability, len(samples), failed)
	fmt.Fprintf(out, "  queue wait  p50=%s p95=%s max=%s\n", percentile(queued, 50), percentile(queued, 95), percentile(queued, 100))
	fmt.Fprintf(out, "  end-to-end  p50=%s p95=%s max=%s\n", percentile(total, 50), percentile(total, 95), percentile(total, 100))
}
