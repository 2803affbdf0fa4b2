// Package sidecar runs a local inference runtime binary as a child HTTP
// server bound to loopback and tears it down with its owner.
package sidecar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/heavyd/internal/reliability"
)

// ErrBinaryNotFound is returned by Start when the runtime binary cannot be
// resolved on PATH.
var ErrBinaryNotFound = errors.New("binary not found")

type Config struct {
	// Name labels errors and logs, e.g. "llama-server".
	Name   string
	Binary string
	// Args builds the command line for the allocated port.
	Args func(port int) []string
	// ReadyPath is polled with GET until it answers 200.
	ReadyPath    string
	ReadyTimeout time.Duration
}

type Server struct {
	name    string
	baseURL string
	client  *http.Client
	logTail *tailBuffer

	mu     sync.Mutex
	cmd    *exec.Cmd
	closed bool
}

// Start launches the binary and blocks until it is reachable or the ready
// timeout expires.
func Start(ctx context.Context, cfg Config) (*Server, error) {
	path, err := exec.LookPath(cfg.Binary)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", cfg.Name, ErrBinaryNotFound, err)
	}
	port, err := pickFreePort()
	if err != nil {
		return nil, err
	}

	tail := newTailBuffer(24 << 10)
	cmd := exec.Command(path, cfg.Args(port)...)
	injectLibraryEnv(cmd, path)
	cmd.Stdout = tail
	cmd.Stderr = tail
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	s := &Server{
		name:    cfg.Name,
		baseURL: fmt.Sprintf("http://127.0.0.1:%d", port),
		client:  &http.Client{},
		logTail: tail,
		cmd:     cmd,
	}

	timeout := cfg.ReadyTimeout
	if timeout <= 0 {
		timeout = 25 * time.Second
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			break
		}
		if s.ready(ctx, cfg.ReadyPath) {
			return s, nil
		}
		time.Sleep(80 * time.Millisecond)
	}

	_ = s.Close()
	cause := "timed out"
	if err := ctx.Err(); err != nil {
		cause = err.Error()
	}
	msg := strings.TrimSpace(tail.String())
	if msg == "" {
		msg = "no output"
	}
	return nil, fmt.Errorf("%s not ready after %s (%s): %s", cfg.Name, timeout, cause, msg)
}

// Attach wraps an already running server, e.g. one managed outside heavyd.
func Attach(name, baseURL string) *Server {
	return &Server{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
		logTail: newTailBuffer(0),
	}
}

func (s *Server) ready(ctx context.Context, path string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (s *Server) BaseURL() string { return s.baseURL }

func (s *Server) Client() *http.Client { return s.client }

// LogTail returns the last few KiB of the child's output.
func (s *Server) LogTail() string { return s.logTail.String() }

// PostJSON sends in as JSON to path and decodes the response into out.
func (s *Server) PostJSON(ctx context.Context, path string, in, out any) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("%s closed", s.name)
	}

	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return reliability.NewBackendError(s.name, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(out)
}

func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cmd := s.cmd
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	_ = cmd.Process.Signal(os.Interrupt)
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-time.After(1200 * time.Millisecond):
		_ = cmd.Process.Kill()
		<-done
	case <-done:
	}
	return nil
}

func pickFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	addr, ok := l.Addr().(*net.TCPAddr)
	if !ok || addr == nil || addr.Port == 0 {
		return 0, fmt.Errorf("failed to allocate port")
	}
	return addr.Port, nil
}

// injectLibraryEnv points the dynamic loader at a lib dir shipped next to
// the binary (Homebrew-style and release tarball layouts).
func injectLibraryEnv(cmd *exec.Cmd, toolPath string) {
	toolDir := filepath.Dir(strings.TrimSpace(toolPath))
	libDir := ""
	for _, candidate := range []string{
		filepath.Clean(filepath.Join(toolDir, "..", "lib")),
		filepath.Clean(filepath.Join(toolDir, "lib")),
	} {
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			libDir = candidate
			break
		}
	}
	if libDir == "" {
		return
	}
	env := cmd.Env
	if len(env) == 0 {
		env = os.Environ()
	}
	env = prependPathEnv(env, "DYLD_FALLBACK_LIBRARY_PATH", libDir)
	env = prependPathEnv(env, "DYLD_LIBRARY_PATH", libDir)
	env = prependPathEnv(env, "LD_LIBRARY_PATH", libDir)
	cmd.Env = env
}

func prependPathEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i := range env {
		if !strings.HasPrefix(env[i], prefix) {
			continue
		}
		current := strings.TrimPrefix(env[i], prefix)
		if pathListContains(current, value) {
			return env
		}
		if strings.TrimSpace(current) == "" {
			env[i] = prefix + value
		} else {
			env[i] = prefix + value + string(os.PathListSeparator) + current
		}
		return env
	}
	return append(env, prefix+value)
}

func pathListContains(pathList, value string) bool {
	value = filepath.Clean(value)
	for _, item := range filepath.SplitList(pathList) {
		if filepath.Clean(strings.TrimSpace(item)) == value {
			return true
		}
	}
	return false
}

type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newTailBuffer(max int) *tailBuffer {
	if max <= 0 {
		max = 16 << 10
	}
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
