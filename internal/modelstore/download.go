package modelstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/heavyd/internal/reliability"
)

const defaultMaxRedirects = 10

// Progress is a monotonic download progress report. Total is -1 when the
// server did not send a content length.
type Progress struct {
	Name       string
	Downloaded int64
	Total      int64
}

// Percent returns 0..100, or -1 when Total is unknown.
func (p Progress) Percent() int {
	if p.Total <= 0 {
		return -1
	}
	return int(p.Downloaded * 100 / p.Total)
}

// Downloader streams an artifact to disk following redirects explicitly.
type Downloader struct {
	Client       *http.Client
	MaxRedirects int
	// Progress receives reports without ever blocking the transfer; reports
	// are dropped while the channel is full.
	Progress chan<- Progress
	// OnBytes is called with every chunk size written.
	OnBytes func(n int64)
	Log     zerolog.Logger
}

func (d *Downloader) client() *http.Client {
	base := d.Client
	if base == nil {
		base = &http.Client{Timeout: 30 * time.Minute}
	}
	c := *base
	c.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &c
}

// Fetch downloads src into dest via dest+".download" and an atomic rename.
func (d *Downloader) Fetch(ctx context.Context, name, src, dest string) error {
	src = strings.TrimSpace(src)
	if src == "" {
		return fmt.Errorf("no source url for %s", name)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	resp, err := d.follow(ctx, name, src)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	tmpPath := dest + ".download"
	if err := os.RemoveAll(tmpPath); err != nil {
		return err
	}
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	pw := &progressWriter{
		name:  name,
		total: resp.ContentLength,
		d:     d,
		next:  10,
	}
	n, copyErr := io.Copy(io.MultiWriter(f, pw), resp.Body)
	closeErr := f.Close()
	if copyErr != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("download %s: %w", name, copyErr)
	}
	if closeErr != nil {
		_ = os.Remove(tmpPath)
		return closeErr
	}
	if n <= 0 {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("downloaded empty payload for %s", name)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	d.Log.Info().Str("model", name).Int64("bytes", n).Msg("download complete")
	return nil
}

// follow issues GETs until a non-redirect response arrives.
func (d *Downloader) follow(ctx context.Context, name, src string) (*http.Response, error) {
	client := d.client()
	maxHops := d.MaxRedirects
	if maxHops <= 0 {
		maxHops = defaultMaxRedirects
	}
	current := src
	for hop := 0; ; hop++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, current, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("download %s: %w", name, err)
		}
		if resp.StatusCode >= 300 && resp.StatusCode < 400 {
			loc := strings.TrimSpace(resp.Header.Get("Location"))
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			if loc == "" {
				return nil, fmt.Errorf("download %s: http %d without Location", name, resp.StatusCode)
			}
			if hop+1 > maxHops {
				return nil, fmt.Errorf("download %s: more than %d redirects", name, maxHops)
			}
			next, err := resolveLocation(current, loc)
			if err != nil {
				return nil, fmt.Errorf("download %s: bad redirect %q: %w", name, loc, err)
			}
			d.Log.Debug().Str("model", name).Str("location", next).Msg("following redirect")
			current = next
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			defer resp.Body.Close()
			return nil, reliability.NewBackendError("download", resp)
		}
		return resp, nil
	}
}

func resolveLocation(base, loc string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	l, err := url.Parse(loc)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(l).String(), nil
}

type progressWriter struct {
	name       string
	total      int64
	downloaded int64
	next       int
	d          *Downloader
}

func (w *progressWriter) Write(p []byte) (int, error) {
	n := len(p)
	w.downloaded += int64(n)
	if w.d.OnBytes != nil {
		w.d.OnBytes(int64(n))
	}
	report := Progress{Name: w.name, Downloaded: w.downloaded, Total: w.total}
	if report.Total <= 0 {
		report.Total = -1
	}
	if w.d.Progress != nil {
		select {
		case w.d.Progress <- report:
		default:
		}
	}
	if pct := report.Percent(); pct >= w.next {
		w.d.Log.Info().Str("model", w.name).Int("percent", pct).Msgf("downloading model %s %d%%", w.name, pct)
		for w.next <= pct {
			w.next += 10
		}
	}
	return n, nil
}
