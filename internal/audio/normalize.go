package audio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/heavyd/internal/logx"
)

type NormalizerConfig struct {
	FFmpeg   string
	FFprobe  string
	CacheDir string
	DebugDir string
	Debug    bool
}

// Normalizer converts raw audio of any container or codec into a canonical
// Buffer via ffprobe and ffmpeg.
type Normalizer struct {
	ffmpeg   string
	ffprobe  string
	cacheDir string
	debugDir string
	debug    bool

	runner commandRunner
	now    func() time.Time
	seq    atomic.Uint64
	log    zerolog.Logger

	debugWG sync.WaitGroup
}

func NewNormalizer(cfg NormalizerConfig) *Normalizer {
	n := &Normalizer{
		ffmpeg:   firstNonEmpty(cfg.FFmpeg, "ffmpeg"),
		ffprobe:  firstNonEmpty(cfg.FFprobe, "ffprobe"),
		cacheDir: firstNonEmpty(cfg.CacheDir, filepath.Join(os.TempDir(), "heavyd")),
		debugDir: cfg.DebugDir,
		debug:    cfg.Debug,
		runner:   execRunner{},
		now:      time.Now,
		log:      logx.Component("audio"),
	}
	if n.debugDir == "" {
		n.debugDir = filepath.Join(n.cacheDir, "debug")
	}
	return n
}

// ProbeInfo is the first audio stream as reported by ffprobe.
type ProbeInfo struct {
	Codec      string
	SampleRate int
	Channels   int
}

// Normalize returns raw as canonical mono PCM16LE at CanonicalSampleRate.
// Temporary files are removed on every path.
func (n *Normalizer) Normalize(ctx context.Context, raw []byte) (Buffer, error) {
	if len(raw) == 0 {
		return Buffer{}, &StageError{Stage: "input", Message: "empty audio payload"}
	}
	if pcm, ok := canonicalPCM(raw); ok {
		out := Buffer{PCM: pcm, SampleRate: CanonicalSampleRate}
		n.saveDebug(raw, out)
		return out, nil
	}

	if err := os.MkdirAll(n.cacheDir, 0o755); err != nil {
		return Buffer{}, &StageError{Stage: "input", Message: "cannot create cache dir", Err: err}
	}
	stamp := n.stamp()
	inPath := filepath.Join(n.cacheDir, "input_"+stamp+".bin")
	outPath := filepath.Join(n.cacheDir, "output_"+stamp+".pcm")
	defer func() {
		for _, p := range []string{inPath, outPath} {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				n.log.Warn().Err(err).Str("path", p).Msg("temp cleanup failed")
			}
		}
	}()

	if err := os.WriteFile(inPath, raw, 0o600); err != nil {
		return Buffer{}, &StageError{Stage: "input", Message: "cannot persist input", Err: err}
	}

	info, err := n.Probe(ctx, inPath)
	if err != nil {
		return Buffer{}, err
	}

	args := []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-i", inPath,
		"-vn",
		"-ar", strconv.Itoa(CanonicalSampleRate),
		"-ac", "1",
	}
	if isFloatPCM(info.Codec) {
		args = append(args, "-c:a", "pcm_s16le")
	}
	args = append(args, "-f", "s16le", outPath)

	res, err := n.runner.Run(ctx, n.ffmpeg, args...)
	if err != nil {
		return Buffer{}, &StageError{
			Stage:   "convert",
			Message: "ffmpeg failed",
			Command: CommandLog{Command: n.ffmpeg, Args: args, ExitCode: res.ExitCode, Stderr: res.Stderr},
			Err:     err,
		}
	}
	pcm, err := os.ReadFile(outPath)
	if err != nil {
		return Buffer{}, &StageError{Stage: "convert", Message: "cannot read converted audio", Err: err}
	}
	if len(pcm) == 0 {
		return Buffer{}, &StageError{Stage: "convert", Message: "conversion produced no audio"}
	}

	out := Buffer{PCM: pcm, SampleRate: CanonicalSampleRate}
	n.log.Debug().
		Str("codec", info.Codec).
		Int("sample_rate", info.SampleRate).
		Int("channels", info.Channels).
		Int("bytes", len(pcm)).
		Msg("audio normalized")
	n.saveDebug(raw, out)
	return out, nil
}

// Probe reads codec, sample rate and channel count of the first audio stream.
func (n *Normalizer) Probe(ctx context.Context, path string) (ProbeInfo, error) {
	args := []string{
		"-v", "error",
		"-select_streams", "a:0",
		"-show_entries", "stream=codec_name,sample_rate,channels",
		"-of", "json",
		path,
	}
	res, err := n.runner.Run(ctx, n.ffprobe, args...)
	cmdLog := CommandLog{Command: n.ffprobe, Args: args, ExitCode: res.ExitCode, Stderr: res.Stderr}
	if err != nil {
		return ProbeInfo{}, &StageError{Stage: "probe", Message: "ffprobe failed", Command: cmdLog, Err: err}
	}

	var parsed struct {
		Streams []struct {
			CodecName  string `json:"codec_name"`
			SampleRate string `json:"sample_rate"`
			Channels   int    `json:"channels"`
		} `json:"streams"`
	}
	if err := json.Unmarshal(res.Stdout, &parsed); err != nil {
		return ProbeInfo{}, &StageError{Stage: "probe", Message: "unreadable ffprobe output", Command: cmdLog, Err: err}
	}
	if len(parsed.Streams) == 0 {
		return ProbeInfo{}, &StageError{Stage: "probe", Message: "no audio stream", Command: cmdLog}
	}
	s := parsed.Streams[0]
	rate, _ := strconv.Atoi(s.SampleRate)
	return ProbeInfo{Codec: s.CodecName, SampleRate: rate, Channels: s.Channels}, nil
}

// Wait blocks until pending debug captures are written.
func (n *Normalizer) Wait() { n.debugWG.Wait() }

// saveDebug writes before/after captures off the request path. Failures
// are logged only. Both payloads are copied since callers may reuse them.
func (n *Normalizer) saveDebug(raw []byte, out Buffer) {
	if !n.debug {
		return
	}
	raw = bytes.Clone(raw)
	out.PCM = bytes.Clone(out.PCM)
	stamp := n.stamp()
	n.debugWG.Add(1)
	go func() {
		defer n.debugWG.Done()
		if err := os.MkdirAll(n.debugDir, 0o755); err != nil {
			n.log.Warn().Err(err).Msg("debug dir")
			return
		}
		if err := os.WriteFile(filepath.Join(n.debugDir, "before_"+stamp+".bin"), raw, 0o644); err != nil {
			n.log.Warn().Err(err).Msg("debug before capture")
		}
		if err := WriteWAVPCM16LEFile(filepath.Join(n.debugDir, "after_"+stamp+".wav"), out.PCM, out.SampleRate); err != nil {
			n.log.Warn().Err(err).Msg("debug after capture")
		}
	}()
}

// stamp is a millisecond timestamp with a per-process sequence suffix so
// two calls in the same millisecond never share a file.
func (n *Normalizer) stamp() string {
	return fmt.Sprintf("%d-%d", n.now().UnixMilli(), n.seq.Add(1))
}

func isFloatPCM(codec string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(codec)), "pcm_f")
}

func firstNonEmpty(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
