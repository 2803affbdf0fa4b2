package audio

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

type fakeRunner struct {
	probeJSON string
	pcm       []byte
	ffmpegErr error
	calls     [][]string
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (commandResult, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	switch name {
	case "ffprobe":
		return commandResult{Stdout: []byte(f.probeJSON)}, nil
	case "ffmpeg":
		if f.ffmpegErr != nil {
			return commandResult{ExitCode: 1, Stderr: "Invalid data found\n"}, f.ffmpegErr
		}
		out := args[len(args)-1]
		return commandResult{}, os.WriteFile(out, f.pcm, 0o644)
	}
	return commandResult{}, errors.New("unexpected command " + name)
}

func newTestNormalizer(t *testing.T, r *fakeRunner) (*Normalizer, string) {
	t.Helper()
	dir := t.TempDir()
	n := NewNormalizer(NormalizerConfig{CacheDir: filepath.Join(dir, "cache"), DebugDir: filepath.Join(dir, "debug")})
	n.runner = r
	n.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return n, dir
}

func TestNormalizeRecodesFloatPCM(t *testing.T) {
	r := &fakeRunner{
		probeJSON: `{"streams":[{"codec_name":"pcm_f32le","sample_rate":"48000","channels":2}]}`,
		pcm:       []byte{1, 2, 3, 4},
	}
	n, _ := newTestNormalizer(t, r)

	buf, err := n.Normalize(context.Background(), []byte("not-a-wav-container"))
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if buf.SampleRate != CanonicalSampleRate || string(buf.PCM) != string([]byte{1, 2, 3, 4}) {
		t.Fatalf("Normalize() = %+v", buf)
	}
	if len(r.calls) != 2 {
		t.Fatalf("calls = %d, want probe + convert", len(r.calls))
	}
	ff := strings.Join(r.calls[1], " ")
	for _, want := range []string{"-ar 16000", "-ac 1", "-c:a pcm_s16le", "-f s16le"} {
		if !strings.Contains(ff, want) {
			t.Fatalf("ffmpeg args %q missing %q", ff, want)
		}
	}
	entries, _ := os.ReadDir(n.cacheDir)
	if len(entries) != 0 {
		t.Fatalf("cache dir has %d leftover files", len(entries))
	}
}

func TestNormalizeIntegerPCMSkipsRecode(t *testing.T) {
	r := &fakeRunner{
		probeJSON: `{"streams":[{"codec_name":"opus","sample_rate":"48000","channels":1}]}`,
		pcm:       []byte{9, 9},
	}
	n, _ := newTestNormalizer(t, r)
	if _, err := n.Normalize(context.Background(), []byte("OggS....")); err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if slices.Contains(r.calls[1], "-c:a") {
		t.Fatalf("ffmpeg args %v should not force a codec for opus", r.calls[1])
	}
}

func TestNormalizeCleansUpOnFailure(t *testing.T) {
	r := &fakeRunner{
		probeJSON: `{"streams":[{"codec_name":"mp3","sample_rate":"44100","channels":2}]}`,
		ffmpegErr: errors.New("exit status 1"),
	}
	n, _ := newTestNormalizer(t, r)

	_, err := n.Normalize(context.Background(), []byte("ID3garbage"))
	var se *StageError
	if !errors.As(err, &se) || se.Stage != "convert" {
		t.Fatalf("Normalize() error = %v, want convert StageError", err)
	}
	if !strings.Contains(err.Error(), "Invalid data found") {
		t.Fatalf("error %q should carry ffmpeg stderr", err)
	}
	entries, _ := os.ReadDir(n.cacheDir)
	if len(entries) != 0 {
		t.Fatalf("cache dir has %d leftover files after failure", len(entries))
	}
}

func TestNormalizeNoAudioStream(t *testing.T) {
	r := &fakeRunner{probeJSON: `{"streams":[]}`}
	n, _ := newTestNormalizer(t, r)
	_, err := n.Normalize(context.Background(), []byte("video-only"))
	var se *StageError
	if !errors.As(err, &se) || se.Stage != "probe" {
		t.Fatalf("Normalize() error = %v, want probe StageError", err)
	}
}

func TestNormalizeCanonicalWAVFastPath(t *testing.T) {
	pcm := make([]byte, 6400)
	wav, err := EncodeWAVPCM16LE(pcm, CanonicalSampleRate)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE() error = %v", err)
	}
	r := &fakeRunner{}
	n, _ := newTestNormalizer(t, r)
	buf, err := n.Normalize(context.Background(), wav)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if len(r.calls) != 0 {
		t.Fatalf("canonical WAV spawned %d commands, want 0", len(r.calls))
	}
	if len(buf.PCM) != len(pcm) || buf.Duration() != 200*time.Millisecond {
		t.Fatalf("buf len=%d duration=%v", len(buf.PCM), buf.Duration())
	}
}

func TestNormalizeDebugCaptures(t *testing.T) {
	r := &fakeRunner{
		probeJSON: `{"streams":[{"codec_name":"aac","sample_rate":"44100","channels":2}]}`,
		pcm:       []byte{0, 1, 0, 1},
	}
	n, dir := newTestNormalizer(t, r)
	n.debug = true
	if _, err := n.Normalize(context.Background(), []byte("m4a")); err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	n.Wait()
	entries, err := os.ReadDir(filepath.Join(dir, "debug"))
	if err != nil {
		t.Fatalf("read debug dir: %v", err)
	}
	var before, after bool
	for _, e := range entries {
		before = before || strings.HasPrefix(e.Name(), "before_1700000000000")
		after = after || (strings.HasPrefix(e.Name(), "after_1700000000000") && strings.HasSuffix(e.Name(), ".wav"))
	}
	if !before || !after {
		t.Fatalf("debug entries = %v, want before_*.bin and after_*.wav", entries)
	}
}

func TestNormalizeDebugCapturesCopyInput(t *testing.T) {
	pcm := make([]byte, 6400)
	for i := range pcm {
		pcm[i] = 7
	}
	wav, err := EncodeWAVPCM16LE(pcm, CanonicalSampleRate)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE() error = %v", err)
	}
	original := slices.Clone(wav)
	n, dir := newTestNormalizer(t, &fakeRunner{})
	n.debug = true
	if _, err := n.Normalize(context.Background(), wav); err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	clear(wav)
	n.Wait()

	matches, err := filepath.Glob(filepath.Join(dir, "debug", "before_*.bin"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("before captures = %v,%v, want one", matches, err)
	}
	got, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read capture: %v", err)
	}
	if !slices.Equal(got, original) {
		t.Fatalf("before capture changed after caller reused its buffer")
	}
}

func TestMinBytesAndGuard(t *testing.T) {
	if got := MinBytes(16000); got != 6400 {
		t.Fatalf("MinBytes(16000) = %d, want 6400", got)
	}
	if !TooShort(make([]byte, 6399)) {
		t.Fatalf("TooShort(6399) = false, want true")
	}
	if TooShort(make([]byte, 6400)) {
		t.Fatalf("TooShort(6400) = true, want false")
	}
	if got := DurationOf(32000, 16000); got != time.Second {
		t.Fatalf("DurationOf() = %v, want 1s", got)
	}
}

func TestParseWAVRejectsNonCanonical(t *testing.T) {
	wav, _ := EncodeWAVPCM16LE(make([]byte, 100), 44100)
	if _, ok := canonicalPCM(wav); ok {
		t.Fatalf("canonicalPCM accepted 44.1kHz audio")
	}
	if _, _, err := ParseWAV([]byte("RIFF")); err == nil {
		t.Fatalf("ParseWAV(short) error = nil")
	}
}
