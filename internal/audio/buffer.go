// Package audio converts arbitrary input audio into the canonical PCM
// buffer every speech backend consumes.
package audio

import (
	"errors"
	"time"
)

const (
	CanonicalSampleRate = 16000
	bytesPerSample      = 2
	minDuration         = 200 * time.Millisecond
)

var ErrTooShort = errors.New("audio shorter than minimum duration")

// Buffer is canonical audio: mono PCM16LE at SampleRate. Conversions always
// produce a new Buffer.
type Buffer struct {
	PCM        []byte
	SampleRate int
}

func (b Buffer) Duration() time.Duration { return DurationOf(len(b.PCM), b.SampleRate) }

// WAV wraps the buffer in a RIFF container.
func (b Buffer) WAV() ([]byte, error) { return EncodeWAVPCM16LE(b.PCM, b.SampleRate) }

// MinBytes is the smallest PCM16 mono payload accepted at sampleRate.
func MinBytes(sampleRate int) int {
	if sampleRate <= 0 {
		sampleRate = CanonicalSampleRate
	}
	return int(int64(sampleRate) * bytesPerSample * int64(minDuration) / int64(time.Second))
}

// DurationOf converts a PCM16 mono byte count into playback time.
func DurationOf(n, sampleRate int) time.Duration {
	if sampleRate <= 0 || n <= 0 {
		return 0
	}
	samples := int64(n / bytesPerSample)
	return time.Duration(samples * int64(time.Second) / int64(sampleRate))
}

// TooShort reports whether raw is below the minimum-duration guard at the
// canonical rate.
func TooShort(raw []byte) bool { return len(raw) < MinBytes(CanonicalSampleRate) }

// canonicalPCM returns the payload of a WAV that already matches the
// canonical format.
func canonicalPCM(raw []byte) ([]byte, bool) {
	f, data, err := ParseWAV(raw)
	if err != nil {
		return nil, false
	}
	if f.AudioFormat != 1 || f.Channels != 1 || f.BitsPerSample != 16 || f.SampleRate != CanonicalSampleRate {
		return nil, false
	}
	return append([]byte(nil), data...), true
}
