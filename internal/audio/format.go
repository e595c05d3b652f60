package audio

import (
	"fmt"
	"strings"
	"time"
)

// Format is the container/encoding of the audio a caller streams
type Format string

const (
	FormatPCM  Format = "pcm"
	FormatWAV  Format = "wav"
	FormatOGG  Format = "ogg"
	FormatOpus Format = "opus"
)

// Recommended packet duration window for streaming
const (
	MinRecommendedChunk = 100 * time.Millisecond
	MaxRecommendedChunk = 200 * time.Millisecond
)

// ParseFormat normalizes a format name
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatPCM, FormatWAV, FormatOGG, FormatOpus:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported audio format %q", s)
	}
}

// Codec returns the codec name announced alongside the format
func (f Format) Codec() string {
	switch f {
	case FormatOGG, FormatOpus:
		return "opus"
	default:
		return "raw"
	}
}

// IsLinear reports whether chunk sizes map directly to durations
func (f Format) IsLinear() bool {
	return f == FormatPCM || f == FormatWAV
}

// ChunkDuration returns how much audio a linear PCM chunk holds.
// Compressed formats return 0 since their size says nothing about duration.
func ChunkDuration(f Format, size, sampleRate, channels, bits int) time.Duration {
	if !f.IsLinear() || sampleRate <= 0 || channels <= 0 || bits <= 0 {
		return 0
	}

	bytesPerSecond := sampleRate * channels * bits / 8
	if bytesPerSecond == 0 {
		return 0
	}
	return time.Duration(size) * time.Second / time.Duration(bytesPerSecond)
}

// ChunkSize returns the number of bytes of linear PCM covering d
func ChunkSize(d time.Duration, sampleRate, channels, bits int) int {
	bytesPerSecond := sampleRate * channels * bits / 8
	size := int(time.Duration(bytesPerSecond) * d / time.Second)

	// Keep whole sample frames
	frame := channels * bits / 8
	if frame > 0 {
		size -= size % frame
	}
	return size
}

// WithinRecommendedWindow reports whether d falls in the 100-200ms packet window
func WithinRecommendedWindow(d time.Duration) bool {
	return d >= MinRecommendedChunk && d <= MaxRecommendedChunk
}
