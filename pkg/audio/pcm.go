// Package audio holds the PCM primitives shared by the transcoder, the voice
// activity detector, the archiver and the recognition providers.
//
// All PCM in this package is signed 16-bit little-endian. The pipeline's
// canonical format is 16 kHz mono, see [Canonical].
package audio

import (
	"encoding/binary"
	"math"
	"time"
)

const (
	// BytesPerSample is fixed at 2 for signed 16-bit PCM.
	BytesPerSample = 2

	// SampleRate is the canonical pipeline sample rate in Hz.
	SampleRate = 16000

	// FrameDuration is the duration of one VAD frame.
	FrameDuration = 30 * time.Millisecond

	// FrameBytes is the size of one 30 ms frame at 16 kHz mono.
	FrameBytes = SampleRate * BytesPerSample * 30 / 1000

	// ChunkBytes is the default re-framing size of the decode loop (60 ms).
	ChunkBytes = 2 * FrameBytes
)

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Canonical is the 16 kHz mono format every component past the transcoder
// operates on.
var Canonical = Format{SampleRate: SampleRate, Channels: 1}

// BytesPerSecond returns the byte rate of f.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * BytesPerSample
}

// Duration returns the playback duration of n bytes of PCM in format f.
// Returns 0 for a degenerate format.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// RMS returns the root-mean-square energy of a PCM buffer in sample units
// (0–32767). A trailing odd byte is ignored; buffers shorter than one sample
// yield 0.
func RMS(pcm []byte) float64 {
	n := len(pcm) / BytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// Samples decodes pcm into int16 samples.
func Samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/BytesPerSample)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// Bytes encodes int16 samples as little-endian PCM.
func Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Float32 converts pcm to samples normalised to [-1, 1).
func Float32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/BytesPerSample)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return out
}
