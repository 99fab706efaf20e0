package vad

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/MrWong99/balcao/pkg/audio"
)

// ErrFrameSize is returned by a [Classifier] for a frame that is not exactly
// one 30 ms canonical frame.
var ErrFrameSize = errors.New("vad: unexpected frame size")

// Classifier makes the binary speech/non-speech decision for one frame that
// already passed the energy gate.
//
// Implementations may keep state but are only ever called from the goroutine
// that owns the [Detector].
type Classifier interface {
	IsSpeech(frame []byte) (bool, error)
}

// ClassifierFunc adapts a plain function to [Classifier].
type ClassifierFunc func(frame []byte) (bool, error)

// IsSpeech calls f(frame).
func (f ClassifierFunc) IsSpeech(frame []byte) (bool, error) { return f(frame) }

var _ Classifier = (*SpectralClassifier)(nil)

// subframes splits a 30 ms frame into 10 ms analysis windows.
const subframes = 3

// aggressivenessProfile holds the per-level decision parameters.
type aggressivenessProfile struct {
	minRMS float64 // absolute energy floor per subframe
	minZCR float64 // zero-crossing rate band, in crossings per sample
	maxZCR float64
	voiced int // subframes that must look voiced
}

var profiles = [4]aggressivenessProfile{
	{minRMS: 40, minZCR: 0.005, maxZCR: 0.50, voiced: 1},
	{minRMS: 60, minZCR: 0.010, maxZCR: 0.45, voiced: 2},
	{minRMS: 90, minZCR: 0.015, maxZCR: 0.40, voiced: 2},
	{minRMS: 130, minZCR: 0.020, maxZCR: 0.35, voiced: 3},
}

// SpectralClassifier is a pure-Go speech classifier based on short-time
// energy and zero-crossing rate. A subframe looks voiced when it carries
// energy and its crossing rate falls inside the band typical for speech:
// hiss and broadband noise cross too often, hum and DC offsets too rarely.
type SpectralClassifier struct {
	p aggressivenessProfile
}

// NewSpectralClassifier returns a classifier for aggressiveness 0–3. Values
// outside the range are clamped.
func NewSpectralClassifier(aggressiveness int) *SpectralClassifier {
	aggressiveness = max(0, min(aggressiveness, len(profiles)-1))
	return &SpectralClassifier{p: profiles[aggressiveness]}
}

// IsSpeech implements [Classifier].
func (c *SpectralClassifier) IsSpeech(frame []byte) (bool, error) {
	if len(frame) != audio.FrameBytes {
		return false, fmt.Errorf("%w: got %d bytes, want %d", ErrFrameSize, len(frame), audio.FrameBytes)
	}
	sub := audio.FrameBytes / subframes
	voiced := 0
	for i := range subframes {
		w := frame[i*sub : (i+1)*sub]
		if audio.RMS(w) < c.p.minRMS {
			continue
		}
		z := zeroCrossingRate(w)
		if z >= c.p.minZCR && z <= c.p.maxZCR {
			voiced++
		}
	}
	return voiced >= c.p.voiced, nil
}

func zeroCrossingRate(pcm []byte) float64 {
	n := len(pcm) / audio.BytesPerSample
	if n < 2 {
		return 0
	}
	crossings := 0
	prev := int16(binary.LittleEndian.Uint16(pcm))
	for i := 1; i < n; i++ {
		cur := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		if (prev >= 0) != (cur >= 0) {
			crossings++
		}
		prev = cur
	}
	return float64(crossings) / float64(n-1)
}
