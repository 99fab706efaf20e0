package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	resampling "github.com/tphakala/go-audio-resampling"
)

// ToCanonical converts PCM in format from to 16 kHz mono. Stereo input is
// downmixed before resampling so only one channel is filtered. Input that
// already matches is returned unchanged.
func ToCanonical(pcm []byte, from Format) ([]byte, error) {
	if from.Channels == 2 {
		pcm = StereoToMono(pcm)
	}
	return ResampleMono16(pcm, from.SampleRate, SampleRate)
}

// StereoToMono averages each L+R pair of interleaved stereo PCM, clamping to
// the int16 range.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(binary.LittleEndian.Uint16(pcm[i*4:])))
		r := int32(int16(binary.LittleEndian.Uint16(pcm[i*4+2:])))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(clamp16((l+r)/2)))
	}
	return out
}

// resampleTail is the silence appended to push the filter's delay line out.
const resampleTail = 50 * time.Millisecond

// ResampleMono16 resamples mono PCM from srcRate to dstRate through a
// band-limited filter, so content above the lower Nyquist rate is removed
// instead of folding back into the speech band. The output always holds
// len*dstRate/srcRate samples. The input is returned unchanged when the rates
// match or either rate is not positive.
func ResampleMono16(pcm []byte, srcRate, dstRate int) ([]byte, error) {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm, nil
	}
	src := Samples(pcm)
	n := int(int64(len(src)) * int64(dstRate) / int64(srcRate))
	if n == 0 {
		return nil, nil
	}
	r, err := resampling.New(&resampling.Config{
		InputRate:  float64(srcRate),
		OutputRate: float64(dstRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("audio: create resampler %d->%d: %w", srcRate, dstRate, err)
	}

	tail := int(int64(srcRate) * int64(resampleTail) / int64(time.Second))
	in := make([]float64, len(src)+tail)
	for i, v := range src {
		in[i] = float64(v) / 32768
	}
	out, err := r.Process(in)
	if err != nil {
		return nil, fmt.Errorf("audio: resample %d->%d: %w", srcRate, dstRate, err)
	}

	dst := make([]int16, n)
	for i := range min(n, len(out)) {
		dst[i] = clamp16(int32(math.Round(out[i] * 32767)))
	}
	return Bytes(dst), nil
}

func clamp16(v int32) int16 {
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	}
	return int16(v)
}
