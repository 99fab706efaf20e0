package resilience

import (
	"context"

	"github.com/MrWong99/balcao/pkg/provider/stt"
)

// STTFallback implements [stt.Recognizer] with failover across several
// recognition backends.
type STTFallback struct {
	group *FallbackGroup[stt.Recognizer]
}

var _ stt.Recognizer = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred backend.
func NewSTTFallback(primary stt.Recognizer, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional recognizer.
func (f *STTFallback) AddFallback(name string, r stt.Recognizer) {
	f.group.AddFallback(name, r)
}

// States reports each backend's breaker state.
func (f *STTFallback) States() map[string]State { return f.group.States() }

// Transcribe sends the segment to the first healthy backend.
func (f *STTFallback) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (stt.Transcript, error) {
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, r stt.Recognizer) (stt.Transcript, error) {
		return r.Transcribe(ctx, pcm, sampleRate)
	})
}
