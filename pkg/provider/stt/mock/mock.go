// Package mock provides a test double for stt.Recognizer.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/balcao/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Recognizer.Transcribe.
type TranscribeCall struct {
	// PCM is a copy of the audio passed to Transcribe.
	PCM        []byte
	SampleRate int
}

// Recognizer is a mock implementation of stt.Recognizer.
type Recognizer struct {
	mu sync.Mutex

	// Transcript is returned by Transcribe when Err is nil.
	Transcript stt.Transcript

	// Err, if non-nil, is returned by Transcribe.
	Err error

	// TranscribeFunc, if set, overrides Transcript and Err.
	TranscribeFunc func(ctx context.Context, pcm []byte, sampleRate int) (stt.Transcript, error)

	// Calls records every call to Transcribe.
	Calls []TranscribeCall
}

// Transcribe records the call and returns the configured result.
func (r *Recognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (stt.Transcript, error) {
	r.mu.Lock()
	r.Calls = append(r.Calls, TranscribeCall{PCM: append([]byte(nil), pcm...), SampleRate: sampleRate})
	fn, tr, err := r.TranscribeFunc, r.Transcript, r.Err
	r.mu.Unlock()

	if fn != nil {
		return fn(ctx, pcm, sampleRate)
	}
	if err != nil {
		return stt.Transcript{}, err
	}
	return tr, nil
}

// CallCount returns the number of recorded calls. Thread-safe.
func (r *Recognizer) CallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Calls)
}

var _ stt.Recognizer = (*Recognizer)(nil)
