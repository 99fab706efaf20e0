// Package stt defines the Recognizer interface for Speech-to-Text backends.
//
// A recognizer wraps a batch transcription service (a local whisper.cpp
// server, the OpenAI transcription API, ...) and turns one finished speech
// segment into text. Segmentation happens upstream in the voice activity
// detector, so recognizers never see silence-only audio and never stream.
//
// Implementations must be safe for concurrent use: one connection may have
// several segments in flight at once.
package stt

import (
	"context"
	"time"
)

// Transcript is the recognition result for one segment.
type Transcript struct {
	// Text is the transcribed speech content, trimmed. Empty when the model
	// heard nothing intelligible.
	Text string

	// Language is the detected or requested language, when the backend
	// reports it.
	Language string

	// Duration is the length of the submitted audio.
	Duration time.Duration
}

// Recognizer is the abstraction over any STT backend.
type Recognizer interface {
	// Transcribe recognises pcm, which is signed 16-bit little-endian mono
	// audio at sampleRate Hz. It blocks until the backend answers or ctx is
	// done.
	Transcribe(ctx context.Context, pcm []byte, sampleRate int) (Transcript, error)
}
