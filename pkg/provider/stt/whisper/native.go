// This file contains the NativeRecognizer implementation backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/balcao/pkg/audio"
	"github.com/MrWong99/balcao/pkg/provider/stt"
)

var _ stt.Recognizer = (*NativeRecognizer)(nil)

// NativeRecognizer runs whisper.cpp in-process. The model is loaded once and
// shared; every Transcribe call gets its own whisper context, so concurrent
// segments do not interfere.
type NativeRecognizer struct {
	model    whisperlib.Model
	language string
}

// NativeOption is a functional option for configuring a NativeRecognizer.
type NativeOption func(*NativeRecognizer)

// WithNativeLanguage sets the language code for transcription (e.g. "pt").
// Empty lets whisper detect the language.
func WithNativeLanguage(lang string) NativeOption {
	return func(r *NativeRecognizer) { r.language = lang }
}

// NewNative loads the whisper.cpp model at modelPath. The caller must call
// Close when the recognizer is no longer needed.
func NewNative(modelPath string, opts ...NativeOption) (*NativeRecognizer, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: model path must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	r := &NativeRecognizer{model: model}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Close releases the model.
func (r *NativeRecognizer) Close() error {
	if r.model != nil {
		return r.model.Close()
	}
	return nil
}

// Transcribe implements [stt.Recognizer]. Inference is not interruptible; ctx
// is checked before it starts.
func (r *NativeRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (stt.Transcript, error) {
	if err := ctx.Err(); err != nil {
		return stt.Transcript{}, err
	}
	if len(pcm) == 0 {
		return stt.Transcript{}, ErrEmptyAudio
	}
	if sampleRate > 0 && sampleRate != audio.SampleRate {
		var err error
		if pcm, err = audio.ResampleMono16(pcm, sampleRate, audio.SampleRate); err != nil {
			return stt.Transcript{}, fmt.Errorf("whisper: %w", err)
		}
	}

	wctx, err := r.model.NewContext()
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: create context: %w", err)
	}
	if r.language != "" {
		if err := wctx.SetLanguage(r.language); err != nil {
			slog.Warn("whisper: failed to set language, using detection", "language", r.language, "err", err)
		}
	}
	if err := wctx.Process(audio.Float32(pcm), nil, nil, nil); err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stt.Transcript{}, fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(seg.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return stt.Transcript{
		Text:     strings.Join(parts, " "),
		Language: r.language,
		Duration: audio.Canonical.Duration(len(pcm)),
	}, nil
}
