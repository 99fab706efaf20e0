// Package openai provides an STT recognizer backed by the OpenAI audio
// transcription API (whisper-1, gpt-4o-transcribe, or any compatible server).
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/balcao/pkg/audio"
	"github.com/MrWong99/balcao/pkg/provider/stt"
)

const defaultModel = "whisper-1"

// Recognizer implements stt.Recognizer using the OpenAI API.
type Recognizer struct {
	client   oai.Client
	model    string
	language string
	prompt   string
}

type config struct {
	baseURL  string
	model    string
	language string
	prompt   string
	timeout  time.Duration
}

// Option is a functional option for Recognizer.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithModel sets the transcription model. Defaults to whisper-1.
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithLanguage sets the ISO-639-1 input language hint.
func WithLanguage(lang string) Option {
	return func(c *config) { c.language = lang }
}

// WithPrompt sets a vocabulary prompt.
func WithPrompt(prompt string) Option {
	return func(c *config) { c.prompt = prompt }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// New constructs a Recognizer.
func New(apiKey string, opts ...Option) (*Recognizer, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}
	cfg := &config{model: defaultModel}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Recognizer{
		client:   oai.NewClient(reqOpts...),
		model:    cfg.model,
		language: cfg.language,
		prompt:   cfg.prompt,
	}, nil
}

// Transcribe implements stt.Recognizer.
func (r *Recognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (stt.Transcript, error) {
	if len(pcm) == 0 {
		return stt.Transcript{}, errors.New("openai: empty audio")
	}
	if sampleRate <= 0 {
		sampleRate = audio.SampleRate
	}
	format := audio.Format{SampleRate: sampleRate, Channels: 1}
	wav := audio.EncodeWAV(pcm, format)

	resp, err := r.client.Audio.Transcriptions.New(ctx, r.params(wav))
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("openai: transcription: %w", err)
	}
	return stt.Transcript{
		Text:     strings.TrimSpace(resp.Text),
		Language: r.language,
		Duration: format.Duration(len(pcm)),
	}, nil
}

func (r *Recognizer) params(wav []byte) oai.AudioTranscriptionNewParams {
	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(wav), "segment.wav", "audio/wav"),
		Model: oai.AudioModel(r.model),
	}
	if r.language != "" {
		params.Language = oai.String(r.language)
	}
	if r.prompt != "" {
		params.Prompt = oai.String(r.prompt)
	}
	return params
}

var _ stt.Recognizer = (*Recognizer)(nil)
