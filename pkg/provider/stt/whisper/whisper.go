// Package whisper provides an STT recognizer backed by a whisper.cpp server.
//
// It talks to a running whisper-server binary, which exposes a REST API at
// POST /inference. Every segment is uploaded as a WAV file in a
// multipart/form-data request and the JSON response's text field is returned.
//
// Usage:
//
//	r, err := whisper.New("http://localhost:8080",
//	    whisper.WithLanguage("pt"),
//	)
//	t, err := r.Transcribe(ctx, pcm, 16000)
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/balcao/pkg/audio"
	"github.com/MrWong99/balcao/pkg/provider/stt"
)

const (
	defaultLanguage = "pt"
	defaultTimeout  = 30 * time.Second

	// maxErrorBody bounds how much of a failed response is quoted in errors.
	maxErrorBody = 512
)

// ErrEmptyAudio is returned when Transcribe is called without samples.
var ErrEmptyAudio = errors.New("whisper: empty audio")

// Compile-time assertion that Recognizer implements stt.Recognizer.
var _ stt.Recognizer = (*Recognizer)(nil)

// Option is a functional option for configuring a Recognizer.
type Option func(*Recognizer)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base", "small"). When empty the server uses whichever model it was
// started with, which is the default.
func WithModel(model string) Option {
	return func(r *Recognizer) {
		r.model = model
	}
}

// WithLanguage sets the language code sent to the server (e.g., "pt", "en").
// Defaults to "pt".
func WithLanguage(lang string) Option {
	return func(r *Recognizer) {
		r.language = lang
	}
}

// WithPrompt sets an initial prompt that biases recognition towards the
// given vocabulary (product names, active ingredients).
func WithPrompt(prompt string) Option {
	return func(r *Recognizer) {
		r.prompt = prompt
	}
}

// WithHTTPClient replaces the default HTTP client (30 s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(r *Recognizer) {
		r.httpClient = c
	}
}

// Recognizer implements stt.Recognizer against a whisper.cpp HTTP server.
type Recognizer struct {
	serverURL  string
	model      string
	language   string
	prompt     string
	httpClient *http.Client
}

// New creates a Recognizer that connects to the whisper.cpp HTTP server at
// serverURL (e.g., "http://localhost:8080").
func New(serverURL string, opts ...Option) (*Recognizer, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	r := &Recognizer{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Transcribe encodes pcm as a WAV file and POSTs it to /inference.
func (r *Recognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (stt.Transcript, error) {
	if len(pcm) == 0 {
		return stt.Transcript{}, ErrEmptyAudio
	}
	if sampleRate <= 0 {
		sampleRate = audio.SampleRate
	}
	format := audio.Format{SampleRate: sampleRate, Channels: 1}

	body, contentType, err := r.form(audio.EncodeWAV(pcm, format))
	if err != nil {
		return stt.Transcript{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.serverURL+"/inference", body)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return stt.Transcript{}, fmt.Errorf("whisper: server returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var result struct {
		Text     string `json:"text"`
		Language string `json:"language"`
		Error    string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	if result.Error != "" {
		return stt.Transcript{}, fmt.Errorf("whisper: server error: %s", result.Error)
	}

	lang := result.Language
	if lang == "" {
		lang = r.language
	}
	return stt.Transcript{
		Text:     strings.TrimSpace(result.Text),
		Language: lang,
		Duration: format.Duration(len(pcm)),
	}, nil
}

// form builds the multipart body for one inference request.
func (r *Recognizer) form(wav []byte) (io.Reader, string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return nil, "", fmt.Errorf("whisper: write wav data: %w", err)
	}

	fields := [][2]string{
		{"response_format", "json"},
		{"language", r.language},
		{"model", r.model},
		{"prompt", r.prompt},
	}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("whisper: write %s field: %w", f[0], err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}
	return &body, mw.FormDataContentType(), nil
}
