package speaker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/balcao/pkg/audio"
)

// HTTPExtractor calls an external voiceprint model server. The segment is
// POSTed as a WAV body to <baseURL>/embed and the server answers with
// {"embedding": [...]}.
type HTTPExtractor struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// ExtractorOption configures an [HTTPExtractor].
type ExtractorOption func(*HTTPExtractor)

// WithAPIKey sends key as a bearer token.
func WithAPIKey(key string) ExtractorOption {
	return func(e *HTTPExtractor) { e.apiKey = key }
}

// WithHTTPClient replaces the default client (10 s timeout).
func WithHTTPClient(c *http.Client) ExtractorOption {
	return func(e *HTTPExtractor) { e.httpClient = c }
}

// NewHTTPExtractor returns an extractor for the server at baseURL.
func NewHTTPExtractor(baseURL string, opts ...ExtractorOption) (*HTTPExtractor, error) {
	if baseURL == "" {
		return nil, errors.New("speaker: extractor base URL must not be empty")
	}
	e := &HTTPExtractor{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Extract implements [Extractor].
func (e *HTTPExtractor) Extract(ctx context.Context, pcm []byte) ([]float32, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embed",
		bytes.NewReader(audio.EncodeWAV(pcm, audio.Canonical)))
	if err != nil {
		return nil, fmt.Errorf("speaker: create request: %w", err)
	}
	req.Header.Set("Content-Type", "audio/wav")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("speaker: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("speaker: server returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("speaker: decode response: %w", err)
	}
	if len(out.Embedding) == 0 {
		return nil, ErrEmptyEmbedding
	}
	return out.Embedding, nil
}

var _ Extractor = (*HTTPExtractor)(nil)
