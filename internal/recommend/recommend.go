// Package recommend turns a flushed window of counter conversation into
// suggestions for the attendant.
//
// The LLM is asked for a JSON array of {sugestao, explicacao, tag?} objects.
// [Parse] is tolerant of the usual model noise (code fences, prose around the
// array, a wrapping object) and drops items missing either required field.
package recommend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/balcao/internal/observe"
	"github.com/MrWong99/balcao/pkg/provider/llm"
)

// CommandRecommend is the "comando" value of a recommendation push.
const CommandRecommend = "recomendar"

// DefaultSystemPrompt instructs the model to answer with a bare JSON array.
const DefaultSystemPrompt = `Você é um assistente de balcão. Você recebe a transcrição parcial de uma ` +
	`conversa entre um atendente e um cliente. Sugira ao atendente, de forma objetiva, ` +
	`produtos ou ações relevantes para o que o cliente disse. Responda SOMENTE com um ` +
	`array JSON de objetos no formato {"sugestao": string, "explicacao": string, "tag": string opcional}. ` +
	`Se nada for relevante, responda [].`

// ErrEmptyText is returned by Recommend for blank input.
var ErrEmptyText = errors.New("recommend: empty text")

// Item is one suggestion shown to the attendant.
type Item struct {
	Sugestao   string `json:"sugestao"`
	Explicacao string `json:"explicacao"`
	Tag        string `json:"tag,omitempty"`
}

// Push is the server-to-client message carrying suggestions.
type Push struct {
	Comando string `json:"comando"`
	Itens   []Item `json:"itens"`
}

// NewPush wraps items in a recommendation push.
func NewPush(items []Item) Push {
	return Push{Comando: CommandRecommend, Itens: items}
}

// Request is one flushed buffer.
type Request struct {
	// Text is the deduplicated conversation window.
	Text string

	// Speaker is the committed speaker name, if identified.
	Speaker string
}

// Config holds the tunables of a [Service].
type Config struct {
	SystemPrompt string        `yaml:"system_prompt"`
	Temperature  float64       `yaml:"temperature"`
	MaxTokens    int           `yaml:"max_tokens"`
	Timeout      time.Duration `yaml:"timeout"`
}

// Service asks an LLM for suggestions.
type Service struct {
	llm      llm.Provider
	cfg      Config
	provider string
	metrics  *observe.Metrics
}

// Option configures a [Service].
type Option func(*Service)

// WithMetrics overrides the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithProviderName sets the provider label used in metrics.
func WithProviderName(name string) Option {
	return func(s *Service) { s.provider = name }
}

// New returns a Service over p.
func New(p llm.Provider, cfg Config, opts ...Option) *Service {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 512
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	s := &Service{llm: p, cfg: cfg, provider: "llm"}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Recommend returns the valid suggestions for req. A nil slice with a nil
// error means the model had nothing to suggest.
func (s *Service) Recommend(ctx context.Context, req Request) ([]Item, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, ErrEmptyText
	}
	ctx, span := observe.StartSpan(ctx, "recommend")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	user := text
	if req.Speaker != "" {
		user = "Cliente: " + req.Speaker + "\n" + text
	}

	start := time.Now()
	resp, err := s.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: s.cfg.SystemPrompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: user}},
		Temperature:  s.cfg.Temperature,
		MaxTokens:    s.cfg.MaxTokens,
	})
	s.metrics.RecommendDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		s.metrics.RecordProviderRequest(ctx, s.provider, "llm", "error")
		s.metrics.RecordProviderError(ctx, s.provider, "llm")
		observe.Fail(span, err)
		return nil, fmt.Errorf("recommend: complete: %w", err)
	}
	s.metrics.RecordProviderRequest(ctx, s.provider, "llm", "ok")

	items, err := Parse(resp.Content)
	if err != nil {
		s.metrics.RecordProviderError(ctx, s.provider, "parse")
		observe.Fail(span, err)
		observe.Logger(ctx).Debug("recommend: unusable reply", "err", err)
		return nil, err
	}
	return items, nil
}

// Parse extracts the suggestions from a model reply.
func Parse(content string) ([]Item, error) {
	raw := extractJSON(content)
	if raw == "" {
		return nil, fmt.Errorf("recommend: no JSON in reply %q", truncate(content, 80))
	}

	var items []Item
	if strings.HasPrefix(raw, "{") {
		var wrapped struct {
			Itens []Item `json:"itens"`
		}
		if err := json.Unmarshal([]byte(raw), &wrapped); err != nil {
			return nil, fmt.Errorf("recommend: decode object: %w", err)
		}
		items = wrapped.Itens
	} else if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, fmt.Errorf("recommend: decode array: %w", err)
	}

	valid := items[:0]
	for _, it := range items {
		it.Sugestao = strings.TrimSpace(it.Sugestao)
		it.Explicacao = strings.TrimSpace(it.Explicacao)
		it.Tag = strings.TrimSpace(it.Tag)
		if it.Sugestao == "" || it.Explicacao == "" {
			continue
		}
		valid = append(valid, it)
	}
	if len(valid) == 0 {
		return nil, nil
	}
	return valid, nil
}

// extractJSON returns the outermost JSON array, or failing that the outermost
// object, found in s.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if i, j := strings.IndexByte(s, '['), strings.LastIndexByte(s, ']'); i >= 0 && j > i {
		if k := strings.IndexByte(s, '{'); k < 0 || i < k {
			return s[i : j+1]
		}
	}
	if i, j := strings.IndexByte(s, '{'), strings.LastIndexByte(s, '}'); i >= 0 && j > i {
		return s[i : j+1]
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
