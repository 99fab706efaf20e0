// Package server is the websocket front of the audio core. Each connection
// authenticates with a control message, passes the admission guard, and then
// streams compressed audio that is decoded, segmented, recognised, and turned
// into recommendation pushes.
//
// A connection moves through Connecting, Authenticating, Streaming and
// Closing. Only authentication and admission failures are reported to the
// client, through the close codes [CloseInvalidKey] and
// [CloseAdmissionRejected]; every other fault is logged and counted.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/balcao/internal/admission"
	"github.com/MrWong99/balcao/internal/archive"
	"github.com/MrWong99/balcao/internal/counter"
	"github.com/MrWong99/balcao/internal/health"
	"github.com/MrWong99/balcao/internal/interaction"
	"github.com/MrWong99/balcao/internal/observe"
	"github.com/MrWong99/balcao/internal/recommend"
	"github.com/MrWong99/balcao/internal/speaker"
	"github.com/MrWong99/balcao/internal/transcode"
	"github.com/MrWong99/balcao/internal/transcript"
	"github.com/MrWong99/balcao/internal/vad"
	"github.com/MrWong99/balcao/pkg/provider/stt"
)

// Defaults for [Config].
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultMaxMessageBytes  = 1 << 20
	DefaultDrainTimeout     = 5 * time.Second
)

// Archive is the subset of [archive.Archiver] used by connections.
type Archive interface {
	Enqueue(it archive.Item) error
	Release(ctx context.Context, connID string) error
	SaveInteraction(ctx context.Context, id string, pcm []byte) error
}

// Recommender turns flushed transcript text into suggestions.
type Recommender interface {
	Recommend(ctx context.Context, req recommend.Request) ([]recommend.Item, error)
}

// SessionDefaults are the per-connection settings before counter-specific
// layers are applied. They can be swapped at runtime; connections keep the
// snapshot they started with.
type SessionDefaults struct {
	VAD     vad.Settings
	Buffer  transcript.BufferConfig
	Dedup   transcript.DedupConfig
	Speaker speaker.Config

	// Corrector aligns product names in recognised text. Nil disables it.
	Corrector *transcript.Corrector
}

// DefaultSessionDefaults returns the compiled defaults.
func DefaultSessionDefaults() SessionDefaults {
	return SessionDefaults{
		VAD:     vad.DefaultSettings(),
		Buffer:  transcript.DefaultBufferConfig(),
		Dedup:   transcript.DefaultDedupConfig(),
		Speaker: speaker.DefaultConfig(),
	}
}

// Config holds the server's dependencies.
type Config struct {
	// Counters authenticates API keys. Required.
	Counters counter.Store

	// Guard admits or rejects new connections. Required.
	Guard *admission.Guard

	// NewBridge returns an unstarted decoder for one connection. Required.
	NewBridge func() transcode.Bridge

	// Recognizer transcribes segments. Required.
	Recognizer stt.Recognizer

	// Recommender produces suggestions for flushed text. Required.
	Recommender Recommender

	// Archive stores raw and processed audio. Nil disables archival.
	Archive Archive

	// Interactions records each recommended exchange. Nil disables
	// recording and the per-interaction audio file.
	Interactions interaction.Recorder

	// Extractor and Scorer enable speaker identification when both are set.
	Extractor speaker.Extractor
	Scorer    speaker.Scorer

	// Defaults seeds every new connection. Zero means
	// [DefaultSessionDefaults].
	Defaults *SessionDefaults

	// HandshakeTimeout bounds the wait for the control message.
	HandshakeTimeout time.Duration

	// MaxMessageBytes caps one inbound websocket message.
	MaxMessageBytes int64

	// DrainTimeout is how long a closing connection waits for in-flight
	// recognitions before cancelling them.
	DrainTimeout time.Duration

	// OriginPatterns are the allowed cross-origin hosts.
	OriginPatterns []string

	// Health and MetricsHandler are mounted by [Server.Handler] when set.
	Health         *health.Handler
	MetricsHandler http.Handler

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Server accepts websocket connections and runs one session per connection.
type Server struct {
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics

	defaults atomic.Pointer[SessionDefaults]
	active   atomic.Int64

	mu       sync.Mutex // guards closed against sessions.Add
	closed   bool
	baseCtx  context.Context
	cancel   context.CancelFunc
	sessions sync.WaitGroup
}

// New validates cfg and returns a server.
func New(cfg Config) (*Server, error) {
	var errs []error
	if cfg.Counters == nil {
		errs = append(errs, errors.New("server: counters store is required"))
	}
	if cfg.Guard == nil {
		errs = append(errs, errors.New("server: admission guard is required"))
	}
	if cfg.NewBridge == nil {
		errs = append(errs, errors.New("server: bridge factory is required"))
	}
	if cfg.Recognizer == nil {
		errs = append(errs, errors.New("server: recognizer is required"))
	}
	if cfg.Recommender == nil {
		errs = append(errs, errors.New("server: recommender is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}

	s := &Server{cfg: cfg, log: cfg.Logger, metrics: cfg.Metrics}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	d := DefaultSessionDefaults()
	if cfg.Defaults != nil {
		d = *cfg.Defaults
	}
	s.defaults.Store(&d)
	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// SetSessionDefaults replaces the defaults used by connections opened from
// now on.
func (s *Server) SetSessionDefaults(d SessionDefaults) {
	s.defaults.Store(&d)
}

// SessionDefaults returns the current defaults.
func (s *Server) SessionDefaults() SessionDefaults {
	return *s.defaults.Load()
}

// track registers a connection. It reports false once Shutdown started.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions.Add(1)
	return true
}

// Active returns the number of streaming connections.
func (s *Server) Active() int64 { return s.active.Load() }

// Handler returns the HTTP handler: the websocket endpoint plus health and
// metrics routes, wrapped in the observability middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.ServeWS)
	if s.cfg.Health != nil {
		s.cfg.Health.Register(mux)
	}
	if s.cfg.MetricsHandler != nil {
		mux.Handle("GET /metrics", s.cfg.MetricsHandler)
	}
	return observe.Middleware(s.metrics, "/ws", "/healthz", "/readyz", "/metrics")(mux)
}

// Shutdown cancels every live connection and waits for their teardown until
// ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
