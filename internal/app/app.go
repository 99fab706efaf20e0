// Package app wires the audio core's subsystems into a running server.
//
// The App struct owns the full lifecycle: New opens the stores and builds the
// websocket server, Run serves until the context ends, Reload applies a new
// configuration to the running subsystems, and Shutdown drains connections
// and tears everything down in reverse order.
//
// For testing, inject test doubles via functional options (WithCounterStore,
// WithSampler, WithBridgeFactory, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/balcao/internal/admission"
	"github.com/MrWong99/balcao/internal/archive"
	"github.com/MrWong99/balcao/internal/config"
	"github.com/MrWong99/balcao/internal/counter"
	"github.com/MrWong99/balcao/internal/health"
	"github.com/MrWong99/balcao/internal/interaction"
	"github.com/MrWong99/balcao/internal/observe"
	"github.com/MrWong99/balcao/internal/recommend"
	"github.com/MrWong99/balcao/internal/server"
	"github.com/MrWong99/balcao/internal/speaker"
	"github.com/MrWong99/balcao/internal/transcode"
	"github.com/MrWong99/balcao/internal/transcript"
	"github.com/MrWong99/balcao/pkg/provider/llm"
	"github.com/MrWong99/balcao/pkg/provider/stt"
)

// readHeaderTimeout bounds the HTTP upgrade request.
const readHeaderTimeout = 10 * time.Second

// Providers holds the external services. STT and LLM are required; Extractor
// is required only when speaker identification is enabled. Populated by
// main.go via the config registry.
type Providers struct {
	STT       stt.Recognizer
	LLM       llm.Provider
	Extractor speaker.Extractor

	// Checkers are extra readiness checks, typically breaker states of the
	// provider fallback groups.
	Checkers []health.Checker
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	log       *slog.Logger
	level     *slog.LevelVar
	metrics   *observe.Metrics

	// Subsystems, initialised in New and torn down in Shutdown.
	pool         *pgxpool.Pool
	counters     counter.Store
	sampler      admission.Sampler
	guard        *admission.Guard
	files        archive.FileStore
	archiver     *archive.Archiver
	interactions interaction.Recorder
	scorer       speaker.Scorer
	newBridge    func() transcode.Bridge
	health       *health.Handler
	metricsH     http.Handler
	server       *server.Server
	httpSrv      *http.Server

	mu    sync.Mutex
	addr  net.Addr
	ready chan struct{}

	// closers are called in reverse order during Shutdown.
	closers []func(context.Context) error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithCounterStore injects a counter store instead of opening one from config.
func WithCounterStore(s counter.Store) Option {
	return func(a *App) { a.counters = s }
}

// WithSampler injects the admission sampler instead of reading /proc.
func WithSampler(s admission.Sampler) Option {
	return func(a *App) { a.sampler = s }
}

// WithFileStore injects the archive backend instead of creating one from
// config. It is ignored when archival is disabled.
func WithFileStore(fs archive.FileStore) Option {
	return func(a *App) { a.files = fs }
}

// WithRecorder injects the interaction recorder.
func WithRecorder(r interaction.Recorder) Option {
	return func(a *App) { a.interactions = r }
}

// WithScorer injects the voiceprint scorer instead of the Postgres one.
func WithScorer(s speaker.Scorer) Option {
	return func(a *App) { a.scorer = s }
}

// WithBridgeFactory injects the per-connection decoder factory.
func WithBridgeFactory(f func() transcode.Bridge) Option {
	return func(a *App) { a.newBridge = f }
}

// WithMetrics overrides the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler overrides the /metrics handler. The default is the
// Prometheus registry fed by the OTel exporter.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsH = h }
}

// WithLogger sets the logger and the level variable it was built with, so
// reloads can change the level in place.
func WithLogger(l *slog.Logger, level *slog.LevelVar) Option {
	return func(a *App) {
		a.log = l
		a.level = level
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. On error every
// resource opened so far is released.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.STT == nil || providers.LLM == nil {
		return nil, errors.New("app: stt and llm providers are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		ready:     make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsH == nil {
		a.metricsH = promhttp.Handler()
	}

	if err := a.init(ctx); err != nil {
		a.close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	// ── 1. PostgreSQL ────────────────────────────────────────────────────
	if err := a.initPostgres(ctx); err != nil {
		return fmt.Errorf("app: init postgres: %w", err)
	}

	// ── 2. Counter store ─────────────────────────────────────────────────
	if err := a.initCounters(ctx); err != nil {
		return fmt.Errorf("app: init counters: %w", err)
	}

	// ── 3. Admission guard ───────────────────────────────────────────────
	a.initGuard()

	// ── 4. Archive + interactions ────────────────────────────────────────
	if err := a.initArchive(ctx); err != nil {
		return fmt.Errorf("app: init archive: %w", err)
	}
	if err := a.initInteractions(ctx); err != nil {
		return fmt.Errorf("app: init interactions: %w", err)
	}

	// ── 5. Speaker identification ────────────────────────────────────────
	if err := a.initSpeaker(ctx); err != nil {
		return fmt.Errorf("app: init speaker: %w", err)
	}

	// ── 6. Transcoder ────────────────────────────────────────────────────
	a.initTranscoder()

	// ── 7. Websocket server ──────────────────────────────────────────────
	if err := a.initServer(); err != nil {
		return fmt.Errorf("app: init server: %w", err)
	}
	return nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initGuard builds the admission guard, reading /proc unless a sampler was
// injected. Without a sampler the guard follows its fail_closed setting.
func (a *App) initGuard() {
	ad := a.cfg.Admission
	if a.sampler == nil {
		var (
			ps  *admission.ProcSampler
			err error
		)
		if ad.ProcMount != "" {
			ps, err = admission.NewProcSamplerAt(ad.ProcMount)
		} else {
			ps, err = admission.NewProcSampler()
		}
		if err != nil {
			a.log.Warn("system metrics unavailable for admission", "err", err, "fail_closed", ad.FailClosed)
		} else {
			a.sampler = ps
		}
	}
	a.guard = admission.NewGuard(ad.Limits, a.sampler,
		admission.WithHistorySize(ad.History),
		admission.WithLogger(a.log),
	)
}

// initSpeaker enables speaker identification when configured. The default
// scorer queries the voiceprints table through the shared pool.
func (a *App) initSpeaker(ctx context.Context) error {
	if !a.cfg.Speaker.Enabled {
		return nil
	}
	if a.providers.Extractor == nil {
		return errors.New("speaker identification enabled but no voiceprint extractor configured")
	}
	if a.scorer != nil {
		return nil
	}
	if a.pool == nil {
		return errors.New("speaker identification needs store.postgres_dsn")
	}
	ps := speaker.NewPostgresScorer(a.pool)
	if a.cfg.Store.Migrate {
		if err := ps.Migrate(ctx, a.cfg.Speaker.Dimensions); err != nil {
			return err
		}
	}
	a.scorer = ps
	return nil
}

// initTranscoder picks the per-connection decoder.
func (a *App) initTranscoder() {
	if a.newBridge != nil {
		return
	}
	tc := a.cfg.Transcoder
	switch tc.Mode {
	case config.TranscoderOpus:
		a.newBridge = func() transcode.Bridge { return transcode.NewOpus(tc.Channels) }
	default:
		ff := tc.FFmpegConfig
		a.newBridge = func() transcode.Bridge { return transcode.NewFFmpeg(ff, a.log) }
	}
	a.log.Info("transcoder configured", "mode", tc.Mode)
}

// initServer builds the websocket server, the readiness checks, and the HTTP
// server around them.
func (a *App) initServer() error {
	defaults, err := SessionDefaults(a.cfg)
	if err != nil {
		return err
	}

	checkers := []health.Checker{{Name: "counter_store", Check: a.counters.Ping}}
	if a.pool != nil {
		checkers = append(checkers, health.Checker{Name: "postgres", Check: a.pool.Ping})
	}
	checkers = append(checkers, a.providers.Checkers...)
	a.health = health.New(checkers...)

	cfg := server.Config{
		Counters:         a.counters,
		Guard:            a.guard,
		NewBridge:        a.newBridge,
		Recognizer:       a.providers.STT,
		Recommender:      a.recommender(),
		Interactions:     a.interactions,
		Defaults:         &defaults,
		HandshakeTimeout: a.cfg.Server.HandshakeTimeout,
		MaxMessageBytes:  a.cfg.Server.MaxMessageBytes,
		OriginPatterns:   a.cfg.Server.AllowedOrigins,
		Health:           a.health,
		MetricsHandler:   a.metricsH,
		Metrics:          a.metrics,
		Logger:           a.log,
	}
	if a.archiver != nil {
		cfg.Archive = a.archiver
	}
	if a.scorer != nil {
		cfg.Extractor = a.providers.Extractor
		cfg.Scorer = a.scorer
	}
	a.server, err = server.New(cfg)
	if err != nil {
		return err
	}
	a.httpSrv = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(a.log.Handler(), slog.LevelWarn),
	}
	return nil
}

func (a *App) recommender() *recommend.Service {
	return recommend.New(a.providers.LLM, a.cfg.Recommend,
		recommend.WithMetrics(a.metrics),
		recommend.WithProviderName(a.cfg.Providers.LLM.Name),
	)
}

// SessionDefaults derives the per-connection defaults from cfg.
func SessionDefaults(cfg *config.Config) (server.SessionDefaults, error) {
	vs, err := cfg.VADSettings()
	if err != nil {
		return server.SessionDefaults{}, err
	}
	return server.SessionDefaults{
		VAD:     vs,
		Buffer:  cfg.Buffer,
		Dedup:   cfg.Dedup,
		Speaker: cfg.Speaker.Config,

		Corrector: transcript.NewCorrector(cfg.Vocabulary),
	}, nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run listens on the configured address and serves until ctx is cancelled or
// the listener fails. A cancelled ctx returns ctx.Err(); connections are
// drained by Shutdown, not by Run.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	a.mu.Lock()
	a.addr = ln.Addr()
	a.mu.Unlock()
	close(a.ready)

	errCh := make(chan error, 1)
	go func() {
		if tls := a.cfg.Server.TLS; tls != nil {
			errCh <- a.httpSrv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
			return
		}
		errCh <- a.httpSrv.Serve(ln)
	}()
	a.log.Info("app running", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// Ready is closed once Run is listening.
func (a *App) Ready() <-chan struct{} { return a.ready }

// Addr returns the listening address, or nil before Run.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// Handler returns the HTTP handler served by Run.
func (a *App) Handler() http.Handler { return a.httpSrv.Handler }

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable parts of next: the log level, the
// admission ceilings, and the per-connection defaults. Connections already
// streaming keep the settings they started with. Sections that need a
// restart are logged and otherwise ignored.
func (a *App) Reload(prev, next *config.Config) {
	d := config.Diff(prev, next)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.AdmissionChanged {
		a.guard.SetLimits(next.Admission.Limits)
		a.log.Info("admission limits updated",
			"max_cpu_percent", next.Admission.MaxCPU,
			"max_ram_percent", next.Admission.MaxRAM,
			"max_latency_ratio", next.Admission.MaxLatencyRatio,
		)
	}
	if d.SessionChanged {
		defaults, err := SessionDefaults(next)
		if err != nil {
			a.log.Error("reload: session defaults rejected", "err", err)
		} else {
			a.server.SetSessionDefaults(defaults)
			a.log.Info("session defaults updated", "vad", defaults.VAD)
		}
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config sections changed that need a restart", "sections", d.RestartRequired)
	}
}

// SlogLevel maps a config level to slog.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown marks the server as draining, stops accepting connections, waits
// for live connections to finish their teardown, and then closes every
// subsystem in reverse-init order. If ctx expires first, remaining closers
// are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "active_connections", a.server.Active(), "closers", len(a.closers))
		a.health.SetDraining(true)

		if err := a.httpSrv.Shutdown(ctx); err != nil {
			a.log.Warn("http shutdown error", "err", err)
		}
		if err := a.server.Shutdown(ctx); err != nil {
			a.log.Warn("connections did not drain", "err", err)
			shutdownErr = err
			return
		}
		shutdownErr = a.close(ctx)
		if shutdownErr == nil {
			a.log.Info("shutdown complete")
		}
	})
	return shutdownErr
}

// close runs the closers in reverse order.
func (a *App) close(ctx context.Context) error {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
			return err
		}
		if err := a.closers[i](ctx); err != nil {
			a.log.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
	return nil
}
