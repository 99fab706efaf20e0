// Command balcao is the main entry point for the counter audio server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/balcao/internal/app"
	"github.com/MrWong99/balcao/internal/config"
	"github.com/MrWong99/balcao/internal/health"
	"github.com/MrWong99/balcao/internal/observe"
	"github.com/MrWong99/balcao/internal/resilience"
	"github.com/MrWong99/balcao/internal/speaker"
	"github.com/MrWong99/balcao/pkg/provider/llm"
	"github.com/MrWong99/balcao/pkg/provider/llm/anyllm"
	oaillm "github.com/MrWong99/balcao/pkg/provider/llm/openai"
	"github.com/MrWong99/balcao/pkg/provider/stt"
	oaistt "github.com/MrWong99/balcao/pkg/provider/stt/openai"
	"github.com/MrWong99/balcao/pkg/provider/stt/whisper"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload the configuration file when it changes")
	flag.Parse()

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Load configuration ────────────────────────────────────────────────────
	// The watcher owns the application; it is created before the app so its
	// callback can be bound once the app exists.
	var application *app.App
	watcher, err := config.NewWatcher(*configPath, func(prev, next *config.Config) {
		if application != nil {
			application.Reload(prev, next)
		}
	}, config.WithWatcherLogger(logger))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "balcao: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "balcao: %v\n", err)
		}
		return 1
	}
	cfg := watcher.Current()
	level.Set(app.SlogLevel(cfg.Server.LogLevel))

	slog.Info("balcao starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	defer func() {
		if err := reg.Close(); err != nil {
			slog.Warn("provider close error", "err", err)
		}
	}()

	providers, err := buildProviders(cfg, reg, metrics)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Application ───────────────────────────────────────────────────────────
	application, err = app.New(ctx, cfg, providers,
		app.WithLogger(logger, level),
		app.WithMetrics(metrics),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return application.Run(gctx) })
	if *watch {
		g.Go(func() error { return watcher.Run(gctx) })

		// SIGHUP re-reads the file without waiting for the next poll.
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-hup:
					slog.Info("SIGHUP received, reloading configuration")
					watcher.Reload()
				}
			}
		})
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		if org := entry.StringOption("organization"); org != "" {
			opts = append(opts, oaillm.WithOrganization(org))
		}
		if d := entry.DurationOption("timeout"); d > 0 {
			opts = append(opts, oaillm.WithTimeout(d))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	})
	// Every other any-llm-go backend; "openai" keeps the native client above.
	for _, providerName := range anyllm.Supported() {
		if providerName == "openai" {
			continue
		}
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────
	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Recognizer, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := entry.StringOption("language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		if prompt := entry.StringOption("prompt"); prompt != "" {
			opts = append(opts, whisper.WithPrompt(prompt))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	// whisper-native runs whisper.cpp in-process; entry.Model is the path to
	// a ggml model file.
	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Recognizer, error) {
		var opts []whisper.NativeOption
		if lang := entry.StringOption("language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		return whisper.NewNative(entry.Model, opts...)
	})

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Recognizer, error) {
		var opts []oaistt.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaistt.WithBaseURL(entry.BaseURL))
		}
		if entry.Model != "" {
			opts = append(opts, oaistt.WithModel(entry.Model))
		}
		if lang := entry.StringOption("language"); lang != "" {
			opts = append(opts, oaistt.WithLanguage(lang))
		}
		if prompt := entry.StringOption("prompt"); prompt != "" {
			opts = append(opts, oaistt.WithPrompt(prompt))
		}
		return oaistt.New(entry.APIKey, opts...)
	})

	// ── Voiceprint ────────────────────────────────────────────────────────────
	reg.RegisterVoiceprint("http", func(entry config.ProviderEntry) (speaker.Extractor, error) {
		var opts []speaker.ExtractorOption
		if entry.APIKey != "" {
			opts = append(opts, speaker.WithAPIKey(entry.APIKey))
		}
		return speaker.NewHTTPExtractor(entry.BaseURL, opts...)
	})

	for kind, names := range reg.Names() {
		slog.Debug("registered providers", "kind", kind, "names", names)
	}
}

// buildProviders instantiates the configured providers, wraps each kind in a
// fallback group with per-entry circuit breakers, and exposes the primary
// breakers as optional readiness checks.
func buildProviders(cfg *config.Config, reg *config.Registry, m *observe.Metrics) (*app.Providers, error) {
	pc := cfg.Providers
	breaker := pc.Breaker
	breaker.OnStateChange = func(name string, from, to resilience.State) {
		slog.Warn("provider circuit breaker changed state", "provider", name, "from", from, "to", to)
		if to == resilience.StateOpen {
			m.RecordProviderError(context.Background(), name, "breaker_open")
		}
	}
	fcfg := resilience.FallbackConfig{CircuitBreaker: breaker}
	ps := &app.Providers{}

	// ── STT ───────────────────────────────────────────────────────────────────
	primary, err := reg.CreateSTT(pc.STT)
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", pc.STT.Name, err)
	}
	sttGroup := resilience.NewSTTFallback(primary, pc.STT.Name, fcfg)
	for _, e := range pc.STTFallbacks {
		r, err := reg.CreateSTT(e)
		if err != nil {
			return nil, fmt.Errorf("create stt fallback %q: %w", e.Name, err)
		}
		sttGroup.AddFallback(e.Name, r)
	}
	ps.STT = sttGroup
	slog.Info("provider created", "kind", "stt", "name", pc.STT.Name, "fallbacks", len(pc.STTFallbacks))

	// ── LLM ───────────────────────────────────────────────────────────────────
	llmPrimary, err := reg.CreateLLM(pc.LLM)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", pc.LLM.Name, err)
	}
	llmGroup := resilience.NewLLMFallback(llmPrimary, pc.LLM.Name, fcfg)
	for _, e := range pc.LLMFallbacks {
		p, err := reg.CreateLLM(e)
		if err != nil {
			return nil, fmt.Errorf("create llm fallback %q: %w", e.Name, err)
		}
		llmGroup.AddFallback(e.Name, p)
	}
	ps.LLM = llmGroup
	slog.Info("provider created", "kind", "llm", "name", pc.LLM.Name, "model", pc.LLM.Model, "fallbacks", len(pc.LLMFallbacks))

	ps.Checkers = []health.Checker{
		breakerCheck("stt_breaker", pc.STT.Name, sttGroup.States),
		breakerCheck("llm_breaker", pc.LLM.Name, llmGroup.States),
	}

	// ── Voiceprint ────────────────────────────────────────────────────────────
	if cfg.Speaker.Enabled {
		vp := pc.Voiceprint
		if vp.Name == "" {
			vp.Name = "http"
		}
		ex, err := reg.CreateVoiceprint(vp)
		if err != nil {
			return nil, fmt.Errorf("create voiceprint extractor %q: %w", vp.Name, err)
		}
		ps.Extractor = ex
		slog.Info("provider created", "kind", "voiceprint", "name", vp.Name, "base_url", vp.BaseURL)
	}
	return ps, nil
}

// breakerCheck reports a warning while the primary's breaker is not closed.
// Fallbacks keep serving, so it never fails readiness.
func breakerCheck(name, primary string, states func() map[string]resilience.State) health.Checker {
	return health.Checker{
		Name:     name,
		Optional: true,
		Check: func(context.Context) error {
			if s := states()[primary]; s != resilience.StateClosed {
				return fmt.Errorf("%s breaker is %s", primary, s)
			}
			return nil
		},
	}
}
