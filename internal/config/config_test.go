package config_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/balcao/internal/config"
	"github.com/MrWong99/balcao/internal/speaker"
	"github.com/MrWong99/balcao/pkg/provider/llm"
	llmmock "github.com/MrWong99/balcao/pkg/provider/llm/mock"
	"github.com/MrWong99/balcao/pkg/provider/stt"
	sttmock "github.com/MrWong99/balcao/pkg/provider/stt/mock"
)

// minimalYAML is the smallest configuration that validates.
const minimalYAML = `
providers:
  stt:
    name: whisper
    base_url: http://localhost:8081
  llm:
    name: openai
    model: gpt-4o-mini
`

const fullYAML = `
server:
  listen_addr: ":9090"
  log_level: debug
  handshake_timeout: 3s
  allowed_origins: ["pdv.example.com"]
vad:
  energy_multiplier: 2.2
  silence_frames: 40
buffer:
  min_words: 14
  max_wait: 8s
  ignore_list: ["[música]"]
dedup:
  threshold: 0.9
speaker:
  enabled: true
  dimensions: 256
  threshold: 0.75
admission:
  max_cpu_percent: 80
  fail_closed: false
  history: 30
archive:
  driver: s3
  flush_interval: 30s
  s3:
    bucket: balcao-audio
    prefix: prod
    region: sa-east-1
    use_path_style: true
transcoder:
  mode: opus
  channels: 2
store:
  driver: postgres
  postgres_dsn: postgres://localhost/balcao
  migrate: true
  counters:
    - id: loja-1-caixa-2
      account_id: loja-1
      name: Caixa 2
      api_key: k-123
      vad_preset:
        min_energy: 200
recommend:
  temperature: 0.3
  timeout: 12s
providers:
  stt:
    name: whisper
    base_url: http://localhost:8081
    options:
      language: pt
  stt_fallbacks:
    - name: openai
      api_key: sk-test
  llm:
    name: openai
    model: gpt-4o-mini
  voiceprint:
    name: http
    base_url: http://localhost:8090
  breaker:
    max_failures: 3
    reset_timeout: 10s
`

func TestLoadFromReader_Minimal(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	d := config.Default()
	if cfg.Server.ListenAddr != d.Server.ListenAddr || cfg.Server.HandshakeTimeout != 10*time.Second {
		t.Errorf("server defaults not applied: %+v", cfg.Server)
	}
	if cfg.Buffer.MinWords != 10 || cfg.Buffer.MaxWait != 5*time.Second {
		t.Errorf("buffer defaults = %+v", cfg.Buffer)
	}
	if cfg.Dedup.MaxTokens != 18 || cfg.Dedup.MinTokens != 4 || cfg.Dedup.Threshold != 0.82 {
		t.Errorf("dedup defaults = %+v", cfg.Dedup)
	}
	if !cfg.Admission.FailClosed {
		t.Error("admission.fail_closed should default to true")
	}
	if cfg.Archive.Driver != config.ArchiveLocal || cfg.Archive.QueueSize != 1024 || cfg.Archive.FlushInterval != time.Minute {
		t.Errorf("archive defaults = %+v", cfg.Archive)
	}
	if cfg.Transcoder.Mode != config.TranscoderFFmpeg || cfg.Transcoder.Path != "ffmpeg" {
		t.Errorf("transcoder defaults = %+v", cfg.Transcoder)
	}
	if cfg.Store.Driver != config.StoreMemory {
		t.Errorf("store driver = %q", cfg.Store.Driver)
	}

	s, err := cfg.VADSettings()
	if err != nil {
		t.Fatalf("VADSettings: %v", err)
	}
	if s.SilenceFrames != 30 || s.MaxFrames != 200 {
		t.Errorf("vad defaults = %+v", s)
	}
}

func TestLoadFromReader_Full(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.HandshakeTimeout != 3*time.Second || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	s, _ := cfg.VADSettings()
	if s.Multiplier != 2.2 || s.SilenceFrames != 40 || s.MinEnergy != 120 {
		t.Errorf("vad = %+v", s)
	}
	if cfg.Buffer.MinWords != 14 || len(cfg.Buffer.IgnoreList) != 1 {
		t.Errorf("buffer = %+v", cfg.Buffer)
	}
	// Unset fields of a partially given section keep their defaults.
	if cfg.Dedup.Threshold != 0.9 || cfg.Dedup.MaxTokens != 18 {
		t.Errorf("dedup = %+v", cfg.Dedup)
	}
	if cfg.Speaker.Threshold != 0.75 || cfg.Speaker.Margin != 0.05 || cfg.Speaker.Dimensions != 256 {
		t.Errorf("speaker = %+v", cfg.Speaker)
	}
	if cfg.Admission.MaxCPU != 80 || cfg.Admission.MaxRAM != 90 || cfg.Admission.FailClosed || cfg.Admission.History != 30 {
		t.Errorf("admission = %+v", cfg.Admission)
	}
	if cfg.Archive.S3.Bucket != "balcao-audio" || !cfg.Archive.S3.UsePathStyle || cfg.Archive.FlushInterval != 30*time.Second {
		t.Errorf("archive = %+v", cfg.Archive)
	}
	if cfg.Transcoder.Mode != config.TranscoderOpus || cfg.Transcoder.Channels != 2 {
		t.Errorf("transcoder = %+v", cfg.Transcoder)
	}
	if len(cfg.Store.Counters) != 1 {
		t.Fatalf("counters = %+v", cfg.Store.Counters)
	}
	seed := cfg.Store.Counters[0]
	if seed.APIKey != "k-123" || seed.ID != "loja-1-caixa-2" || seed.AccountID != "loja-1" {
		t.Errorf("seed = %+v", seed)
	}
	if seed.Preset.MinEnergy == nil || *seed.Preset.MinEnergy != 200 {
		t.Errorf("seed preset = %+v", seed.Preset)
	}
	if cfg.Recommend.Timeout != 12*time.Second {
		t.Errorf("recommend = %+v", cfg.Recommend)
	}
	if cfg.Providers.STT.StringOption("language") != "pt" || cfg.Providers.STT.StringOption("missing") != "" {
		t.Errorf("stt options = %v", cfg.Providers.STT.Options)
	}
	if len(cfg.Providers.STTFallbacks) != 1 || cfg.Providers.Breaker.MaxFailures != 3 {
		t.Errorf("providers = %+v", cfg.Providers)
	}
}

func TestProviderEntry_DurationOption(t *testing.T) {
	t.Parallel()
	e := config.ProviderEntry{Options: map[string]any{"timeout": "15s", "bad": "soon", "number": 5}}
	tests := []struct {
		key  string
		want time.Duration
	}{
		{"timeout", 15 * time.Second},
		{"bad", 0},
		{"number", 0},
		{"missing", 0},
	}
	for _, tt := range tests {
		if got := e.DurationOption(tt.key); got != tt.want {
			t.Errorf("DurationOption(%q) = %v, want %v", tt.key, got, tt.want)
		}
	}
}

func TestLoadFromReader_SpeakerZeroesKept(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(minimalYAML + "speaker:\n  threshold: 0\n  margin: 0\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Speaker.Threshold != 0 || cfg.Speaker.Margin != 0 {
		t.Errorf("speaker = %+v, want explicit zeros kept", cfg.Speaker.Config)
	}

	cfg, err = config.LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Speaker.Threshold != speaker.DefaultThreshold || cfg.Speaker.Margin != speaker.DefaultMargin {
		t.Errorf("speaker defaults = %+v", cfg.Speaker.Config)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(minimalYAML + "\nnpcs: []\n"))
	if err == nil {
		t.Fatal("expected error for unknown top-level key")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load("/nonexistent/balcao.yaml")
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	if _, err := reg.CreateSTT(config.ProviderEntry{Name: "whisper"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateSTT unregistered: %v", err)
	}
	if _, err := reg.CreateLLM(config.ProviderEntry{Name: "openai"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateLLM unregistered: %v", err)
	}

	var gotEntry config.ProviderEntry
	reg.RegisterSTT("whisper", func(e config.ProviderEntry) (stt.Recognizer, error) {
		gotEntry = e
		return &sttmock.Recognizer{}, nil
	})
	reg.RegisterLLM("openai", func(config.ProviderEntry) (llm.Provider, error) {
		return &llmmock.Provider{}, nil
	})

	if _, err := reg.CreateSTT(config.ProviderEntry{Name: "whisper", Model: "large-v3"}); err != nil {
		t.Fatalf("CreateSTT: %v", err)
	}
	if gotEntry.Model != "large-v3" {
		t.Errorf("factory got %+v", gotEntry)
	}
	if _, err := reg.CreateLLM(config.ProviderEntry{Name: "openai"}); err != nil {
		t.Fatalf("CreateLLM: %v", err)
	}
	if names := reg.Names(); !slices.Equal(names["stt"], []string{"whisper"}) || len(names["voiceprint"]) != 0 {
		t.Errorf("Names = %v", names)
	}
}

type closingExtractor struct{ closed *int }

func (closingExtractor) Extract(context.Context, []byte) ([]float32, error) { return []float32{1}, nil }
func (c closingExtractor) Close() error                                     { *c.closed++; return nil }

func TestRegistry_CloseReleasesBuiltProviders(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	closed := 0
	reg.RegisterVoiceprint("http", func(config.ProviderEntry) (speaker.Extractor, error) {
		return closingExtractor{closed: &closed}, nil
	})
	reg.RegisterVoiceprint("broken", func(config.ProviderEntry) (speaker.Extractor, error) {
		return nil, errors.New("no server")
	})

	if _, err := reg.CreateVoiceprint(config.ProviderEntry{Name: "http"}); err != nil {
		t.Fatalf("CreateVoiceprint: %v", err)
	}
	if _, err := reg.CreateVoiceprint(config.ProviderEntry{Name: "broken"}); err == nil {
		t.Fatal("expected factory error")
	}
	if err := reg.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := reg.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if closed != 1 {
		t.Errorf("closed = %d, want 1", closed)
	}
}

func TestLoad_ExampleFile(t *testing.T) {
	t.Parallel()
	cfg, err := config.Load("../../configs/example.yaml")
	if err != nil {
		t.Fatalf("Load example: %v", err)
	}
	if cfg.Providers.STT.Name != "whisper" || len(cfg.Providers.LLMFallbacks) != 1 {
		t.Errorf("providers = %+v", cfg.Providers)
	}
	if len(cfg.Store.Counters) != 1 || cfg.Store.Counters[0].Preset.SilenceFrames == nil {
		t.Errorf("counters = %+v", cfg.Store.Counters)
	}
	if len(cfg.Vocabulary.Terms) != 3 {
		t.Errorf("vocabulary = %+v", cfg.Vocabulary)
	}
}
