package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/balcao/internal/admission"
	"github.com/MrWong99/balcao/internal/archive"
	"github.com/MrWong99/balcao/internal/speaker"
	"github.com/MrWong99/balcao/internal/transcode"
	"github.com/MrWong99/balcao/internal/transcript"
	"github.com/MrWong99/balcao/internal/vad"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt":        {"whisper", "whisper-native", "openai"},
	"voiceprint": {"http"},
}

// Compiled defaults not owned by a component package.
const (
	DefaultListenAddr       = ":8080"
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultMaxMessageBytes  = 1 << 20
	DefaultDimensions       = 192
	DefaultArchiveDir       = "recordings"
)

// Default returns a configuration holding every compiled default. Loading
// decodes the file over it, so keys absent from the file keep these values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:       DefaultListenAddr,
			LogLevel:         LogInfo,
			HandshakeTimeout: DefaultHandshakeTimeout,
			MaxMessageBytes:  DefaultMaxMessageBytes,
		},
		Buffer: transcript.DefaultBufferConfig(),
		Dedup:  transcript.DefaultDedupConfig(),
		Speaker: SpeakerConfig{
			Dimensions: DefaultDimensions,
			Config:     speaker.DefaultConfig(),
		},
		Admission: AdmissionConfig{
			Limits:  admission.DefaultLimits(),
			History: admission.DefaultHistory,
		},
		Archive: ArchiveConfig{
			Driver: ArchiveLocal,
			Dir:    DefaultArchiveDir,
			Config: archive.Config{
				QueueSize:     archive.DefaultQueueSize,
				FlushInterval: archive.DefaultFlushInterval,
			},
		},
		Transcoder: TranscoderConfig{
			Mode:     TranscoderFFmpeg,
			Channels: 1,
			FFmpegConfig: transcode.FFmpegConfig{
				Path:         transcode.DefaultFFmpegPath,
				WriteTimeout: transcode.DefaultWriteTimeout,
			},
		},
		Store: StoreConfig{Driver: StoreMemory},
	}
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over [Default], fills any
// remaining zero values, and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults replaces zero-valued numeric and enum fields with their
// compiled defaults. Booleans and the speaker threshold and margin are left
// alone, since zero is a meaningful value for them; [Default] carries their
// defaults instead.
func ApplyDefaults(cfg *Config) {
	d := Default()

	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = d.Server.ListenAddr
	}
	if s.LogLevel == "" {
		s.LogLevel = d.Server.LogLevel
	}
	if s.HandshakeTimeout <= 0 {
		s.HandshakeTimeout = d.Server.HandshakeTimeout
	}
	if s.MaxMessageBytes <= 0 {
		s.MaxMessageBytes = d.Server.MaxMessageBytes
	}

	if cfg.Buffer.MinWords == 0 {
		cfg.Buffer.MinWords = d.Buffer.MinWords
	}
	if cfg.Buffer.MaxWait == 0 {
		cfg.Buffer.MaxWait = d.Buffer.MaxWait
	}
	if cfg.Dedup.MaxTokens == 0 {
		cfg.Dedup.MaxTokens = d.Dedup.MaxTokens
	}
	if cfg.Dedup.MinTokens == 0 {
		cfg.Dedup.MinTokens = d.Dedup.MinTokens
	}
	if cfg.Dedup.Threshold == 0 {
		cfg.Dedup.Threshold = d.Dedup.Threshold
	}

	sp := &cfg.Speaker
	if sp.Dimensions == 0 {
		sp.Dimensions = d.Speaker.Dimensions
	}
	if sp.MinDuration == 0 {
		sp.MinDuration = d.Speaker.MinDuration
	}
	if sp.TopK == 0 {
		sp.TopK = d.Speaker.TopK
	}

	ad := &cfg.Admission
	if ad.MaxCPU == 0 {
		ad.MaxCPU = d.Admission.MaxCPU
	}
	if ad.MaxRAM == 0 {
		ad.MaxRAM = d.Admission.MaxRAM
	}
	if ad.MaxLatencyRatio == 0 {
		ad.MaxLatencyRatio = d.Admission.MaxLatencyRatio
	}
	if ad.MinSamples == 0 {
		ad.MinSamples = d.Admission.MinSamples
	}
	if ad.History == 0 {
		ad.History = d.Admission.History
	}

	ar := &cfg.Archive
	if ar.Driver == "" {
		ar.Driver = d.Archive.Driver
	}
	if ar.Driver == ArchiveLocal && ar.Dir == "" {
		ar.Dir = d.Archive.Dir
	}
	if ar.QueueSize == 0 {
		ar.QueueSize = d.Archive.QueueSize
	}
	if ar.FlushInterval == 0 {
		ar.FlushInterval = d.Archive.FlushInterval
	}

	tc := &cfg.Transcoder
	if tc.Mode == "" {
		tc.Mode = d.Transcoder.Mode
	}
	if tc.Channels == 0 {
		tc.Channels = d.Transcoder.Channels
	}
	if tc.Path == "" {
		tc.Path = d.Transcoder.Path
	}
	if tc.WriteTimeout == 0 {
		tc.WriteTimeout = d.Transcoder.WriteTimeout
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = d.Store.Driver
	}
}

// VADSettings resolves the configured VAD layer over the compiled defaults.
func (c *Config) VADSettings() (vad.Settings, error) {
	return vad.Resolve(vad.DefaultSettings(), c.VAD)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.HandshakeTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.handshake_timeout %s must not be negative", cfg.Server.HandshakeTimeout))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls needs both cert_file and key_file"))
	}

	// VAD
	if _, err := cfg.VADSettings(); err != nil {
		errs = append(errs, fmt.Errorf("vad: %w", err))
	}

	// Buffer + dedup
	if cfg.Buffer.MinWords < 1 {
		errs = append(errs, fmt.Errorf("buffer.min_words %d must be >= 1", cfg.Buffer.MinWords))
	}
	if cfg.Buffer.MaxWait <= 0 {
		errs = append(errs, fmt.Errorf("buffer.max_wait %s must be > 0", cfg.Buffer.MaxWait))
	}
	if cfg.Dedup.MinTokens < 1 {
		errs = append(errs, fmt.Errorf("dedup.min_tokens %d must be >= 1", cfg.Dedup.MinTokens))
	}
	if cfg.Dedup.MaxTokens < cfg.Dedup.MinTokens {
		errs = append(errs, fmt.Errorf("dedup.max_tokens %d must be >= min_tokens %d", cfg.Dedup.MaxTokens, cfg.Dedup.MinTokens))
	}
	if cfg.Dedup.Threshold <= 0 || cfg.Dedup.Threshold > 1 {
		errs = append(errs, fmt.Errorf("dedup.threshold %.2f is out of range (0, 1]", cfg.Dedup.Threshold))
	}
	if v := cfg.Vocabulary.PhoneticThreshold; v < 0 || v > 1 {
		errs = append(errs, fmt.Errorf("vocabulary.phonetic_threshold %.2f is out of range [0, 1]", v))
	}
	if v := cfg.Vocabulary.FuzzyThreshold; v < 0 || v > 1 {
		errs = append(errs, fmt.Errorf("vocabulary.fuzzy_threshold %.2f is out of range [0, 1]", v))
	}

	// Speaker
	sp := cfg.Speaker
	if sp.Threshold < 0 || sp.Threshold > 1 {
		errs = append(errs, fmt.Errorf("speaker.threshold %.2f is out of range [0, 1]", sp.Threshold))
	}
	if sp.Margin < 0 {
		errs = append(errs, fmt.Errorf("speaker.margin %.2f must not be negative", sp.Margin))
	}
	if sp.Enabled {
		if cfg.Providers.Voiceprint.BaseURL == "" {
			errs = append(errs, errors.New("speaker.enabled requires providers.voiceprint.base_url"))
		}
		if cfg.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("speaker.enabled requires store.postgres_dsn for the voiceprints table"))
		}
	}

	// Admission
	ad := cfg.Admission
	if ad.MaxCPU <= 0 || ad.MaxCPU > 100 {
		errs = append(errs, fmt.Errorf("admission.max_cpu_percent %.1f is out of range (0, 100]", ad.MaxCPU))
	}
	if ad.MaxRAM <= 0 || ad.MaxRAM > 100 {
		errs = append(errs, fmt.Errorf("admission.max_ram_percent %.1f is out of range (0, 100]", ad.MaxRAM))
	}
	if ad.MaxLatencyRatio <= 0 {
		errs = append(errs, fmt.Errorf("admission.max_latency_ratio %.2f must be > 0", ad.MaxLatencyRatio))
	}
	if ad.MinSamples < 1 || ad.MinSamples > ad.History {
		errs = append(errs, fmt.Errorf("admission.min_samples %d is out of range [1, history=%d]", ad.MinSamples, ad.History))
	}

	// Archive
	ar := cfg.Archive
	if !ar.Driver.IsValid() {
		errs = append(errs, fmt.Errorf("archive.driver %q is invalid; valid values: none, local, s3", ar.Driver))
	}
	if ar.Driver == ArchiveLocal && ar.Dir == "" {
		errs = append(errs, errors.New("archive.dir is required when driver is local"))
	}
	if ar.Driver == ArchiveS3 && ar.S3.Bucket == "" {
		errs = append(errs, errors.New("archive.s3.bucket is required when driver is s3"))
	}
	if ar.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("archive.queue_size %d must be >= 1", ar.QueueSize))
	}
	if ar.FlushInterval <= 0 {
		errs = append(errs, fmt.Errorf("archive.flush_interval %s must be > 0", ar.FlushInterval))
	}

	// Transcoder
	tc := cfg.Transcoder
	if !tc.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("transcoder.mode %q is invalid; valid values: ffmpeg, opus", tc.Mode))
	}
	if tc.Mode == TranscoderOpus && tc.Channels != 1 && tc.Channels != 2 {
		errs = append(errs, fmt.Errorf("transcoder.channels %d must be 1 or 2", tc.Channels))
	}

	// Store
	st := cfg.Store
	if !st.Driver.IsValid() {
		errs = append(errs, fmt.Errorf("store.driver %q is invalid; valid values: memory, badger, postgres", st.Driver))
	}
	if st.Driver == StorePostgres && st.PostgresDSN == "" {
		errs = append(errs, errors.New("store.postgres_dsn is required when driver is postgres"))
	}
	if st.Driver == StoreBadger && st.BadgerDir == "" {
		errs = append(errs, errors.New("store.badger_dir is required when driver is badger"))
	}
	seen := make(map[string]int, len(st.Counters))
	for i, c := range st.Counters {
		prefix := fmt.Sprintf("store.counters[%d]", i)
		if c.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else {
			if prev, ok := seen[c.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of store.counters[%d]", prefix, c.ID, prev))
			}
			seen[c.ID] = i
		}
		if c.APIKey == "" {
			errs = append(errs, fmt.Errorf("%s.api_key is required", prefix))
		}
		if _, err := vad.Resolve(vad.DefaultSettings(), cfg.VAD, c.Preset); err != nil {
			errs = append(errs, fmt.Errorf("%s.vad_preset: %w", prefix, err))
		}
	}

	// Providers
	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required"))
	}
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	validateProviderName("stt", cfg.Providers.STT.Name)
	for _, e := range cfg.Providers.STTFallbacks {
		validateProviderName("stt", e.Name)
	}
	validateProviderName("llm", cfg.Providers.LLM.Name)
	for _, e := range cfg.Providers.LLMFallbacks {
		validateProviderName("llm", e.Name)
	}
	validateProviderName("voiceprint", cfg.Providers.Voiceprint.Name)

	// Recommend
	if t := cfg.Recommend.Temperature; t < 0 || t > 2 {
		errs = append(errs, fmt.Errorf("recommend.temperature %.2f is out of range [0, 2]", t))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
