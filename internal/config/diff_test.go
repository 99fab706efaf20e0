package config_test

import (
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/balcao/internal/config"
)

func loadMinimal(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return cfg
}

func ptr[T any](v T) *T { return &v }

func TestDiff(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.Config)
		check  func(t *testing.T, d config.ConfigDiff)
	}{
		{
			name:   "no change",
			mutate: func(*config.Config) {},
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.Empty() {
					t.Errorf("diff = %+v, want empty", d)
				}
			},
		},
		{
			name:   "log level",
			mutate: func(c *config.Config) { c.Server.LogLevel = config.LogDebug },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
					t.Errorf("diff = %+v", d)
				}
				if len(d.RestartRequired) != 0 {
					t.Errorf("log level alone must not require restart: %v", d.RestartRequired)
				}
			},
		},
		{
			name:   "admission limits",
			mutate: func(c *config.Config) { c.Admission.MaxCPU = 50 },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.AdmissionChanged || d.SessionChanged || len(d.RestartRequired) != 0 {
					t.Errorf("diff = %+v", d)
				}
			},
		},
		{
			name:   "admission history needs restart",
			mutate: func(c *config.Config) { c.Admission.History = 40 },
			check: func(t *testing.T, d config.ConfigDiff) {
				if d.AdmissionChanged || !slices.Contains(d.RestartRequired, "admission") {
					t.Errorf("diff = %+v", d)
				}
			},
		},
		{
			name:   "vad layer",
			mutate: func(c *config.Config) { c.VAD.SilenceFrames = ptr(45) },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.SessionChanged {
					t.Errorf("diff = %+v", d)
				}
			},
		},
		{
			name:   "vocabulary terms",
			mutate: func(c *config.Config) { c.Vocabulary.Terms = []string{"Dipirona"} },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.SessionChanged || len(d.RestartRequired) != 0 {
					t.Errorf("diff = %+v", d)
				}
			},
		},
		{
			name: "vad layer spelling out the default is no change",
			mutate: func(c *config.Config) {
				c.VAD.SilenceFrames = ptr(30)
			},
			check: func(t *testing.T, d config.ConfigDiff) {
				if d.SessionChanged {
					t.Errorf("diff = %+v", d)
				}
			},
		},
		{
			name:   "buffer ignore list",
			mutate: func(c *config.Config) { c.Buffer.IgnoreList = []string{"(risos)"} },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.SessionChanged {
					t.Errorf("diff = %+v", d)
				}
			},
		},
		{
			name: "startup-only sections",
			mutate: func(c *config.Config) {
				c.Server.ListenAddr = ":1"
				c.Archive.FlushInterval = time.Second
				c.Providers.LLM.Model = "other"
			},
			check: func(t *testing.T, d config.ConfigDiff) {
				want := []string{"server", "archive", "providers"}
				if !slices.Equal(d.RestartRequired, want) {
					t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, want)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, cur := loadMinimal(t), loadMinimal(t)
			tt.mutate(cur)
			tt.check(t, config.Diff(old, cur))
		})
	}
}
