package config

import (
	"reflect"
	"slices"

	"github.com/MrWong99/balcao/internal/transcript"
	"github.com/MrWong99/balcao/internal/vad"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// AdmissionChanged is set when the admission ceilings differ. They are
	// applied to the running guard.
	AdmissionChanged bool

	// SessionChanged is set when the per-connection defaults (vad, buffer,
	// dedup, vocabulary, speaker rule) differ. They apply to connections
	// opened after the reload.
	SessionChanged bool

	// RestartRequired names the sections that changed but are only read at
	// startup.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.AdmissionChanged && !d.SessionChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.AdmissionChanged = old.Admission.Limits != new.Admission.Limits

	d.SessionChanged = !sameVAD(old.VAD, new.VAD) ||
		old.Buffer.MinWords != new.Buffer.MinWords ||
		old.Buffer.MaxWait != new.Buffer.MaxWait ||
		!slices.Equal(old.Buffer.IgnoreList, new.Buffer.IgnoreList) ||
		old.Dedup != new.Dedup ||
		!sameVocabulary(old.Vocabulary, new.Vocabulary) ||
		old.Speaker.Config != new.Speaker.Config

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	restart := []struct {
		name     string
		old, new any
	}{
		{"server", oldServer, newServer},
		{"speaker", old.Speaker.Enabled != new.Speaker.Enabled || old.Speaker.Dimensions != new.Speaker.Dimensions, false},
		{"admission", old.Admission.History != new.Admission.History || old.Admission.ProcMount != new.Admission.ProcMount, false},
		{"archive", old.Archive, new.Archive},
		{"transcoder", old.Transcoder, new.Transcoder},
		{"store", old.Store, new.Store},
		{"recommend", old.Recommend, new.Recommend},
		{"providers", old.Providers, new.Providers},
	}
	for _, r := range restart {
		if !reflect.DeepEqual(r.old, r.new) {
			d.RestartRequired = append(d.RestartRequired, r.name)
		}
	}
	return d
}

func sameVocabulary(a, b transcript.VocabularyConfig) bool {
	return slices.Equal(a.Terms, b.Terms) &&
		a.PhoneticThreshold == b.PhoneticThreshold &&
		a.FuzzyThreshold == b.FuzzyThreshold
}

// sameVAD compares two override layers by the settings they resolve to.
func sameVAD(a, b vad.Overrides) bool {
	base := vad.DefaultSettings()
	return base.Apply(a) == base.Apply(b)
}
