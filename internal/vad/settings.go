// Package vad implements the adaptive voice activity detector that turns a
// connection's continuous PCM stream into discrete speech segments.
//
// The detector keeps an exponential moving average of the background energy
// while idle and derives a dynamic threshold from it. Frames below the
// threshold never reach the (comparatively expensive) [Classifier]. A fixed
// pre-roll ring keeps utterance onsets intact, and segments close either after
// a run of silent frames or at a hard frame cap.
package vad

import (
	"errors"
	"fmt"
)

// Settings is a fully resolved, immutable detector configuration. Build one
// with [DefaultSettings] and [Resolve]; never mutate a Settings that is already
// in use by a [Detector].
type Settings struct {
	// Multiplier scales the noise floor to obtain the dynamic threshold.
	Multiplier float64 `json:"energy_multiplier"`

	// MinEnergy is the absolute lower bound of the dynamic threshold.
	MinEnergy float64 `json:"min_energy"`

	// Alpha is the EMA factor applied to the noise floor while idle.
	Alpha float64 `json:"ema_alpha"`

	// SilenceFrames is the number of consecutive non-speech frames that closes
	// a triggered segment.
	SilenceFrames int `json:"silence_frames"`

	// PreRollFrames is the size of the ring replayed at speech onset.
	PreRollFrames int `json:"preroll_frames"`

	// MaxFrames is the hard segment cap; reaching it cuts with [CutSafetyLimit].
	MaxFrames int `json:"max_frames"`

	// Aggressiveness selects the classifier strictness, 0 (lenient) to 3 (strict).
	Aggressiveness int `json:"aggressiveness"`
}

// DefaultSettings returns the compiled defaults.
func DefaultSettings() Settings {
	return Settings{
		Multiplier:     1.8,
		MinEnergy:      120.0,
		Alpha:          0.05,
		SilenceFrames:  30,
		PreRollFrames:  20,
		MaxFrames:      200,
		Aggressiveness: 2,
	}
}

// Validate reports every out-of-range field.
func (s Settings) Validate() error {
	var errs []error
	if s.Multiplier <= 0 {
		errs = append(errs, fmt.Errorf("energy_multiplier %.2f must be > 0", s.Multiplier))
	}
	if s.MinEnergy < 0 {
		errs = append(errs, fmt.Errorf("min_energy %.2f must be >= 0", s.MinEnergy))
	}
	if s.Alpha <= 0 || s.Alpha > 1 {
		errs = append(errs, fmt.Errorf("ema_alpha %.3f is out of range (0, 1]", s.Alpha))
	}
	if s.SilenceFrames < 1 {
		errs = append(errs, fmt.Errorf("silence_frames %d must be >= 1", s.SilenceFrames))
	}
	if s.PreRollFrames < 0 {
		errs = append(errs, fmt.Errorf("preroll_frames %d must be >= 0", s.PreRollFrames))
	}
	if s.MaxFrames < 1 {
		errs = append(errs, fmt.Errorf("max_frames %d must be >= 1", s.MaxFrames))
	}
	if s.Aggressiveness < 0 || s.Aggressiveness > 3 {
		errs = append(errs, fmt.Errorf("aggressiveness %d is out of range [0, 3]", s.Aggressiveness))
	}
	return errors.Join(errs...)
}

// Overrides is one configuration layer. Every field is independently
// optional; nil leaves the underlying value untouched. The same type is used
// for client handshake hints, stored counter presets, and the YAML defaults.
type Overrides struct {
	Multiplier     *float64 `json:"energy_multiplier,omitempty" yaml:"energy_multiplier" msgpack:"energy_multiplier,omitempty"`
	MinEnergy      *float64 `json:"min_energy,omitempty" yaml:"min_energy" msgpack:"min_energy,omitempty"`
	Alpha          *float64 `json:"ema_alpha,omitempty" yaml:"ema_alpha" msgpack:"ema_alpha,omitempty"`
	SilenceFrames  *int     `json:"silence_frames,omitempty" yaml:"silence_frames" msgpack:"silence_frames,omitempty"`
	PreRollFrames  *int     `json:"preroll_frames,omitempty" yaml:"preroll_frames" msgpack:"preroll_frames,omitempty"`
	MaxFrames      *int     `json:"max_frames,omitempty" yaml:"max_frames" msgpack:"max_frames,omitempty"`
	Aggressiveness *int     `json:"aggressiveness,omitempty" yaml:"aggressiveness" msgpack:"aggressiveness,omitempty"`
}

// IsZero reports whether o overrides nothing.
func (o Overrides) IsZero() bool {
	return o == Overrides{}
}

// Apply returns s with every non-nil field of o written over it.
func (s Settings) Apply(o Overrides) Settings {
	if o.Multiplier != nil {
		s.Multiplier = *o.Multiplier
	}
	if o.MinEnergy != nil {
		s.MinEnergy = *o.MinEnergy
	}
	if o.Alpha != nil {
		s.Alpha = *o.Alpha
	}
	if o.SilenceFrames != nil {
		s.SilenceFrames = *o.SilenceFrames
	}
	if o.PreRollFrames != nil {
		s.PreRollFrames = *o.PreRollFrames
	}
	if o.MaxFrames != nil {
		s.MaxFrames = *o.MaxFrames
	}
	if o.Aggressiveness != nil {
		s.Aggressiveness = *o.Aggressiveness
	}
	return s
}

// Resolve applies layers over base in order, so later layers win, and
// validates the result. A connection resolves
//
//	Resolve(defaults, clientHints, counterPreset)
//
// so the stored counter preset is authoritative over client hints.
func Resolve(base Settings, layers ...Overrides) (Settings, error) {
	s := base
	for _, l := range layers {
		s = s.Apply(l)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, fmt.Errorf("vad: resolve settings: %w", err)
	}
	return s, nil
}
