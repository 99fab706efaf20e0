// Package counter resolves a connection's API key to the point-of-sale
// counter it belongs to, together with the counter's stored VAD preset.
//
// Keys are never stored in clear text: every backend indexes counters by the
// SHA-256 of the key (see [HashKey]).
package counter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/MrWong99/balcao/internal/vad"
)

// ErrNotFound is returned by Authenticate for an unknown or disabled key.
var ErrNotFound = errors.New("counter: not found")

// Counter is one authenticated terminal.
type Counter struct {
	ID        string        `json:"id" yaml:"id" msgpack:"id"`
	AccountID string        `json:"account_id" yaml:"account_id" msgpack:"account_id"`
	Name      string        `json:"name" yaml:"name" msgpack:"name"`
	Preset    vad.Overrides `json:"vad_preset" yaml:"vad_preset" msgpack:"vad_preset"`
	Disabled  bool          `json:"disabled,omitempty" yaml:"disabled" msgpack:"disabled,omitempty"`
}

// Store looks counters up by API key.
type Store interface {
	// Authenticate returns the counter owning apiKey, or ErrNotFound.
	Authenticate(ctx context.Context, apiKey string) (Counter, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend.
	Close() error
}

// Writer is implemented by stores that can be seeded from configuration.
type Writer interface {
	Put(ctx context.Context, apiKey string, c Counter) error
}

// HashKey returns the hex SHA-256 of an API key.
func HashKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}

// Seed is one counter declared in the configuration file.
type Seed struct {
	APIKey  string `yaml:"api_key"`
	Counter `yaml:",inline"`
}

// ApplySeeds writes every seed into w.
func ApplySeeds(ctx context.Context, w Writer, seeds []Seed) error {
	var errs []error
	for _, s := range seeds {
		if s.APIKey == "" || s.ID == "" {
			errs = append(errs, errors.New("counter: seed needs api_key and id"))
			continue
		}
		if err := w.Put(ctx, s.APIKey, s.Counter); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
