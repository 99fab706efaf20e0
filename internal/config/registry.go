package config

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/balcao/internal/speaker"
	"github.com/MrWong99/balcao/pkg/provider/llm"
	"github.com/MrWong99/balcao/pkg/provider/stt"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds one provider instance from its config entry.
type Factory[T any] func(ProviderEntry) (T, error)

// Registry maps provider names to constructors for every provider kind and
// remembers the instances it built so [Registry.Close] can release them. It
// is safe for concurrent use.
type Registry struct {
	mu         sync.Mutex
	llm        map[string]Factory[llm.Provider]
	stt        map[string]Factory[stt.Recognizer]
	voiceprint map[string]Factory[speaker.Extractor]
	built      []any
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:        make(map[string]Factory[llm.Provider]),
		stt:        make(map[string]Factory[stt.Recognizer]),
		voiceprint: make(map[string]Factory[speaker.Extractor]),
	}
}

// RegisterLLM registers an LLM provider factory under name, replacing any
// earlier registration.
func (r *Registry) RegisterLLM(name string, f Factory[llm.Provider]) { register(r, r.llm, name, f) }

// RegisterSTT registers a recognizer factory under name.
func (r *Registry) RegisterSTT(name string, f Factory[stt.Recognizer]) { register(r, r.stt, name, f) }

// RegisterVoiceprint registers a voiceprint extractor factory under name.
func (r *Registry) RegisterVoiceprint(name string, f Factory[speaker.Extractor]) {
	register(r, r.voiceprint, name, f)
}

// CreateLLM instantiates the LLM provider registered under entry.Name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	return create(r, r.llm, "llm", entry)
}

// CreateSTT instantiates the recognizer registered under entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Recognizer, error) {
	return create(r, r.stt, "stt", entry)
}

// CreateVoiceprint instantiates the extractor registered under entry.Name.
func (r *Registry) CreateVoiceprint(entry ProviderEntry) (speaker.Extractor, error) {
	return create(r, r.voiceprint, "voiceprint", entry)
}

// Names returns the registered names per kind, sorted.
func (r *Registry) Names() map[string][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return map[string][]string{
		"llm":        slices.Sorted(maps.Keys(r.llm)),
		"stt":        slices.Sorted(maps.Keys(r.stt)),
		"voiceprint": slices.Sorted(maps.Keys(r.voiceprint)),
	}
}

// Close releases every created instance that implements [io.Closer], newest
// first.
func (r *Registry) Close() error {
	r.mu.Lock()
	built := r.built
	r.built = nil
	r.mu.Unlock()

	var errs []error
	for _, v := range slices.Backward(built) {
		if c, ok := v.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func register[T any](r *Registry, m map[string]Factory[T], name string, f Factory[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m[name] = f
}

func create[T any](r *Registry, m map[string]Factory[T], kind string, entry ProviderEntry) (T, error) {
	r.mu.Lock()
	f, ok := m[entry.Name]
	r.mu.Unlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, kind, entry.Name)
	}
	v, err := f(entry)
	if err != nil {
		return v, err
	}
	r.mu.Lock()
	r.built = append(r.built, v)
	r.mu.Unlock()
	return v, nil
}
