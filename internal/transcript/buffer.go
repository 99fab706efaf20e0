// Package transcript aggregates recognised text fragments per connection
// until there is enough context to hand them to the recommendation service.
//
// The [Buffer] drops boilerplate via a [Filter], and a [Deduper] removes the
// tail of the previous fragment that streaming recognisers tend to repeat at
// the start of the next one.
package transcript

import (
	"strings"
	"time"
)

// BufferConfig tunes the flush policy.
type BufferConfig struct {
	// MinWords flushes once the buffered fragments hold at least this many words.
	MinWords int `yaml:"min_words"`

	// MaxWait flushes once this much time passed since the last flush.
	MaxWait time.Duration `yaml:"max_wait"`

	// IgnoreList replaces [DefaultIgnoreList] when non-empty.
	IgnoreList []string `yaml:"ignore_list"`
}

// DefaultBufferConfig returns the compiled defaults.
func DefaultBufferConfig() BufferConfig {
	return BufferConfig{MinWords: 10, MaxWait: 5 * time.Second}
}

// Buffer accumulates fragments for one connection. It is not safe for
// concurrent use; the connection's actor owns it.
type Buffer struct {
	minWords int
	maxWait  time.Duration
	filter   *Filter
	now      func() time.Time

	fragments []string
	words     int
	lastFlush time.Time
}

// BufferOption configures a [Buffer].
type BufferOption func(*Buffer)

// WithClock injects the time source, for tests.
func WithClock(now func() time.Time) BufferOption {
	return func(b *Buffer) {
		if now != nil {
			b.now = now
		}
	}
}

// WithFilter replaces the default boilerplate filter.
func WithFilter(f *Filter) BufferOption {
	return func(b *Buffer) {
		if f != nil {
			b.filter = f
		}
	}
}

// NewBuffer returns an empty buffer whose flush timer starts now.
func NewBuffer(cfg BufferConfig, opts ...BufferOption) *Buffer {
	def := DefaultBufferConfig()
	if cfg.MinWords <= 0 {
		cfg.MinWords = def.MinWords
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = def.MaxWait
	}
	ignore := cfg.IgnoreList
	if len(ignore) == 0 {
		ignore = DefaultIgnoreList
	}
	b := &Buffer{
		minWords: cfg.MinWords,
		maxWait:  cfg.MaxWait,
		filter:   NewFilter(ignore, 0),
		now:      time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	b.lastFlush = b.now()
	return b
}

// Add appends text unless it is empty or boilerplate. It reports whether the
// fragment was kept.
func (b *Buffer) Add(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" || b.filter.Ignore(text) {
		return false
	}
	b.fragments = append(b.fragments, text)
	b.words += WordCount(text)
	return true
}

// ShouldFlush reports whether the buffered text should be handed off: the
// word count reached the minimum, or the maximum wait since the last flush
// elapsed. An empty buffer never needs flushing.
func (b *Buffer) ShouldFlush() bool {
	if len(b.fragments) == 0 {
		return false
	}
	return b.words >= b.minWords || b.now().Sub(b.lastFlush) >= b.maxWait
}

// TakeAndReset returns the space-joined fragments, clears the buffer and
// restarts the flush timer.
func (b *Buffer) TakeAndReset() string {
	text := strings.Join(b.fragments, " ")
	b.fragments = nil
	b.words = 0
	b.lastFlush = b.now()
	return text
}

// Words returns the buffered word count.
func (b *Buffer) Words() int { return b.words }

// Len returns the number of buffered fragments.
func (b *Buffer) Len() int { return len(b.fragments) }
