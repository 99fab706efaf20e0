// Package archive retains connection audio on durable storage.
//
// Continuous archival runs on a single background goroutine fed by a bounded
// multi-producer queue: per connection it keeps a raw and a processed PCM
// buffer and writes both as WAV files once the buffer is 60 s old. Per-event
// archival ([Archiver.SaveInteraction]) writes one clip immediately under a
// caller-supplied durable identifier.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/balcao/internal/observe"
	"github.com/MrWong99/balcao/pkg/audio"
)

// Errors returned by the archiver.
var (
	// ErrQueueFull is returned by Enqueue when the queue is at capacity. The
	// item has been dropped.
	ErrQueueFull = errors.New("archive: queue full")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("archive: archiver closed")
)

// Defaults for [Config].
const (
	DefaultQueueSize     = 1024
	DefaultFlushInterval = 60 * time.Second
)

// Config tunes the archiver.
type Config struct {
	// QueueSize bounds the pending item queue.
	QueueSize int `yaml:"queue_size"`

	// FlushInterval is the buffer age that triggers a write.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// Item is one unit of continuous archival.
type Item struct {
	ConnID    string
	PCM       []byte
	Processed bool
	// Timestamp is the arrival time. Zero means "now" at enqueue.
	Timestamp time.Time
}

// Kind returns "processed" or "raw".
func (it Item) Kind() string {
	if it.Processed {
		return "processed"
	}
	return "raw"
}

type event struct {
	item    Item
	release string
	synced  chan struct{}
}

// connBuffer holds one connection's pending audio. Owned by the run loop.
type connBuffer struct {
	start     time.Time
	raw       []byte
	processed []byte
}

// Archiver is the background audio writer. All exported methods are safe
// for concurrent use.
type Archiver struct {
	store    FileStore
	interval time.Duration
	now      func() time.Time
	log      *slog.Logger
	metrics  *observe.Metrics

	mu     sync.RWMutex // guards closed and sends on queue
	closed bool
	queue  chan event

	buffers map[string]*connBuffer
	done    chan struct{}
}

// Option configures an [Archiver].
type Option func(*Archiver)

// WithClock replaces time.Now for stamping items.
func WithClock(now func() time.Time) Option {
	return func(a *Archiver) { a.now = now }
}

// WithLogger sets the archiver's logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Archiver) { a.log = l }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Archiver) { a.metrics = m }
}

// New starts an archiver writing to store. Call Close to drain and stop it.
func New(store FileStore, cfg Config, opts ...Option) *Archiver {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	a := &Archiver{
		store:    store,
		interval: cfg.FlushInterval,
		now:      time.Now,
		log:      slog.Default(),
		queue:    make(chan event, cfg.QueueSize),
		buffers:  make(map[string]*connBuffer),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	go a.run()
	return a
}

// Enqueue hands an item to the background writer without blocking. When the
// queue is full the item is dropped and ErrQueueFull is returned.
func (a *Archiver) Enqueue(it Item) error {
	if it.Timestamp.IsZero() {
		it.Timestamp = a.now()
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.queue <- event{item: it}:
		return nil
	default:
		a.metrics.RecordArchiveFault(context.Background(), "dropped")
		return ErrQueueFull
	}
}

// Release flushes whatever is buffered for connID and forgets the
// connection. Unlike Enqueue it waits for queue space, bounded by ctx, so a
// closing connection's tail is never silently dropped.
func (a *Archiver) Release(ctx context.Context, connID string) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.queue <- event{release: connID}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("archive: release %s: %w", connID, ctx.Err())
	}
}

// Sync blocks until every event queued before the call has been applied.
func (a *Archiver) Sync(ctx context.Context) error {
	ch := make(chan struct{})
	a.mu.RLock()
	if a.closed {
		a.mu.RUnlock()
		return ErrClosed
	}
	select {
	case a.queue <- event{synced: ch}:
		a.mu.RUnlock()
	case <-ctx.Done():
		a.mu.RUnlock()
		return ctx.Err()
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SaveInteraction writes the PCM of one recognized interaction as
// interactions/<id>.wav. It runs on the caller's goroutine.
func (a *Archiver) SaveInteraction(ctx context.Context, id string, pcm []byte) error {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("archive: save interaction: invalid id %q", id)
	}
	if len(pcm) == 0 {
		return fmt.Errorf("archive: save interaction %s: empty audio", id)
	}
	path := InteractionPath(id)
	if err := a.store.Put(ctx, path, audio.EncodeWAV(pcm, audio.Canonical)); err != nil {
		a.metrics.RecordArchiveFault(ctx, "write")
		return fmt.Errorf("archive: save interaction %s: %w", id, err)
	}
	a.metrics.RecordArchiveFlush(ctx, "interaction")
	return nil
}

// Close stops accepting items, drains the queue, flushes every remaining
// buffer and waits for the writer to finish or ctx to expire.
func (a *Archiver) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("archive: close: %w", ctx.Err())
	}
}

// Pending returns the number of queued, unprocessed events.
func (a *Archiver) Pending() int { return len(a.queue) }

func (a *Archiver) run() {
	defer close(a.done)
	for ev := range a.queue {
		switch {
		case ev.synced != nil:
			close(ev.synced)
		case ev.release != "":
			a.release(ev.release)
		default:
			a.append(ev.item)
		}
	}
	for id := range a.buffers {
		a.release(id)
	}
}

func (a *Archiver) append(it Item) {
	b, ok := a.buffers[it.ConnID]
	if !ok {
		b = &connBuffer{start: it.Timestamp}
		a.buffers[it.ConnID] = b
	}
	if it.Processed {
		b.processed = append(b.processed, it.PCM...)
	} else {
		b.raw = append(b.raw, it.PCM...)
	}
	if it.Timestamp.Sub(b.start) >= a.interval {
		a.flush(it.ConnID, b)
		b.start = it.Timestamp
	}
}

func (a *Archiver) release(connID string) {
	if b, ok := a.buffers[connID]; ok {
		a.flush(connID, b)
		delete(a.buffers, connID)
	}
}

// flush writes both non-empty buffers and empties them. A failed write loses
// that buffer's contents.
func (a *Archiver) flush(connID string, b *connBuffer) {
	ctx := context.Background()
	for _, part := range []struct {
		kind string
		pcm  *[]byte
	}{
		{"raw", &b.raw},
		{"processed", &b.processed},
	} {
		if len(*part.pcm) == 0 {
			continue
		}
		path := SegmentPath(connID, part.kind, b.start)
		if err := a.store.Put(ctx, path, audio.EncodeWAV(*part.pcm, audio.Canonical)); err != nil {
			a.log.Error("archive: write failed, buffer discarded",
				"conn_id", connID, "path", path, "bytes", len(*part.pcm), "err", err)
			a.metrics.RecordArchiveFault(ctx, "write")
		} else {
			a.log.Debug("archive: buffer flushed", "conn_id", connID, "path", path, "bytes", len(*part.pcm))
			a.metrics.RecordArchiveFlush(ctx, part.kind)
		}
		*part.pcm = nil
	}
}

// SegmentPath is the file name of a continuous archive buffer:
// YYYY-MM-DD/<connID>/<kind>_HHMMSS.wav, dated by the buffer start.
func SegmentPath(connID, kind string, start time.Time) string {
	return fmt.Sprintf("%s/%s/%s_%s.wav", start.Format("2006-01-02"), connID, kind, start.Format("150405"))
}

// InteractionPath is the file name of a per-event clip.
func InteractionPath(id string) string {
	return "interactions/" + id + ".wav"
}
