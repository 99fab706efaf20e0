// Package transcode turns a connection's compressed audio stream into
// canonical 16 kHz mono PCM.
//
// A [Bridge] accepts compressed bytes through Write and hands out PCM chunks
// through Read from an internal unbounded queue. Close is idempotent: it ends
// the queue so every blocked reader wakes up with [ErrClosed], then releases
// the decoder. A decoder that dies on its own ends the queue the same way;
// callers treat ErrClosed from Read as the end of the connection's audio.
package transcode

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Read once the queue is drained after the bridge
// was closed or the decoder stopped, and by Write after Close.
var ErrClosed = errors.New("transcode: bridge closed")

// Bridge is a per-connection decoder.
type Bridge interface {
	// Start launches the decoder. It must be called once before Write.
	Start(ctx context.Context) error

	// Write forwards one compressed chunk. It returns when the decoder has
	// accepted the data or ctx ends.
	Write(ctx context.Context, data []byte) error

	// Read returns the next PCM chunk, blocking until one is available, the
	// bridge ends (ErrClosed) or ctx ends.
	Read(ctx context.Context) ([]byte, error)

	// Close stops the decoder and wakes every pending Read. Safe to call
	// more than once and from any goroutine.
	Close() error
}

// queue is an unbounded FIFO of PCM chunks with a terminal state.
type queue struct {
	mu     sync.Mutex
	items  [][]byte
	ended  bool
	notify chan struct{} // capacity 1, pinged on push
	done   chan struct{} // closed by end
}

func newQueue() *queue {
	return &queue{notify: make(chan struct{}, 1), done: make(chan struct{})}
}

// push appends b. It reports false once the queue has ended.
func (q *queue) push(b []byte) bool {
	q.mu.Lock()
	if q.ended {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, b)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// end marks the queue finished. Items already queued are still delivered.
func (q *queue) end() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.ended {
		q.ended = true
		close(q.done)
	}
}

func (q *queue) pop(ctx context.Context) ([]byte, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			b := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return b, nil
		}
		ended := q.ended
		q.mu.Unlock()
		if ended {
			return nil, ErrClosed
		}

		select {
		case <-q.notify:
		case <-q.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
