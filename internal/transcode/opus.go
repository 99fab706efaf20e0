package transcode

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"layeh.com/gopus"

	"github.com/MrWong99/balcao/pkg/audio"
)

// Opus packets are decoded straight at the canonical rate; the codec band-
// limits internally, so only stereo needs converting.
const (
	opusSampleRate = audio.SampleRate
	// opusMaxFrame is the longest Opus frame (120 ms) in samples per channel.
	opusMaxFrame = opusSampleRate * 120 / 1000
)

// Opus is an in-process [Bridge] for clients that send one raw Opus packet
// per binary message instead of a container stream.
type Opus struct {
	channels int

	mu      sync.Mutex // serialises decoder state
	dec     *gopus.Decoder
	started bool
	closed  bool

	q *queue
}

// NewOpus returns an unstarted Opus bridge for mono or stereo packets.
func NewOpus(channels int) *Opus {
	if channels != 2 {
		channels = 1
	}
	return &Opus{channels: channels, q: newQueue()}
}

// Start creates the decoder.
func (o *Opus) Start(context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	if o.started {
		return errors.New("transcode: already started")
	}
	dec, err := gopus.NewDecoder(opusSampleRate, o.channels)
	if err != nil {
		return fmt.Errorf("transcode: create opus decoder: %w", err)
	}
	o.dec, o.started = dec, true
	return nil
}

// Write decodes one Opus packet and queues the canonical PCM. A packet that
// fails to decode ends the bridge, the same as a dead decoder process.
func (o *Opus) Write(ctx context.Context, packet []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	if !o.started {
		return errors.New("transcode: write before start")
	}
	if len(packet) == 0 {
		return nil
	}
	samples, err := o.dec.Decode(packet, opusMaxFrame, false)
	if err != nil {
		o.closed = true
		o.q.end()
		return fmt.Errorf("transcode: opus decode: %w", err)
	}
	pcm, err := audio.ToCanonical(audio.Bytes(samples), audio.Format{SampleRate: opusSampleRate, Channels: o.channels})
	if err != nil {
		o.closed = true
		o.q.end()
		return fmt.Errorf("transcode: opus convert: %w", err)
	}
	o.q.push(pcm)
	return nil
}

// Read implements [Bridge].
func (o *Opus) Read(ctx context.Context) ([]byte, error) {
	return o.q.pop(ctx)
}

// Close ends the queue. Safe to call more than once.
func (o *Opus) Close() error {
	o.mu.Lock()
	o.closed = true
	o.dec = nil
	o.mu.Unlock()
	o.q.end()
	return nil
}

var _ Bridge = (*Opus)(nil)
