package server

import (
	"context"
	"testing"

	"github.com/MrWong99/balcao/internal/transcript"
)

func newActorState(d SessionDefaults) *session {
	return &session{
		log:       discard(),
		buffer:    transcript.NewBuffer(d.Buffer),
		deduper:   transcript.NewDeduper(d.Dedup),
		corrector: d.Corrector,
	}
}

func TestSessionApply_IgnoredFragmentDoesNotMaskNext(t *testing.T) {
	t.Parallel()
	d := DefaultSessionDefaults()
	d.Buffer.IgnoreList = []string{"aproxime o cartão da maquininha"}
	s := newActorState(d)
	ctx := context.Background()

	s.apply(ctx, recognitionResult{text: "aproxime o cartão da maquininha"})
	if s.buffer.Len() != 0 || s.previous != "" {
		t.Fatalf("ignored fragment kept: len=%d previous=%q", s.buffer.Len(), s.previous)
	}

	const next = "aproxime o cartão da maquininha que eu vou levar mais um café com leite e dois pães de queijo"
	s.apply(ctx, recognitionResult{text: next, pcm: []byte{1, 2}})
	if got := s.buffer.TakeAndReset(); got != next {
		t.Errorf("buffered = %q, want %q", got, next)
	}
	if s.previous != next {
		t.Errorf("previous = %q, want %q", s.previous, next)
	}
	if len(s.pending) != 1 {
		t.Errorf("pending segments = %d, want 1", len(s.pending))
	}
}

func TestSessionApply_FullRepeatDropped(t *testing.T) {
	t.Parallel()
	s := newActorState(DefaultSessionDefaults())
	ctx := context.Background()

	const first = "quero dois pães de queijo e um café"
	s.apply(ctx, recognitionResult{text: first, pcm: []byte{1}})
	s.apply(ctx, recognitionResult{text: first, pcm: []byte{2}})
	if s.buffer.Len() != 1 || len(s.pending) != 1 {
		t.Fatalf("repeat kept: fragments=%d pending=%d", s.buffer.Len(), len(s.pending))
	}
	if s.previous != first {
		t.Errorf("previous = %q, want %q", s.previous, first)
	}

	s.apply(ctx, recognitionResult{text: "e uma água com gás", pcm: []byte{3}})
	if got, want := s.buffer.TakeAndReset(), first+" e uma água com gás"; got != want {
		t.Errorf("buffered = %q, want %q", got, want)
	}
	if s.previous != "e uma água com gás" {
		t.Errorf("previous = %q", s.previous)
	}
}
