package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/balcao/internal/archive"
	"github.com/MrWong99/balcao/internal/counter"
	"github.com/MrWong99/balcao/internal/interaction"
	"github.com/MrWong99/balcao/internal/observe"
	"github.com/MrWong99/balcao/internal/recommend"
	"github.com/MrWong99/balcao/internal/speaker"
	"github.com/MrWong99/balcao/internal/transcode"
	"github.com/MrWong99/balcao/internal/transcript"
	"github.com/MrWong99/balcao/internal/vad"
	"github.com/MrWong99/balcao/pkg/audio"
)

// flushTick is how often the actor re-checks the buffer's max-wait.
const flushTick = 250 * time.Millisecond

// releaseTimeout bounds the archive flush of a closing connection.
const releaseTimeout = 5 * time.Second

// recognitionResult is what a recognition task hands back to the actor.
type recognitionResult struct {
	text    string
	pcm     []byte
	speaker *speaker.Candidate
}

// session is one streaming connection.
//
// Goroutines: the read loop (caller of run) feeds the bridge; the consumer
// drains the bridge through the framer and the detector; one recognition
// task per segment; the actor. Only the actor touches the fields below the
// marker, so recognitions finishing out of order cannot race on them.
type session struct {
	srv     *Server
	id      string
	conn    *websocket.Conn
	counter counter.Counter
	log     *slog.Logger
	metrics *observe.Metrics

	bridge   transcode.Bridge
	framer   *audio.Framer
	detector *vad.Detector
	tracker  *speaker.Tracker

	results   chan recognitionResult
	tasks     sync.WaitGroup
	closing   atomic.Bool
	faultOnce sync.Once

	// ── actor-owned ──
	buffer    *transcript.Buffer
	deduper   *transcript.Deduper
	corrector *transcript.Corrector
	previous  string
	pending   [][]byte
	identity  *speaker.Candidate
}

func newSession(srv *Server, id string, conn *websocket.Conn, ctr counter.Counter, settings vad.Settings, d SessionDefaults, log *slog.Logger) *session {
	s := &session{
		srv:       srv,
		id:        id,
		conn:      conn,
		counter:   ctr,
		log:       log,
		metrics:   srv.metrics,
		bridge:    srv.cfg.NewBridge(),
		framer:    audio.NewFramer(audio.ChunkBytes),
		detector:  vad.NewDetector(settings, vad.WithLogger(log)),
		results:   make(chan recognitionResult, 8),
		buffer:    transcript.NewBuffer(d.Buffer),
		deduper:   transcript.NewDeduper(d.Dedup),
		corrector: d.Corrector,
	}
	if srv.cfg.Extractor != nil && srv.cfg.Scorer != nil {
		s.tracker = speaker.NewTracker(ctr.AccountID, srv.cfg.Extractor, srv.cfg.Scorer, d.Speaker)
	}
	return s
}

// run streams until the client leaves, the decoder fails, or ctx ends, and
// tears the connection down on every path.
func (s *session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := s.bridge.Start(ctx); err != nil {
		s.log.Error("server: start decoder", "err", err)
		s.metrics.DecoderFaults.Add(ctx, 1)
		_ = s.conn.Close(websocket.StatusInternalError, "audio decoder unavailable")
		return
	}
	s.srv.active.Add(1)
	s.metrics.ActiveConnections.Add(ctx, 1)
	s.log.Info("server: streaming started", "vad", s.detector.Settings())

	actorDone := make(chan struct{})
	go func() {
		defer close(actorDone)
		s.actor(ctx)
	}()
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		s.consume(ctx)
	}()

	defer s.teardown(cancel, consumerDone, actorDone)
	s.readLoop(ctx)
}

// teardown stops the decoder, lets the consumer flush the detector, gives
// in-flight recognitions DrainTimeout to deliver, and then releases the
// connection's archive buffers.
func (s *session) teardown(cancel context.CancelFunc, consumerDone, actorDone <-chan struct{}) {
	s.closing.Store(true)
	if err := s.bridge.Close(); err != nil {
		s.log.Debug("server: close decoder", "err", err)
	}
	<-consumerDone

	drained := make(chan struct{})
	go func() {
		s.tasks.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(s.srv.cfg.DrainTimeout):
		s.log.Warn("server: cancelling in-flight recognitions")
		cancel()
		<-drained
	}
	close(s.results)
	<-actorDone
	cancel()

	if a := s.srv.cfg.Archive; a != nil {
		ctx, done := context.WithTimeout(context.Background(), releaseTimeout)
		if err := a.Release(ctx, s.id); err != nil {
			s.log.Warn("server: release archive buffers", "err", err)
		}
		done()
	}
	s.srv.active.Add(-1)
	s.metrics.ActiveConnections.Add(context.Background(), -1)
	s.log.Info("server: connection closed")
}

// readLoop forwards binary messages to the decoder. Text messages after the
// handshake are ignored.
func (s *session) readLoop(ctx context.Context) {
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			switch {
			case websocket.CloseStatus(err) != -1:
				s.log.Debug("server: client closed", "code", websocket.CloseStatus(err))
			case ctx.Err() != nil:
			default:
				s.log.Debug("server: read ended", "err", err)
			}
			return
		}
		if typ != websocket.MessageBinary {
			s.log.Debug("server: ignoring text message", "bytes", len(data))
			continue
		}
		if err := s.bridge.Write(ctx, data); err != nil {
			if ctx.Err() == nil {
				s.decodeFault(fmt.Errorf("write: %w", err))
			}
			return
		}
	}
}

// consume is the single reader of the bridge: chunks are re-framed,
// archived raw, and run through the detector in arrival order.
func (s *session) consume(ctx context.Context) {
	var err error
	for {
		var pcm []byte
		if pcm, err = s.bridge.Read(ctx); err != nil {
			break
		}
		for _, chunk := range s.framer.Push(pcm) {
			s.archive(chunk, false)
			for _, seg := range s.detector.Process(chunk) {
				s.dispatch(ctx, seg)
			}
		}
	}
	if seg, ok := s.detector.Flush(); ok {
		s.dispatch(ctx, seg)
	}
	if errors.Is(err, transcode.ErrClosed) && !s.closing.Load() {
		s.decodeFault(errors.New("decoder stopped mid-stream"))
	}
}

// decodeFault closes the connection once after the decoder failed.
func (s *session) decodeFault(err error) {
	s.faultOnce.Do(func() {
		s.log.Error("server: decoder fault, closing connection", "err", err)
		s.metrics.DecoderFaults.Add(context.Background(), 1)
		_ = s.conn.Close(websocket.StatusInternalError, "audio decoding failed")
	})
}

func (s *session) archive(pcm []byte, processed bool) {
	a := s.srv.cfg.Archive
	if a == nil {
		return
	}
	it := archive.Item{ConnID: s.id, PCM: pcm, Processed: processed}
	if err := a.Enqueue(it); err != nil {
		s.log.Debug("server: archive enqueue", "kind", it.Kind(), "err", err)
	}
}

// dispatch hands a finished segment to its own recognition task so the
// consumer never waits on recognition.
func (s *session) dispatch(ctx context.Context, seg vad.Segment) {
	t := seg.Telemetry
	s.metrics.RecordSegment(ctx, string(t.CutReason), seg.Duration())
	s.log.Debug("server: segment",
		"frames", t.Frames,
		"cut_reason", t.CutReason,
		"noise_floor", t.NoiseFloorEnd,
		"threshold", t.ThresholdEnd,
		"malformed_frames", t.MalformedFrames,
	)
	s.archive(seg.PCM, true)

	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		s.recognize(ctx, seg)
	}()
}

// recognize transcribes seg and, when enabled, scores its speaker. Failures
// drop the segment; the connection carries on.
func (s *session) recognize(ctx context.Context, seg vad.Segment) {
	ctx, span := observe.StartSpan(ctx, "server.recognize")
	defer span.End()
	log := observe.Logger(ctx)
	span.SetAttributes(
		observe.Attr("session_id", s.id),
		observe.Attr("cut_reason", string(seg.Telemetry.CutReason)),
	)

	res := recognitionResult{pcm: seg.PCM}
	var g errgroup.Group
	g.Go(func() error {
		start := time.Now()
		tr, err := s.srv.cfg.Recognizer.Transcribe(ctx, seg.PCM, audio.SampleRate)
		elapsed := time.Since(start)
		s.metrics.RecognitionDuration.Record(ctx, elapsed.Seconds())
		if err != nil {
			s.metrics.RecordProviderRequest(ctx, "stt", "stt", "error")
			s.metrics.RecordProviderError(ctx, "stt", "stt")
			return fmt.Errorf("transcribe: %w", err)
		}
		s.metrics.RecordProviderRequest(ctx, "stt", "stt", "ok")
		s.srv.cfg.Guard.ReportProcessingMetrics(seg.Duration(), elapsed.Seconds())
		res.text = tr.Text
		return nil
	})
	if s.tracker != nil {
		g.Go(func() error {
			r, err := s.tracker.AddSegment(ctx, seg.PCM)
			if err != nil {
				if ctx.Err() == nil {
					log.Warn("server: speaker identification failed", "err", err)
				}
				return nil
			}
			res.speaker = r.Identity
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		observe.Fail(span, err)
		if ctx.Err() == nil {
			log.Warn("server: recognition failed, segment dropped",
				"frames", seg.Telemetry.Frames,
				"seconds", seg.Duration(),
				"err", err,
			)
		}
		if res.speaker == nil {
			return
		}
	}

	select {
	case s.results <- res:
	case <-ctx.Done():
	}
}

// actor applies recognition results one at a time and runs the flush.
func (s *session) actor(ctx context.Context) {
	tick := time.NewTicker(flushTick)
	defer tick.Stop()
	for {
		select {
		case r, ok := <-s.results:
			if !ok {
				s.flush(ctx)
				return
			}
			s.apply(ctx, r)
		case <-tick.C:
		}
		s.maybeFlush(ctx)
	}
}

// apply commits the first identified speaker and buffers the deduplicated
// text. Only a kept fragment becomes the dedup reference, so a filtered
// filler never masks the next fragment. A fragment that fully repeats the
// previous one strips to nothing and is dropped.
func (s *session) apply(ctx context.Context, r recognitionResult) {
	if r.speaker != nil && s.identity == nil {
		s.identity = r.speaker
		s.metrics.SpeakerIdentified.Add(ctx, 1)
		s.log.Info("server: speaker identified", "speaker_id", r.speaker.SpeakerID, "score", r.speaker.Score)
	}

	text := strings.TrimSpace(r.text)
	if text == "" {
		return
	}
	text, fixes := s.corrector.Correct(text)
	for _, c := range fixes {
		s.log.Debug("server: corrected product name", "heard", c.Original, "term", c.Corrected, "score", c.Score)
	}
	stripped, n := s.deduper.Strip(s.previous, text)
	if n > 0 {
		s.log.Debug("server: stripped repeated prefix", "tokens", n)
	}
	if s.buffer.Add(stripped) {
		s.previous = text
		s.pending = append(s.pending, r.pcm)
	}
}

// maybeFlush sends the buffered text for recommendation once the buffer
// asks for it, pushes any suggestions, and records the interaction.
func (s *session) maybeFlush(ctx context.Context) {
	if s.buffer.ShouldFlush() {
		s.flush(ctx)
	}
}

// flush recommends on whatever is buffered. On close it runs once more so
// the trailing segment reaches the recommender and the interaction log even
// below the word threshold; it is skipped when ctx is already cancelled.
func (s *session) flush(ctx context.Context) {
	if s.buffer.Len() == 0 {
		return
	}
	text := s.buffer.TakeAndReset()
	pcm := s.pending
	s.pending = nil
	if ctx.Err() != nil {
		return
	}

	req := recommend.Request{Text: text}
	if s.identity != nil {
		req.Speaker = s.identity.Name
	}
	items, err := s.srv.cfg.Recommender.Recommend(ctx, req)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("server: recommendation failed", "err", err)
		}
		return
	}
	if len(items) == 0 {
		s.log.Debug("server: no suggestions", "words", transcript.WordCount(text))
		return
	}

	if err := wsjson.Write(ctx, s.conn, recommend.NewPush(items)); err != nil {
		s.log.Debug("server: push recommendation", "err", err)
	} else {
		s.metrics.Recommendations.Add(ctx, 1)
	}
	s.record(ctx, text, items, pcm)
}

// record persists the interaction and its audio. It is skipped once the
// connection is being cancelled.
func (s *session) record(ctx context.Context, text string, items []recommend.Item, pcm [][]byte) {
	rec := s.srv.cfg.Interactions
	if rec == nil || ctx.Err() != nil {
		return
	}
	r := interaction.Record{
		SessionID: s.id,
		CounterID: s.counter.ID,
		AccountID: s.counter.AccountID,
		Text:      text,
		Items:     items,
	}
	if s.identity != nil {
		r.SpeakerID = s.identity.SpeakerID
	}
	id, err := rec.Record(ctx, r)
	if err != nil {
		s.log.Warn("server: record interaction", "err", err)
		return
	}
	if a := s.srv.cfg.Archive; a != nil && len(pcm) > 0 {
		if err := a.SaveInteraction(ctx, id, bytes.Join(pcm, nil)); err != nil {
			s.log.Warn("server: archive interaction audio", "interaction_id", id, "err", err)
		}
	}
	s.log.Info("server: interaction recorded", "interaction_id", id, "items", len(items))
}
