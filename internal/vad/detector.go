package vad

import (
	"errors"
	"log/slog"

	"github.com/MrWong99/balcao/pkg/audio"
)

// CutReason records why a segment was finalised.
type CutReason string

const (
	// CutSilenceEnd means the configured run of silent frames closed the segment.
	CutSilenceEnd CutReason = "silence_end"

	// CutSafetyLimit means the segment reached the hard frame cap.
	CutSafetyLimit CutReason = "safety_limit"

	// CutStreamEnd means the stream ended while the detector was triggered.
	CutStreamEnd CutReason = "stream_end"
)

// Telemetry is the per-segment diagnostic snapshot used for offline
// threshold tuning. It is serialised alongside archived interactions.
type Telemetry struct {
	Frames          int       `json:"frames"`
	CutReason       CutReason `json:"cut_reason"`
	SilenceFrames   int       `json:"silence_frames"`
	NoiseFloorStart float64   `json:"noise_floor_start"`
	NoiseFloorEnd   float64   `json:"noise_floor_end"`
	ThresholdStart  float64   `json:"threshold_start"`
	ThresholdEnd    float64   `json:"threshold_end"`
	MeanEnergy      float64   `json:"mean_energy"`
	MaxEnergy       float64   `json:"max_energy"`
	ClassifierCalls int       `json:"classifier_calls"`
	GateSkips       int       `json:"gate_skips"`
	MalformedFrames int       `json:"malformed_frames"`
	Settings        Settings  `json:"settings"`
}

// Segment is a finalised run of speech frames, pre-roll and trailing silence
// included.
type Segment struct {
	PCM       []byte
	Telemetry Telemetry
}

// Duration returns the playback duration of the segment.
func (s Segment) Duration() float64 {
	return audio.Canonical.Duration(len(s.PCM)).Seconds()
}

type ringFrame struct {
	pcm    []byte
	energy float64
}

// Detector is the per-connection adaptive VAD state machine. It is not safe
// for concurrent use; the connection's decode loop owns it.
type Detector struct {
	cfg        Settings
	classifier Classifier
	framer     *audio.Framer
	log        *slog.Logger

	noise       float64
	noiseSeeded bool
	triggered   bool

	ring     []ringFrame
	ringHead int

	segment   []byte
	frames    int
	silence   int
	energySum float64
	tel       Telemetry
}

// Option configures a [Detector].
type Option func(*Detector)

// WithClassifier replaces the default [SpectralClassifier].
func WithClassifier(c Classifier) Option {
	return func(d *Detector) {
		if c != nil {
			d.classifier = c
		}
	}
}

// WithLogger sets the logger used for malformed-frame warnings.
func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) {
		if l != nil {
			d.log = l
		}
	}
}

// NewDetector returns an idle detector for cfg, which must be a validated
// [Settings] (see [Resolve]).
func NewDetector(cfg Settings, opts ...Option) *Detector {
	d := &Detector{
		cfg:    cfg,
		framer: audio.NewFramer(audio.FrameBytes),
		log:    slog.Default(),
		ring:   make([]ringFrame, 0, cfg.PreRollFrames),
	}
	for _, o := range opts {
		o(d)
	}
	if d.classifier == nil {
		d.classifier = NewSpectralClassifier(cfg.Aggressiveness)
	}
	return d
}

// Settings returns the configuration the detector runs with.
func (d *Detector) Settings() Settings { return d.cfg }

// NoiseFloor returns the current noise floor estimate.
func (d *Detector) NoiseFloor() float64 { return d.noise }

// Triggered reports whether a segment is currently open.
func (d *Detector) Triggered() bool { return d.triggered }

// Process feeds an arbitrarily sized PCM chunk. Chunks are reassembled into
// 30 ms frames internally. It returns the segments finalised by this chunk,
// which is nil for the vast majority of calls.
func (d *Detector) Process(chunk []byte) []Segment {
	var out []Segment
	for _, frame := range d.framer.Push(chunk) {
		if seg, ok := d.processFrame(frame); ok {
			out = append(out, seg)
		}
	}
	return out
}

// Flush finalises an open segment with [CutStreamEnd]. Partial frames still
// buffered are discarded.
func (d *Detector) Flush() (Segment, bool) {
	d.framer.Reset()
	if !d.triggered {
		return Segment{}, false
	}
	return d.finalize(CutStreamEnd), true
}

func (d *Detector) threshold() float64 {
	return max(d.noise*d.cfg.Multiplier, d.cfg.MinEnergy)
}

func (d *Detector) processFrame(frame []byte) (Segment, bool) {
	energy := audio.RMS(frame)

	if !d.triggered {
		if !d.noiseSeeded {
			d.noise = energy
			d.noiseSeeded = true
		} else {
			d.noise = d.cfg.Alpha*energy + (1-d.cfg.Alpha)*d.noise
		}
	}
	threshold := d.threshold()

	speech := false
	gated := energy <= threshold
	malformed := false
	if !gated {
		ok, err := d.classifier.IsSpeech(frame)
		switch {
		case errors.Is(err, ErrFrameSize):
			malformed = true
			d.log.Warn("vad: malformed frame treated as non-speech", "bytes", len(frame), "err", err)
		case err != nil:
			malformed = true
			d.log.Warn("vad: classifier failed, frame treated as non-speech", "err", err)
		default:
			speech = ok
		}
	}

	if !d.triggered {
		if !speech {
			d.pushRing(frame, energy)
			return Segment{}, false
		}
		d.trigger(threshold)
	}

	if gated {
		d.tel.GateSkips++
	} else {
		d.tel.ClassifierCalls++
	}
	if malformed {
		d.tel.MalformedFrames++
	}
	d.appendFrame(frame, energy)

	if speech {
		d.silence = 0
		if d.frames >= d.cfg.MaxFrames {
			return d.finalize(CutSafetyLimit), true
		}
		return Segment{}, false
	}

	d.silence++
	if d.silence >= d.cfg.SilenceFrames {
		return d.finalize(CutSilenceEnd), true
	}
	if d.frames >= d.cfg.MaxFrames {
		return d.finalize(CutSafetyLimit), true
	}
	return Segment{}, false
}

// trigger opens a segment and replays the pre-roll ring into it.
func (d *Detector) trigger(threshold float64) {
	d.triggered = true
	d.silence = 0
	d.frames = 0
	d.energySum = 0
	d.tel = Telemetry{
		NoiseFloorStart: d.noise,
		ThresholdStart:  threshold,
		Settings:        d.cfg,
	}
	d.segment = make([]byte, 0, (len(d.ring)+d.cfg.SilenceFrames+1)*audio.FrameBytes)

	n := len(d.ring)
	for i := range n {
		rf := d.ring[(d.ringHead+i)%n]
		d.appendFrame(rf.pcm, rf.energy)
	}
	d.ring = d.ring[:0]
	d.ringHead = 0
}

func (d *Detector) appendFrame(frame []byte, energy float64) {
	d.segment = append(d.segment, frame...)
	d.frames++
	d.energySum += energy
	if energy > d.tel.MaxEnergy {
		d.tel.MaxEnergy = energy
	}
}

func (d *Detector) pushRing(frame []byte, energy float64) {
	if d.cfg.PreRollFrames == 0 {
		return
	}
	rf := ringFrame{pcm: frame, energy: energy}
	if len(d.ring) < d.cfg.PreRollFrames {
		d.ring = append(d.ring, rf)
		return
	}
	d.ring[d.ringHead] = rf
	d.ringHead = (d.ringHead + 1) % len(d.ring)
}

func (d *Detector) finalize(reason CutReason) Segment {
	tel := d.tel
	tel.Frames = d.frames
	tel.CutReason = reason
	tel.SilenceFrames = d.silence
	tel.NoiseFloorEnd = d.noise
	tel.ThresholdEnd = d.threshold()
	if d.frames > 0 {
		tel.MeanEnergy = d.energySum / float64(d.frames)
	}

	seg := Segment{PCM: d.segment, Telemetry: tel}

	d.triggered = false
	d.segment = nil
	d.frames = 0
	d.silence = 0
	d.energySum = 0
	d.tel = Telemetry{}
	return seg
}
