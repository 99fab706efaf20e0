package vad_test

import (
	"errors"
	"math"
	"testing"

	"github.com/MrWong99/balcao/internal/vad"
	"github.com/MrWong99/balcao/pkg/audio"
)

// square returns frames of a 400 Hz square wave whose RMS equals amp exactly.
func square(amp int16, frames int) []byte {
	n := frames * audio.FrameBytes / audio.BytesPerSample
	samples := make([]int16, n)
	for i := range samples {
		if (i/20)%2 == 0 {
			samples[i] = amp
		} else {
			samples[i] = -amp
		}
	}
	return audio.Bytes(samples)
}

func silence(frames int) []byte {
	return make([]byte, frames*audio.FrameBytes)
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// feed pushes stream in chunks of the decode loop's size.
func feed(d *vad.Detector, stream []byte, chunk int) []vad.Segment {
	var segs []vad.Segment
	for i := 0; i < len(stream); i += chunk {
		end := min(i+chunk, len(stream))
		segs = append(segs, d.Process(stream[i:end])...)
	}
	return segs
}

func TestDetector_ToneSurroundedBySilence(t *testing.T) {
	t.Parallel()
	const noise = 200
	// 3 s of background, 1.2 s of tone at twice the floor, 1.5 s of quiet.
	stream := concat(square(noise, 100), square(2*noise, 40), silence(50))

	d := vad.NewDetector(vad.DefaultSettings())
	segs := feed(d, stream, audio.ChunkBytes)

	if len(segs) != 1 {
		t.Fatalf("got %d segments, want 1", len(segs))
	}
	tel := segs[0].Telemetry
	if tel.CutReason != vad.CutSilenceEnd {
		t.Errorf("cut reason = %q, want %q", tel.CutReason, vad.CutSilenceEnd)
	}
	// pre-roll + tone + silence hold
	if want := 20 + 40 + 30; tel.Frames != want {
		t.Errorf("frames = %d, want %d", tel.Frames, want)
	}
	if len(segs[0].PCM) != tel.Frames*audio.FrameBytes {
		t.Errorf("pcm length %d does not match %d frames", len(segs[0].PCM), tel.Frames)
	}
	if tel.SilenceFrames != 30 {
		t.Errorf("silence frames = %d, want 30", tel.SilenceFrames)
	}

	// The segment opens with background audio from before the rising edge.
	first := audio.Samples(segs[0].PCM[:audio.FrameBytes])
	if first[0] != noise {
		t.Errorf("first sample = %d, want pre-roll amplitude %d", first[0], noise)
	}
	if got := audio.RMS(segs[0].PCM[20*audio.FrameBytes : 21*audio.FrameBytes]); got != 2*noise {
		t.Errorf("frame after pre-roll RMS = %v, want %d", got, 2*noise)
	}

	if tel.NoiseFloorStart != tel.NoiseFloorEnd {
		t.Errorf("noise floor moved while triggered: %v → %v", tel.NoiseFloorStart, tel.NoiseFloorEnd)
	}
	if tel.MaxEnergy != 2*noise {
		t.Errorf("max energy = %v, want %d", tel.MaxEnergy, 2*noise)
	}
	wantMean := float64(20*noise+40*2*noise) / 90
	if math.Abs(tel.MeanEnergy-wantMean) > 1e-9 {
		t.Errorf("mean energy = %v, want %v", tel.MeanEnergy, wantMean)
	}
	if tel.ThresholdStart < vad.DefaultSettings().MinEnergy {
		t.Errorf("threshold start %v below min energy", tel.ThresholdStart)
	}
	if tel.Settings != vad.DefaultSettings() {
		t.Errorf("settings snapshot = %+v", tel.Settings)
	}
	if d.Triggered() {
		t.Error("detector should be idle after the segment closed")
	}
}

func TestDetector_SafetyLimit(t *testing.T) {
	t.Parallel()
	stream := concat(square(200, 100), square(400, 267))

	d := vad.NewDetector(vad.DefaultSettings())
	segs := feed(d, stream, audio.ChunkBytes)

	if len(segs) == 0 {
		t.Fatal("expected at least one segment before any silence")
	}
	if segs[0].Telemetry.CutReason != vad.CutSafetyLimit {
		t.Errorf("cut reason = %q, want %q", segs[0].Telemetry.CutReason, vad.CutSafetyLimit)
	}
	if segs[0].Telemetry.Frames != 200 {
		t.Errorf("frames = %d, want 200", segs[0].Telemetry.Frames)
	}
	if !d.Triggered() {
		t.Error("continuing tone should retrigger the detector")
	}
}

func TestDetector_ChunkSizeDoesNotMatter(t *testing.T) {
	t.Parallel()
	stream := concat(square(150, 80), square(500, 30), silence(40), square(500, 20), silence(40))

	whole := feed(vad.NewDetector(vad.DefaultSettings()), stream, len(stream))
	odd := feed(vad.NewDetector(vad.DefaultSettings()), stream, 333)

	if len(whole) != 2 || len(odd) != 2 {
		t.Fatalf("segments: whole=%d odd=%d, want 2", len(whole), len(odd))
	}
	for i := range whole {
		if whole[i].Telemetry != odd[i].Telemetry {
			t.Errorf("segment %d telemetry differs:\n%+v\n%+v", i, whole[i].Telemetry, odd[i].Telemetry)
		}
	}
}

func TestDetector_EnergyGateSkipsClassifier(t *testing.T) {
	t.Parallel()
	calls := 0
	cls := vad.ClassifierFunc(func([]byte) (bool, error) {
		calls++
		return true, nil
	})
	d := vad.NewDetector(vad.DefaultSettings(), vad.WithClassifier(cls))

	// Below min_energy: never classified.
	if segs := d.Process(square(100, 50)); segs != nil {
		t.Fatalf("unexpected segments: %d", len(segs))
	}
	if calls != 0 {
		t.Fatalf("classifier called %d times for gated frames", calls)
	}

	d.Process(square(1000, 1))
	if calls != 1 {
		t.Errorf("classifier calls = %d, want 1", calls)
	}
	if !d.Triggered() {
		t.Error("expected trigger after a speech frame")
	}
}

func TestDetector_NoiseFloorTracksOnlyWhileIdle(t *testing.T) {
	t.Parallel()
	d := vad.NewDetector(vad.DefaultSettings())

	d.Process(square(200, 10))
	if got := d.NoiseFloor(); math.Abs(got-200) > 1e-9 {
		t.Fatalf("noise floor = %v, want 200", got)
	}
	d.Process(square(2000, 1))
	if !d.Triggered() {
		t.Fatal("expected trigger")
	}
	frozen := d.NoiseFloor()
	d.Process(square(2000, 20))
	if d.NoiseFloor() != frozen {
		t.Errorf("noise floor changed while triggered: %v → %v", frozen, d.NoiseFloor())
	}
}

func TestDetector_MalformedFrameIsNonSpeech(t *testing.T) {
	t.Parallel()
	cls := vad.ClassifierFunc(func([]byte) (bool, error) {
		return true, vad.ErrFrameSize
	})
	d := vad.NewDetector(vad.DefaultSettings(), vad.WithClassifier(cls))

	if segs := d.Process(concat(square(100, 10), square(2000, 50))); segs != nil {
		t.Errorf("malformed frames produced %d segments", len(segs))
	}
	if d.Triggered() {
		t.Error("malformed frames must not trigger")
	}
}

func TestDetector_ClassifierErrorMidSegment(t *testing.T) {
	t.Parallel()
	fail := false
	cls := vad.ClassifierFunc(func([]byte) (bool, error) {
		if fail {
			return false, errors.New("boom")
		}
		return true, nil
	})
	cfg := vad.DefaultSettings()
	cfg.SilenceFrames = 3
	d := vad.NewDetector(cfg, vad.WithClassifier(cls))

	d.Process(concat(square(100, 10), square(2000, 5)))
	if !d.Triggered() {
		t.Fatal("expected trigger")
	}
	fail = true
	segs := d.Process(square(2000, 3))
	if len(segs) != 1 {
		t.Fatalf("got %d segments, want 1", len(segs))
	}
	if segs[0].Telemetry.MalformedFrames != 3 {
		t.Errorf("malformed frames = %d, want 3", segs[0].Telemetry.MalformedFrames)
	}
	if segs[0].Telemetry.CutReason != vad.CutSilenceEnd {
		t.Errorf("cut reason = %q", segs[0].Telemetry.CutReason)
	}
}

func TestDetector_FlushOpenSegment(t *testing.T) {
	t.Parallel()
	d := vad.NewDetector(vad.DefaultSettings())
	d.Process(concat(square(200, 30), square(600, 10)))

	seg, ok := d.Flush()
	if !ok {
		t.Fatal("expected an open segment to be flushed")
	}
	if seg.Telemetry.CutReason != vad.CutStreamEnd {
		t.Errorf("cut reason = %q, want %q", seg.Telemetry.CutReason, vad.CutStreamEnd)
	}
	if seg.Telemetry.Frames != 30 {
		t.Errorf("frames = %d, want 30", seg.Telemetry.Frames)
	}
	if _, ok := d.Flush(); ok {
		t.Error("second Flush should report no segment")
	}
}

func TestDetector_PreRollRingKeepsNewest(t *testing.T) {
	t.Parallel()
	cfg := vad.DefaultSettings()
	cfg.PreRollFrames = 3
	cfg.SilenceFrames = 1
	d := vad.NewDetector(cfg)

	// Five quiet frames of increasing amplitude; only the last three survive.
	for amp := int16(10); amp <= 50; amp += 10 {
		d.Process(square(amp, 1))
	}
	segs := d.Process(concat(square(3000, 1), silence(1)))
	if len(segs) != 1 {
		t.Fatalf("got %d segments, want 1", len(segs))
	}
	pcm := segs[0].PCM
	for i, want := range []int16{30, 40, 50, 3000} {
		got := audio.Samples(pcm[i*audio.FrameBytes:])[0]
		if got != want {
			t.Errorf("frame %d amplitude = %d, want %d", i, got, want)
		}
	}
}

func TestSegment_Duration(t *testing.T) {
	t.Parallel()
	seg := vad.Segment{PCM: make([]byte, 50*audio.FrameBytes)}
	if got := seg.Duration(); math.Abs(got-1.5) > 1e-9 {
		t.Errorf("Duration = %v, want 1.5", got)
	}
}
