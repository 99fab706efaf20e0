package speaker

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/MrWong99/balcao/pkg/audio"
)

type fakeExtractor struct {
	emb   []float32
	err   error
	calls int
}

func (f *fakeExtractor) Extract(context.Context, []byte) ([]float32, error) {
	f.calls++
	return f.emb, f.err
}

type fakeScorer struct {
	cands    []Candidate
	err      error
	gotLimit int
	gotAcct  string
}

func (f *fakeScorer) Score(_ context.Context, accountID string, _ []float32, limit int) ([]Candidate, error) {
	f.gotAcct, f.gotLimit = accountID, limit
	return f.cands, f.err
}

// seconds returns silent canonical PCM of the given length.
func seconds(s float64) []byte {
	return make([]byte, int(s*float64(audio.Canonical.BytesPerSecond())))
}

func TestDecide(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cands   []Candidate
		wantID  string
		wantTop float64
	}{
		{"no candidates", nil, "", 0},
		{"lone candidate above threshold", []Candidate{{SpeakerID: "ana", Score: 0.82}}, "ana", 0.82},
		{"lone candidate at threshold", []Candidate{{SpeakerID: "ana", Score: 0.70}}, "", 0.70},
		{"clear winner", []Candidate{{SpeakerID: "bia", Score: 0.78}, {SpeakerID: "ana", Score: 0.91}}, "ana", 0.91},
		{"margin too small", []Candidate{{SpeakerID: "ana", Score: 0.90}, {SpeakerID: "bia", Score: 0.88}}, "", 0.90},
		{"below threshold with margin", []Candidate{{SpeakerID: "ana", Score: 0.65}, {SpeakerID: "bia", Score: 0.20}}, "", 0.65},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			res := Decide(tc.cands, DefaultThreshold, DefaultMargin)
			gotID := ""
			if res.Known() {
				gotID = res.Identity.SpeakerID
			}
			if gotID != tc.wantID {
				t.Errorf("identity = %q, want %q", gotID, tc.wantID)
			}
			if res.Score != tc.wantTop {
				t.Errorf("score = %v, want %v", res.Score, tc.wantTop)
			}
			for i := 1; i < len(res.Candidates); i++ {
				if res.Candidates[i].Score > res.Candidates[i-1].Score {
					t.Fatalf("candidates not ordered: %v", res.Candidates)
				}
			}
		})
	}
}

func TestDecide_DoesNotReorderInput(t *testing.T) {
	t.Parallel()
	in := []Candidate{{SpeakerID: "b", Score: 0.1}, {SpeakerID: "a", Score: 0.9}}
	Decide(in, 0.5, 0.05)
	if in[0].SpeakerID != "b" {
		t.Error("Decide mutated its input")
	}
}

func TestTracker_SkipsShortSegments(t *testing.T) {
	t.Parallel()
	ex := &fakeExtractor{emb: []float32{1}}
	tr := NewTracker("acct", ex, &fakeScorer{}, Config{})

	res, err := tr.AddSegment(context.Background(), seconds(0.9))
	if err != nil {
		t.Fatalf("AddSegment: %v", err)
	}
	if !res.Skipped || res.Known() {
		t.Errorf("result = %+v, want skipped unknown", res)
	}
	if ex.calls != 0 {
		t.Errorf("extractor called %d times for a short segment", ex.calls)
	}
}

func TestTracker_AddSegment(t *testing.T) {
	t.Parallel()
	ex := &fakeExtractor{emb: []float32{1, 0}}
	sc := &fakeScorer{cands: []Candidate{{SpeakerID: "ana", Name: "Ana", Score: 0.93}, {SpeakerID: "bia", Score: 0.40}}}
	cfg := DefaultConfig()
	cfg.TopK = 3
	tr := NewTracker("acct-1", ex, sc, cfg)

	res, err := tr.AddSegment(context.Background(), seconds(1.5))
	if err != nil {
		t.Fatalf("AddSegment: %v", err)
	}
	if !res.Known() || res.Identity.Name != "Ana" {
		t.Fatalf("result = %+v, want Ana", res)
	}
	if sc.gotAcct != "acct-1" || sc.gotLimit != 3 {
		t.Errorf("scorer called with (%q, %d)", sc.gotAcct, sc.gotLimit)
	}
}

func TestTracker_ZeroMarginAcceptsCloseRunnerUp(t *testing.T) {
	t.Parallel()
	near := []Candidate{{SpeakerID: "ana", Score: 0.90}, {SpeakerID: "bia", Score: 0.88}}

	tests := []struct {
		name   string
		margin float64
		want   string
	}{
		{"default margin", DefaultMargin, ""},
		{"margin off", 0, "ana"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			cfg.Margin = tc.margin
			tr := NewTracker("acct", &fakeExtractor{emb: []float32{1}}, &fakeScorer{cands: near}, cfg)
			res, err := tr.AddSegment(context.Background(), seconds(1.5))
			if err != nil {
				t.Fatalf("AddSegment: %v", err)
			}
			got := ""
			if res.Known() {
				got = res.Identity.SpeakerID
			}
			if got != tc.want {
				t.Errorf("identity = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestTracker_Errors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tr := NewTracker("a", &fakeExtractor{err: errors.New("model down")}, &fakeScorer{}, Config{})
	if _, err := tr.AddSegment(ctx, seconds(2)); err == nil {
		t.Error("extractor error not returned")
	}

	tr = NewTracker("a", &fakeExtractor{}, &fakeScorer{}, Config{})
	if _, err := tr.AddSegment(ctx, seconds(2)); !errors.Is(err, ErrEmptyEmbedding) {
		t.Errorf("err = %v, want ErrEmptyEmbedding", err)
	}

	tr = NewTracker("a", &fakeExtractor{emb: []float32{1}}, &fakeScorer{err: errors.New("db")}, Config{})
	if _, err := tr.AddSegment(ctx, seconds(2)); err == nil {
		t.Error("scorer error not returned")
	}
}

func TestCosine(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 1}, []float32{-1, -1}, -1},
		{"length mismatch", []float32{1}, []float32{1, 2}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0},
	}
	for _, tc := range tests {
		if got := Cosine(tc.a, tc.b); math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("%s: Cosine = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestMemoryScorer(t *testing.T) {
	t.Parallel()
	m := NewMemoryScorer(
		Voiceprint{SpeakerID: "ana", AccountID: "acct", Embedding: []float32{1, 0}},
		Voiceprint{SpeakerID: "bia", AccountID: "acct", Embedding: []float32{0.6, 0.8}},
		Voiceprint{SpeakerID: "other", AccountID: "elsewhere", Embedding: []float32{1, 0}},
	)
	m.Add(Voiceprint{SpeakerID: "caio", AccountID: "acct", Embedding: []float32{0, 1}})

	got, err := m.Score(context.Background(), "acct", []float32{1, 0}, 2)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if len(got) != 2 || got[0].SpeakerID != "ana" || got[1].SpeakerID != "bia" {
		t.Fatalf("candidates = %+v", got)
	}
	if math.Abs(got[1].Score-0.6) > 1e-6 {
		t.Errorf("bia score = %v, want 0.6", got[1].Score)
	}
}
