// Package speaker identifies who is talking at a counter.
//
// A [Tracker] turns each speech segment into a voiceprint through an
// [Extractor], scores it against the account's known voiceprints through a
// [Scorer], and accepts the top candidate only when it clears an absolute
// threshold and beats the runner-up by a margin. Committing the first
// accepted identity for a connection is the caller's job; the tracker itself
// is stateless between segments.
package speaker

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/MrWong99/balcao/pkg/audio"
)

// ErrEmptyEmbedding is returned when an extractor yields no vector.
var ErrEmptyEmbedding = errors.New("speaker: empty embedding")

// Defaults for [Config].
const (
	DefaultThreshold   = 0.70
	DefaultMargin      = 0.05
	DefaultMinDuration = time.Second
	DefaultTopK        = 5
)

// Config is the decision rule.
type Config struct {
	// Threshold is the score the top candidate must exceed.
	Threshold float64 `yaml:"threshold"`

	// Margin is the minimum lead of the top candidate over the runner-up.
	Margin float64 `yaml:"margin"`

	// MinDuration is the shortest segment that is scored.
	MinDuration time.Duration `yaml:"min_duration"`

	// TopK bounds how many candidates are fetched per segment.
	TopK int `yaml:"top_k"`
}

// DefaultConfig returns the compiled defaults.
func DefaultConfig() Config {
	return Config{
		Threshold:   DefaultThreshold,
		Margin:      DefaultMargin,
		MinDuration: DefaultMinDuration,
		TopK:        DefaultTopK,
	}
}

// Candidate is one scored known speaker.
type Candidate struct {
	SpeakerID string  `json:"speaker_id"`
	Name      string  `json:"name"`
	Score     float64 `json:"score"`
}

// Result is the outcome of scoring one segment.
type Result struct {
	// Identity is the accepted candidate, or nil for "unknown".
	Identity *Candidate

	// Score is the top candidate's score, 0 when there were none.
	Score float64

	// Candidates are ordered best first.
	Candidates []Candidate

	// Skipped is true when the segment was too short to score.
	Skipped bool
}

// Known reports whether an identity was accepted.
func (r Result) Known() bool { return r.Identity != nil }

// Extractor turns a 16 kHz mono PCM segment into a voiceprint.
type Extractor interface {
	Extract(ctx context.Context, pcm []byte) ([]float32, error)
}

// ExtractorFunc adapts a plain function to [Extractor].
type ExtractorFunc func(ctx context.Context, pcm []byte) ([]float32, error)

// Extract calls f(ctx, pcm).
func (f ExtractorFunc) Extract(ctx context.Context, pcm []byte) ([]float32, error) {
	return f(ctx, pcm)
}

// Scorer ranks an account's known voiceprints against an embedding by
// cosine similarity, best first, returning at most limit candidates.
type Scorer interface {
	Score(ctx context.Context, accountID string, embedding []float32, limit int) ([]Candidate, error)
}

// Tracker scores segments for one connection's account. It holds no mutable
// state and is safe for concurrent use.
type Tracker struct {
	accountID string
	extractor Extractor
	scorer    Scorer
	cfg       Config
}

// NewTracker returns a tracker scoring against accountID's voiceprints.
// Threshold and Margin are used as given, so a zero margin turns the
// runner-up rule off; start from [DefaultConfig] for the usual rule. A
// non-positive MinDuration or TopK takes its default.
func NewTracker(accountID string, extractor Extractor, scorer Scorer, cfg Config) *Tracker {
	def := DefaultConfig()
	if cfg.MinDuration <= 0 {
		cfg.MinDuration = def.MinDuration
	}
	if cfg.TopK <= 0 {
		cfg.TopK = def.TopK
	}
	return &Tracker{accountID: accountID, extractor: extractor, scorer: scorer, cfg: cfg}
}

// AddSegment scores one speech segment. Segments shorter than MinDuration
// return a skipped result without calling the extractor.
func (t *Tracker) AddSegment(ctx context.Context, pcm []byte) (Result, error) {
	if audio.Canonical.Duration(len(pcm)) < t.cfg.MinDuration {
		return Result{Skipped: true}, nil
	}
	emb, err := t.extractor.Extract(ctx, pcm)
	if err != nil {
		return Result{}, fmt.Errorf("speaker: extract: %w", err)
	}
	if len(emb) == 0 {
		return Result{}, ErrEmptyEmbedding
	}
	cands, err := t.scorer.Score(ctx, t.accountID, emb, t.cfg.TopK)
	if err != nil {
		return Result{}, fmt.Errorf("speaker: score: %w", err)
	}
	return Decide(cands, t.cfg.Threshold, t.cfg.Margin), nil
}

// Decide applies the acceptance rule to candidates. The top candidate is
// accepted when its score exceeds threshold and leads the runner-up by at
// least margin. A lone candidate only has to clear the threshold.
func Decide(cands []Candidate, threshold, margin float64) Result {
	cands = slices.Clone(cands)
	slices.SortStableFunc(cands, byScore)
	res := Result{Candidates: cands}
	if len(cands) == 0 {
		return res
	}
	top := cands[0]
	res.Score = top.Score
	if top.Score <= threshold {
		return res
	}
	if len(cands) > 1 && top.Score-cands[1].Score < margin {
		return res
	}
	res.Identity = &top
	return res
}

// byScore orders candidates best first.
func byScore(a, b Candidate) int { return cmp.Compare(b.Score, a.Score) }

// Cosine returns the cosine similarity of a and b, or 0 when the lengths
// differ or either vector is zero.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
