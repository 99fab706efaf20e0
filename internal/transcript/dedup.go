package transcript

import (
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// DedupConfig tunes [Deduper].
type DedupConfig struct {
	// MaxTokens bounds the compared window.
	MaxTokens int `yaml:"max_tokens"`

	// MinTokens is the smallest overlap that may be stripped.
	MinTokens int `yaml:"min_tokens"`

	// Threshold is the minimum similarity ratio in [0, 1].
	Threshold float64 `yaml:"threshold"`
}

// DefaultDedupConfig returns the compiled defaults.
func DefaultDedupConfig() DedupConfig {
	return DedupConfig{MaxTokens: 18, MinTokens: 4, Threshold: 0.82}
}

// Deduper removes wording that a streaming recogniser re-emitted from the
// tail of the previous fragment at the head of the next one.
type Deduper struct {
	cfg DedupConfig
}

// NewDeduper returns a Deduper for cfg. Zero fields fall back to defaults.
func NewDeduper(cfg DedupConfig) *Deduper {
	def := DefaultDedupConfig()
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.MinTokens <= 0 {
		cfg.MinTokens = def.MinTokens
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	return &Deduper{cfg: cfg}
}

// Strip compares the tail of prev with the head of cur over every window
// from MaxTokens down to MinTokens tokens. For each window an alignment that
// skips one stray leading token of cur is scored too and preferred when it
// scores higher. The best scoring window wins, larger windows winning ties;
// when its ratio reaches the threshold the overlapping leading tokens are
// removed. It returns the remaining text and the number of tokens removed.
func (d *Deduper) Strip(prev, cur string) (string, int) {
	prevTok := Tokens(prev)
	curTok := Tokens(cur)
	if len(prevTok) == 0 || len(curTok) == 0 {
		return cur, 0
	}
	prevNorm := normTokens(prevTok)
	curNorm := normTokens(curTok)

	best, strip := 0.0, 0
	window := min(d.cfg.MaxTokens, len(prevTok), len(curTok))
	for k := window; k >= d.cfg.MinTokens; k-- {
		tail := prevNorm[len(prevNorm)-k:]
		if r := ratio(tail, curNorm[:k]); r > best {
			best, strip = r, k
		}
		if len(curNorm) > k {
			if r := ratio(tail, curNorm[1:k+1]); r > best {
				best, strip = r, k+1
			}
		}
	}
	if strip == 0 || best < d.cfg.Threshold {
		return cur, 0
	}
	return strings.Join(curTok[strip:], " "), strip
}

// ratio returns difflib's SequenceMatcher ratio of the two token windows,
// compared character by character.
func ratio(a, b []string) float64 {
	return difflib.NewMatcher(runes(strings.Join(a, " ")), runes(strings.Join(b, " "))).Ratio()
}

func runes(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}

func normTokens(tokens []string) []string {
	out := make([]string, len(tokens))
	for i, t := range tokens {
		out[i] = normalize(t)
	}
	return out
}
