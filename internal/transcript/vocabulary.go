package transcript

import (
	"strings"
	"unicode"

	"github.com/MrWong99/balcao/internal/transcript/phonetic"
)

// VocabularyConfig lists the product names recognised fragments are aligned
// to. An empty term list disables correction.
type VocabularyConfig struct {
	Terms []string `yaml:"terms"`

	// PhoneticThreshold is the minimum similarity for a term that sounds
	// like the heard phrase. Zero selects 0.80.
	PhoneticThreshold float64 `yaml:"phonetic_threshold"`

	// FuzzyThreshold is the minimum similarity for a term that only looks
	// like it. Zero selects 0.90.
	FuzzyThreshold float64 `yaml:"fuzzy_threshold"`
}

// Correction records one replaced span.
type Correction struct {
	Original  string
	Corrected string
	Score     float64
}

// Corrector rewrites misrecognised product names in a fragment to their
// canonical spelling. It is read-only after construction and safe for
// concurrent use. A nil *Corrector returns text unchanged.
type Corrector struct {
	matcher *phonetic.Matcher
	vocab   *phonetic.Vocabulary
}

// NewCorrector prepares cfg.Terms. It returns nil when there are no usable
// terms.
func NewCorrector(cfg VocabularyConfig) *Corrector {
	vocab := phonetic.Prepare(cfg.Terms)
	if vocab.Len() == 0 {
		return nil
	}
	return &Corrector{
		matcher: phonetic.New(
			phonetic.WithPhoneticThreshold(cfg.PhoneticThreshold),
			phonetic.WithFuzzyThreshold(cfg.FuzzyThreshold),
		),
		vocab: vocab,
	}
}

// Correct scans text left to right. At each word it tries windows from one
// word longer than the longest term down to a single word and keeps the best
// scoring one, preferring the longer window on a tie, so a name the
// recogniser split in two is joined back. Punctuation around a replaced
// window is preserved. Text without corrections is returned unchanged.
func (c *Corrector) Correct(text string) (string, []Correction) {
	if c == nil {
		return text, nil
	}
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text, nil
	}

	var (
		out         []string
		corrections []Correction
	)
	for i := 0; i < len(tokens); {
		n, term, score := c.bestWindow(tokens[i:])
		if n == 0 {
			out = append(out, tokens[i])
			i++
			continue
		}
		window := tokens[i : i+n]
		i += n
		phrase := strings.Join(cores(window), " ")
		if strings.EqualFold(phrase, term) {
			out = append(out, window...)
			continue
		}
		out = append(out, leading(window[0])+term+trailing(window[n-1]))
		corrections = append(corrections, Correction{Original: phrase, Corrected: term, Score: score})
	}
	if len(corrections) == 0 {
		return text, nil
	}
	return strings.Join(out, " "), corrections
}

func (c *Corrector) bestWindow(tokens []string) (n int, term string, score float64) {
	for size := min(c.vocab.MaxWords()+1, len(tokens)); size >= 1; size-- {
		words := cores(tokens[:size])
		if words == nil {
			continue
		}
		t, s, ok := c.matcher.Match(strings.Join(words, " "), c.vocab)
		if ok && s > score {
			n, term, score = size, t, s
		}
	}
	return n, term, score
}

// cores strips surrounding punctuation from each token. It returns nil when
// any token is punctuation only.
func cores(tokens []string) []string {
	out := make([]string, len(tokens))
	for i, t := range tokens {
		out[i] = strings.TrimFunc(t, notWordRune)
		if out[i] == "" {
			return nil
		}
	}
	return out
}

func leading(tok string) string {
	return tok[:len(tok)-len(strings.TrimLeftFunc(tok, notWordRune))]
}

func trailing(tok string) string {
	return tok[len(strings.TrimRightFunc(tok, notWordRune)):]
}

func notWordRune(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}
