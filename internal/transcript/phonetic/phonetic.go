// Package phonetic matches recognised phrases against a vocabulary of known
// product names using Double Metaphone codes and Jaro-Winkler similarity.
//
// Matching runs in two stages:
//
//  1. Phonetic candidates: Double Metaphone codes are computed for every
//     token of the phrase and for the phrase with its spaces removed. A term
//     becomes a phonetic candidate when the joined phrase shares a code with
//     it, or when every token does, and is accepted above the phonetic
//     threshold.
//
//  2. Fuzzy fallback: when no phonetic candidate qualifies, a term is
//     accepted on Jaro-Winkler similarity alone above the stricter fuzzy
//     threshold.
//
// Comparisons are made on accent-folded lowercase text, and a phrase whose
// length differs too much from a term is never compared with it, so short
// function words cannot be absorbed into a neighbouring product name.
package phonetic

import (
	"maps"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.80
	defaultFuzzyThreshold    = 0.90

	// maxLengthRatio bounds how much longer one side may be than the other.
	maxLengthRatio = 1.2
)

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a
// phonetically matching term. Default: 0.80.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		if threshold > 0 {
			m.phoneticThreshold = threshold
		}
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for a term that
// does not match phonetically. Default: 0.90.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		if threshold > 0 {
			m.fuzzyThreshold = threshold
		}
	}
}

// Matcher is read-only after construction and safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a [Matcher] configured with opts.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// ── Vocabulary ───────────────────────────────────────────────────────────────

type term struct {
	display string
	folded  string
	concat  string
	tokens  []string
	codes   codeSet
}

// Vocabulary is a prepared set of terms. Codes are computed once so that
// matching many windows against it stays cheap.
type Vocabulary struct {
	terms    []term
	maxWords int
}

// Prepare folds and encodes terms. Blank entries are skipped.
func Prepare(terms []string) *Vocabulary {
	v := &Vocabulary{}
	for _, t := range terms {
		folded := Fold(t)
		tokens := strings.Fields(folded)
		if len(tokens) == 0 {
			continue
		}
		concat := strings.Join(tokens, "")
		v.terms = append(v.terms, term{
			display: strings.TrimSpace(t),
			folded:  strings.Join(tokens, " "),
			concat:  concat,
			tokens:  tokens,
			codes:   union(tokens, concat),
		})
		v.maxWords = max(v.maxWords, len(tokens))
	}
	return v
}

// Len returns the number of usable terms.
func (v *Vocabulary) Len() int { return len(v.terms) }

// MaxWords returns the word count of the longest term.
func (v *Vocabulary) MaxWords() int { return v.maxWords }

// ── Matching ─────────────────────────────────────────────────────────────────

// Match returns the vocabulary term closest to phrase. When matched is false,
// term is empty and score is 0. An exact match (after folding) scores 1.
func (m *Matcher) Match(phrase string, v *Vocabulary) (match string, score float64, matched bool) {
	tokens := strings.Fields(Fold(phrase))
	if len(tokens) == 0 || v == nil || len(v.terms) == 0 {
		return "", 0, false
	}
	folded := strings.Join(tokens, " ")
	concat := strings.Join(tokens, "")
	perToken := make([]codeSet, len(tokens))
	for i, t := range tokens {
		perToken[i] = codesOf(t)
	}
	joined := codesOf(concat)

	var (
		best         string
		bestScore    float64
		bestPhonetic bool
	)
	for _, t := range v.terms {
		if folded == t.folded || concat == t.concat {
			return t.display, 1, true
		}
		s := similarity(tokens, folded, concat, t)
		if s == 0 {
			continue
		}
		if soundsLike(perToken, joined, t.codes) {
			if s >= m.phoneticThreshold && (!bestPhonetic || s > bestScore) {
				best, bestScore, bestPhonetic = t.display, s, true
			}
			continue
		}
		if !bestPhonetic && s >= m.fuzzyThreshold && s > bestScore {
			best, bestScore = t.display, s
		}
	}
	if best == "" {
		return "", 0, false
	}
	return best, bestScore, true
}

// similarity is the best Jaro-Winkler score over the full phrase, the phrase
// without spaces, and (for equal word counts) the mean of aligned word pairs.
// Comparisons between strings of very different length score 0.
func similarity(tokens []string, folded, concat string, t term) float64 {
	var best float64
	if comparable(folded, t.folded) {
		best = matchr.JaroWinkler(folded, t.folded, false)
	}
	if comparable(concat, t.concat) {
		best = max(best, matchr.JaroWinkler(concat, t.concat, false))
	}
	if len(tokens) > 1 && len(tokens) == len(t.tokens) {
		var sum float64
		for i := range tokens {
			if !comparable(tokens[i], t.tokens[i]) {
				return best
			}
			sum += matchr.JaroWinkler(tokens[i], t.tokens[i], false)
		}
		best = max(best, sum/float64(len(tokens)))
	}
	return best
}

func comparable(a, b string) bool {
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	if la == 0 || lb == 0 {
		return false
	}
	if la < lb {
		la, lb = lb, la
	}
	return float64(la)/float64(lb) <= maxLengthRatio
}

type codeSet map[string]struct{}

// codesOf returns the non-empty Double Metaphone codes of s.
func codesOf(s string) codeSet {
	c := make(codeSet, 2)
	p, sec := matchr.DoubleMetaphone(s)
	if p != "" {
		c[p] = struct{}{}
	}
	if sec != "" {
		c[sec] = struct{}{}
	}
	return c
}

// union returns the codes of every token and, for multi-word terms, of their
// concatenation.
func union(tokens []string, concat string) codeSet {
	all := make(codeSet, len(tokens)*2+2)
	for _, t := range tokens {
		maps.Copy(all, codesOf(t))
	}
	if len(tokens) > 1 {
		maps.Copy(all, codesOf(concat))
	}
	return all
}

// soundsLike reports whether the joined phrase or each of its tokens shares
// a code with the term.
func soundsLike(perToken []codeSet, joined, term codeSet) bool {
	if overlaps(joined, term) {
		return true
	}
	for _, c := range perToken {
		if !overlaps(c, term) {
			return false
		}
	}
	return true
}

func overlaps(a, b codeSet) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for c := range a {
		if _, ok := b[c]; ok {
			return true
		}
	}
	return false
}

// ── Folding ──────────────────────────────────────────────────────────────────

var accents = map[rune]rune{
	'á': 'a', 'à': 'a', 'â': 'a', 'ã': 'a', 'ä': 'a',
	'é': 'e', 'è': 'e', 'ê': 'e', 'ë': 'e',
	'í': 'i', 'ì': 'i', 'î': 'i', 'ï': 'i',
	'ó': 'o', 'ò': 'o', 'ô': 'o', 'õ': 'o', 'ö': 'o',
	'ú': 'u', 'ù': 'u', 'û': 'u', 'ü': 'u',
	'ç': 'c', 'ñ': 'n',
}

// Fold lowercases s, strips Portuguese diacritics, and turns every
// character that is neither a letter nor a digit into a space.
func Fold(s string) string {
	return strings.Map(func(r rune) rune {
		r = unicode.ToLower(r)
		if f, ok := accents[r]; ok {
			return f
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return ' '
	}, s)
}
