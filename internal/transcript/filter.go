package transcript

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const defaultNearMatch = 0.93

// DefaultIgnoreList holds the filler annotations and well-known recogniser
// hallucinations that never carry customer speech.
var DefaultIgnoreList = []string{
	"[música]",
	"[musica]",
	"[aplausos]",
	"[risos]",
	"(risos)",
	"[silêncio]",
	"[ruído]",
	"[inaudível]",
	"...",
	"legendas pela comunidade amara.org",
	"obrigado por assistir",
	"inscreva-se no canal",
	"tchau, tchau",
}

// Filter decides whether a recognised fragment is boilerplate. Entries match
// after normalisation, either exactly or with a Jaro-Winkler similarity of at
// least the near-match threshold. A Filter is read-only after construction
// and safe for concurrent use.
type Filter struct {
	entries   []string
	nearMatch float64
}

// NewFilter builds a filter from ignore. A nearMatch ≤ 0 selects the default
// of 0.93; a value above 1 disables fuzzy matching.
func NewFilter(ignore []string, nearMatch float64) *Filter {
	if nearMatch <= 0 {
		nearMatch = defaultNearMatch
	}
	f := &Filter{nearMatch: nearMatch}
	for _, e := range ignore {
		if n := normalize(e); n != "" {
			f.entries = append(f.entries, n)
		}
	}
	return f
}

// Ignore reports whether text should be dropped. Text that is empty after
// normalisation is always ignored.
func (f *Filter) Ignore(text string) bool {
	n := normalize(text)
	if n == "" {
		return true
	}
	for _, e := range f.entries {
		if n == e {
			return true
		}
		if f.nearMatch <= 1 && matchr.JaroWinkler(n, e, false) >= f.nearMatch {
			return true
		}
	}
	return false
}

// normalize lowercases s, drops punctuation and brackets, and collapses
// whitespace.
func normalize(s string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		default:
			space = true
		}
	}
	return b.String()
}

// Tokens splits text into whitespace-separated words.
func Tokens(text string) []string {
	return strings.Fields(text)
}

// WordCount returns the number of words in text.
func WordCount(text string) int {
	return len(strings.Fields(text))
}
