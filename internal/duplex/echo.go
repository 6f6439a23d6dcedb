package duplex

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

// echoHistory is how many recently spoken texts are kept for comparison.
const echoHistory = 4

// echoFilter recognises final transcripts that are the assistant's own
// prompts picked up by the microphone.
type echoFilter struct {
	threshold float64
	recent    []string
}

func newEchoFilter(threshold float64) *echoFilter {
	return &echoFilter{threshold: threshold}
}

func (f *echoFilter) remember(text string) {
	if f.threshold <= 0 {
		return
	}
	n := normalizeText(text)
	if n == "" {
		return
	}
	f.recent = append(f.recent, n)
	if len(f.recent) > echoHistory {
		f.recent = f.recent[len(f.recent)-echoHistory:]
	}
}

// match reports whether transcript is a near-duplicate of a remembered text.
// A phonetic match on every word lowers the required similarity slightly.
func (f *echoFilter) match(transcript string) bool {
	if f.threshold <= 0 {
		return false
	}
	in := normalizeText(transcript)
	if in == "" {
		return false
	}
	inKeys := phoneticKeys(in)
	for _, spoken := range f.recent {
		score := matchr.JaroWinkler(in, spoken, true)
		if score >= f.threshold {
			return true
		}
		if inKeys != "" && inKeys == phoneticKeys(spoken) && score >= f.threshold-0.1 {
			return true
		}
	}
	return false
}

// normalizeText lowercases s, drops punctuation and collapses whitespace.
func normalizeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// phoneticKeys joins the primary Double Metaphone code of every word.
func phoneticKeys(s string) string {
	words := strings.Fields(s)
	keys := make([]string, 0, len(words))
	for _, w := range words {
		if p, _ := matchr.DoubleMetaphone(w); p != "" {
			keys = append(keys, p)
		}
	}
	return strings.Join(keys, " ")
}
