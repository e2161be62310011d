package voice

import (
	"strings"
	"time"
	"unicode"
)

// DefaultDebounceWindow is how long an identical transcript counts as a duplicate.
const DefaultDebounceWindow = 2 * time.Second

// duplicateFilter remembers only the last accepted transcript.
type duplicateFilter struct {
	window time.Duration
	text   string
	at     time.Time
	seen   bool
}

func newDuplicateFilter(window time.Duration) *duplicateFilter {
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	return &duplicateFilter{window: window}
}

func (f *duplicateFilter) isDuplicate(t Transcript) bool {
	if !f.seen {
		return false
	}
	if NormalizeTranscript(t.Text) != f.text {
		return false
	}
	d := t.ObservedAt.Sub(f.at)
	if d < 0 {
		d = -d
	}
	return d < f.window
}

func (f *duplicateFilter) remember(t Transcript) {
	f.text = NormalizeTranscript(t.Text)
	f.at = t.ObservedAt
	f.seen = true
}

// NormalizeTranscript lowercases text, drops punctuation and collapses
// whitespace. Letters keep their diacritics.
func NormalizeTranscript(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	space := false
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
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
