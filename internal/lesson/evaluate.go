package lesson

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// MatchThreshold is the similarity a transcript needs to count as an
// attempt at a phrase.
const MatchThreshold = 0.6

// Response is what the tutor says back after a turn.
type Response struct {
	Text   string `json:"text"`
	Locale string `json:"locale"`
}

type Evaluation struct {
	Utterance string   `json:"utterance"`
	Phrase    Phrase   `json:"phrase"`
	Score     float64  `json:"score"`
	Matched   bool     `json:"matched"`
	Response  Response `json:"response"`
}

// Evaluate scores an utterance against every phrase in l and picks the
// reply. Accents, case and punctuation are ignored.
func Evaluate(utterance string, l Lesson) Evaluation {
	ev := Evaluation{Utterance: utterance}
	words := strings.Fields(Fold(utterance))
	best := -1.0
	for _, p := range l.Phrases {
		score := wordSimilarity(words, strings.Fields(Fold(p.Text)))
		if score > best {
			best = score
			ev.Phrase = p
		}
	}
	if best > 0 {
		ev.Score = best
	}
	ev.Matched = len(words) > 0 && ev.Score >= MatchThreshold
	ev.Response = respond(ev, l)
	return ev
}

func respond(ev Evaluation, l Lesson) Response {
	r := Response{Locale: l.Locale}
	switch {
	case ev.Matched && strings.TrimSpace(ev.Phrase.Reply) != "":
		r.Text = ev.Phrase.Reply
	case ev.Matched:
		r.Text = "¡Muy bien!"
	case ev.Phrase.Text != "" && ev.Score > 0:
		r.Text = fmt.Sprintf("Casi. Repite conmigo: %s.", ev.Phrase.Text)
	case strings.TrimSpace(l.Prompt) != "":
		r.Text = "No te he entendido. " + l.Prompt
	default:
		r.Text = "No te he entendido. ¿Puedes repetir?"
	}
	return r
}

var foldAccents = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Fold lowercases s, strips diacritics and punctuation and collapses spaces.
func Fold(s string) string {
	folded, _, err := transform.String(foldAccents, strings.ToLower(s))
	if err != nil {
		folded = strings.ToLower(s)
	}
	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		b.WriteByte(' ')
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// wordSimilarity is 1 minus the normalized word edit distance, where
// substituting one word for another costs their character distance ratio.
func wordSimilarity(a, b []string) float64 {
	n := max(len(a), len(b))
	if n == 0 {
		return 0
	}
	prev := make([]float64, len(b)+1)
	cur := make([]float64, len(b)+1)
	for j := range prev {
		prev[j] = float64(j)
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = float64(i)
		for j := 1; j <= len(b); j++ {
			sub := prev[j-1] + (1 - charSimilarity(a[i-1], b[j-1]))
			cur[j] = min(prev[j]+1, cur[j-1]+1, sub)
		}
		prev, cur = cur, prev
	}
	return 1 - prev[len(b)]/float64(n)
}

func charSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	n := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(n)
}
