package voice

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	speechCodePattern    = regexp.MustCompile("`+[^`]*`+")
	speechLinkPattern    = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	speechURLPattern     = regexp.MustCompile(`https?://\S+`)
	speechAbbrevPattern  = regexp.MustCompile(`\b(Srta|Sra|Sr|Uds|Ud|Dra|Dr|etc)\.`)
	speechTightenPattern = regexp.MustCompile(` +([.,!?;:])`)
)

// Renderers spell these out letter by letter unless expanded.
var speechAbbreviations = map[string]string{
	"Sr":   "señor",
	"Sra":  "señora",
	"Srta": "señorita",
	"Ud":   "usted",
	"Uds":  "ustedes",
	"Dr":   "doctor",
	"Dra":  "doctora",
	"etc":  "etcétera",
}

// SanitizeSpeechText turns a tutor reply into plain words for the renderer.
// Markup, links and emoji are removed, common Spanish abbreviations are
// expanded and the opening marks ¡ and ¿ are kept.
func SanitizeSpeechText(raw string) string {
	raw = speechCodePattern.ReplaceAllString(raw, " ")
	raw = speechLinkPattern.ReplaceAllString(raw, "$1")
	raw = speechURLPattern.ReplaceAllString(raw, " ")
	raw = speechAbbrevPattern.ReplaceAllStringFunc(raw, func(m string) string {
		return speechAbbreviations[strings.TrimSuffix(m, ".")]
	})

	cleaned := strings.Map(func(r rune) rune {
		switch speechRuneClass(r) {
		case runeDrop:
			return -1
		case runeSpace:
			return ' '
		default:
			return r
		}
	}, raw)

	out := strings.Join(strings.Fields(cleaned), " ")
	return speechTightenPattern.ReplaceAllString(out, "$1")
}

type runeClass int

const (
	runeKeep runeClass = iota
	runeSpace
	runeDrop
)

func speechRuneClass(r rune) runeClass {
	switch {
	case r == '\ufe0f' || r == '\u20e3':
		// Emoji presentation selectors.
		return runeDrop
	case unicode.Is(unicode.Cf, r) || unicode.IsControl(r) && !unicode.IsSpace(r):
		return runeDrop
	case unicode.IsSpace(r):
		return runeSpace
	case unicode.In(r, unicode.So, unicode.Sm, unicode.Sk, unicode.Sc):
		return runeSpace
	case unicode.IsPunct(r):
		switch r {
		case '.', ',', '!', '?', '¡', '¿', ':', ';', '\'', '"', '-', '(', ')', '«', '»':
			return runeKeep
		}
		return runeSpace
	default:
		return runeKeep
	}
}
