package policy

import "regexp"

var (
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	cardPattern   = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	phonePattern  = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	nationalIDPat = regexp.MustCompile(`(?i)\b(?:[XYZ]\d{7}|\d{8})[ -]?[A-Z]\b`)
)

// RedactUtterance masks personal data a learner may dictate during practice
// (addresses, phone numbers, ID documents) before it is stored or logged.
func RedactUtterance(input string) (redacted string, changed bool) {
	out := input
	for _, r := range []struct {
		re   *regexp.Regexp
		mask string
	}{
		{emailPattern, "[email]"},
		{nationalIDPat, "[id]"},
		// Cards before phones so long digit runs are not classified as phones.
		{cardPattern, "[card]"},
		{phonePattern, "[phone]"},
	} {
		next := r.re.ReplaceAllString(out, r.mask)
		if next != out {
			changed = true
			out = next
		}
	}
	return out, changed
}
