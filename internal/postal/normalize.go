package postal

import (
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// CodeLength is the number of digits in a Brazilian postal code (CEP).
const CodeLength = 8

var strictPolicy = bluemonday.StrictPolicy()

// Sanitize strips every non-digit character from raw.
func Sanitize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// IsValidCode reports whether code is exactly eight ASCII digits.
func IsValidCode(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}

// Format renders an 8-digit code as 00000-000.
func Format(code string) string {
	if !IsValidCode(code) {
		return code
	}
	return code[:5] + "-" + code[5:]
}

// CleanText removes markup and control characters from provider text, applies NFC and
// collapses whitespace.
func CleanText(value string) string {
	if value == "" {
		return ""
	}
	value = strictPolicy.Sanitize(value)
	value = strings.NewReplacer("&amp;", "&", "&#39;", "'", "&#34;", "\"").Replace(value)
	value = norm.NFC.String(value)
	value = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, value)
	return strings.Join(strings.Fields(value), " ")
}

// FoldForMatch produces an accent- and case-insensitive key, so "Angelândia" and
// "ANGELANDIA" compare equal.
func FoldForMatch(value string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, value)
	if err != nil {
		folded = value
	}
	return strings.ToLower(strings.Join(strings.Fields(folded), " "))
}

// NormalizeStateCode uppercases and trims a two-letter state code.
func NormalizeStateCode(value string) string {
	value = strings.ToUpper(strings.TrimSpace(CleanText(value)))
	if len(value) != 2 {
		return ""
	}
	return value
}
