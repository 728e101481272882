package textutil

import (
	"html"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

const maxSanitizePasses = 8

var (
	strictPolicyOnce sync.Once
	strictPolicy     *bluemonday.Policy
)

func policy() *bluemonday.Policy {
	strictPolicyOnce.Do(func() {
		strictPolicy = bluemonday.StrictPolicy()
	})
	return strictPolicy
}

// PlainText strips markup and control characters, normalises to NFC and truncates to maxRunes.
// A non-positive maxRunes disables truncation. Newlines and tabs survive.
func PlainText(input string, maxRunes int) string {
	input = strings.TrimSpace(input)
	if input == "" {
		return ""
	}
	cleaned := norm.NFC.String(stripMarkup(input))

	var b strings.Builder
	b.Grow(len(cleaned))
	count := 0
	for _, r := range cleaned {
		if r == utf8.RuneError {
			continue
		}
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			continue
		}
		if maxRunes > 0 && count >= maxRunes {
			break
		}
		b.WriteRune(r)
		count++
	}
	return strings.TrimSpace(b.String())
}

// stripMarkup sanitises and unescapes until the text is stable, so entity-encoded tags
// cannot come back to life after the policy ran. StrictPolicy escapes what it keeps;
// unescaping lets "&" stay "&".
func stripMarkup(input string) string {
	cleaned := input
	for range maxSanitizePasses {
		next := html.UnescapeString(policy().Sanitize(cleaned))
		if next == cleaned {
			return cleaned
		}
		cleaned = next
	}
	return strings.NewReplacer("<", "", ">", "").Replace(cleaned)
}

// SingleLine is PlainText with line breaks and tabs collapsed to single spaces.
func SingleLine(input string, maxRunes int) string {
	cleaned := PlainText(input, 0)
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	if maxRunes > 0 && utf8.RuneCountInString(cleaned) > maxRunes {
		runes := []rune(cleaned)
		cleaned = strings.TrimSpace(string(runes[:maxRunes]))
	}
	return cleaned
}

// CountryCode canonicalises an ISO 3166-1 alpha-2 country code. ok is false for unknown
// regions and for groupings such as "EU" or "419".
func CountryCode(value string) (string, bool) {
	value = strings.TrimSpace(value)
	if len(value) != 2 {
		return "", false
	}
	region, err := language.ParseRegion(value)
	if err != nil || !region.IsCountry() {
		return "", false
	}
	return region.String(), true
}
