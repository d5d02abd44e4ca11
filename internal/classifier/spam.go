package classifier

import (
	"regexp"
	"strings"
	"unicode"
)

const (
	charFloodRun = 5 // identical runes in a row
	wordFloodRun = 3 // identical words in a row
)

// Spam patterns are compiled once and shared by every classifier instance.
var (
	// urlPattern matches scheme and www URLs plus bare domains on common TLDs.
	// Bare domains need a trailing "/" so "v2.0" and "3.14" are not URLs.
	urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf)/\S*)`)

	// phonePattern matches +1-555-123-4567, (555) 123-4567, 555.123.4567 and
	// similar, anchored to whitespace so short numbers like "100" pass.
	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)
)

// spamCheck is one named spam heuristic.
type spamCheck struct {
	name  string
	match func(string) bool
}

// spamChecks run in order; the first match wins.
var spamChecks = []spamCheck{
	{name: "url", match: func(text string) bool {
		return urlPattern.MatchString(text)
	}},
	{name: "phone", match: func(text string) bool {
		return phonePattern.MatchString(text)
	}},
	{name: "char_flood", match: hasCharFlood},
	{name: "word_flood", match: hasWordFlood},
}

// hasCharFlood reports a run of charFloodRun or more identical runes. RE2 has
// no backreferences, hence the scan.
func hasCharFlood(text string) bool {
	const threshold = charFloodRun

	count := 1
	prev := rune(-1)
	for _, r := range text {
		if r == prev {
			count++
			if count >= threshold {
				return true
			}
		} else {
			count = 1
			prev = r
		}
	}
	return false
}

// hasWordFlood reports the same whitespace-delimited word repeated
// wordFloodRun or more times in a row, ignoring case.
func hasWordFlood(text string) bool {
	const threshold = wordFloodRun

	words := strings.FieldsFunc(text, func(r rune) bool {
		return unicode.IsSpace(r)
	})
	if len(words) < threshold {
		return false
	}

	count := 1
	prev := ""
	for _, w := range words {
		lower := strings.ToLower(w)
		if lower == prev {
			count++
			if count >= threshold {
				return true
			}
		} else {
			count = 1
			prev = lower
		}
	}
	return false
}

// matchSpam returns the name of the first spam heuristic that fires.
func matchSpam(text string) (string, bool) {
	for _, sc := range spamChecks {
		if sc.match(text) {
			return sc.name, true
		}
	}
	return "", false
}
