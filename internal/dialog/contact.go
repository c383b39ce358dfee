package dialog

import (
	"regexp"
	"strings"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	digitRun     = regexp.MustCompile(`[0-9]+`)
)

// Spoken digits arrive as words on the voice channel.
var frenchDigitWords = map[string]string{
	"zéro": "0", "zero": "0", "un": "1", "deux": "2", "trois": "3",
	"quatre": "4", "cinq": "5", "six": "6", "sept": "7", "huit": "8",
	"neuf": "9",
}

// ExtractEmail returns the first email address in the text, lowercased.
func ExtractEmail(text string) (string, bool) {
	m := emailPattern.FindString(strings.ReplaceAll(text, " arobase ", "@"))
	if m == "" {
		return "", false
	}
	return strings.ToLower(m), true
}

// ExtractDigits collects every digit in the utterance, mapping spoken
// French digit words, preserving order. Used to accumulate a phone
// number across voice turns.
func ExtractDigits(text string) string {
	var b strings.Builder
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,;:!?")
		if d, ok := frenchDigitWords[word]; ok {
			b.WriteString(d)
			continue
		}
		for _, run := range digitRun.FindAllString(word, -1) {
			b.WriteString(run)
		}
	}
	return b.String()
}

// NormalizeFrenchPhone validates an accumulated digit string as a
// French national number: 10 digits starting with 0, or +33/0033/33
// followed by 9 digits.
func NormalizeFrenchPhone(digits string) (string, bool) {
	d := digits
	switch {
	case strings.HasPrefix(d, "0033"):
		d = "0" + d[4:]
	case strings.HasPrefix(d, "33") && len(d) == 11:
		d = "0" + d[2:]
	}
	if len(d) != 10 || d[0] != '0' {
		return "", false
	}
	return d, true
}
