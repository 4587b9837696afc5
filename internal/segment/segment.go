// Package segment turns a growing text buffer into speakable sentence chunks.
//
// The LLM token stream is appended to a buffer and re-fed through Feed; every
// chunk returned in complete may be handed to TTS immediately, while remaining
// must be kept and re-fed once more text arrives.
package segment

import (
	"strings"
	"unicode"
)

// abbreviations that end with a period but do not terminate a sentence.
var abbreviations = map[string]struct{}{
	"mr": {}, "mrs": {}, "ms": {}, "dr": {}, "prof": {}, "rev": {},
	"sr": {}, "jr": {}, "st": {}, "vs": {}, "etc": {}, "approx": {},
	"dept": {},
}

// Feed classifies buf into completed sentences and a non-terminated tail.
// It is pure: feeding the returned remaining again with no new text yields the
// same remaining back. The tail is returned verbatim apart from leading
// whitespace, so appending the next token delta to it never glues words
// together.
//
// A chunk is complete iff it ends in '.', '!' or '?' at a whitespace (or
// end-of-buffer) boundary and the token before a '.' is neither a known
// abbreviation nor a single-capital initial.
func Feed(buf string) (complete []string, remaining string) {
	if buf == "" {
		return nil, ""
	}
	runes := []rune(buf)
	start := 0
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		// split only at punctuation followed by whitespace or buffer end
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		if r == '.' && guardedPeriod(runes[start:i]) {
			continue
		}
		chunk := strings.TrimSpace(string(runes[start : i+1]))
		if chunk != "" {
			if !hasLetterOrDigit(chunk) && len(complete) > 0 {
				// stray punctuation fragment: merge onto the previous sentence
				complete[len(complete)-1] += " " + chunk
			} else {
				complete = append(complete, chunk)
			}
		}
		start = i + 1
	}
	remaining = strings.TrimLeftFunc(string(runes[start:]), unicode.IsSpace)
	return complete, remaining
}

// guardedPeriod reports whether the text before a period ends in an
// abbreviation or a single-capital initial ("X.").
func guardedPeriod(before []rune) bool {
	// collect the word immediately preceding the period
	end := len(before)
	begin := end
	for begin > 0 && !unicode.IsSpace(before[begin-1]) {
		begin--
	}
	word := string(before[begin:end])
	word = strings.Trim(word, "\"'()[]")
	if word == "" {
		return false
	}
	if len([]rune(word)) == 1 && unicode.IsUpper([]rune(word)[0]) {
		return true
	}
	// dotted tokens like "e.g", "i.e" or "U.S" never end a sentence here
	if strings.Contains(word, ".") {
		return true
	}
	_, ok := abbreviations[strings.ToLower(word)]
	return ok
}

func hasLetterOrDigit(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}
