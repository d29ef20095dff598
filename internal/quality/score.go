// Package quality validates generated answers and regenerates or replaces
// the ones that are too weak to show.
package quality

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// DefaultThreshold is the minimum score of a valid answer.
	DefaultThreshold = 0.6

	minRunes         = 20
	minWords         = 3
	repetitionWindow = 8
	minUniqueRatio   = 0.3
)

var engagementPhrases = []string{
	"por ejemplo", "puedes", "vamos", "intenta", "te gustaría", "qué tal",
	"for example", "you can", "let's", "try ", "would you",
}

// Verdict is the outcome of scoring one answer.
type Verdict struct {
	Valid   bool
	Score   float64
	Reasons []string
}

// Score rates an answer between 0 and 1. An answer is valid when it is long
// enough, has real words, is not repetitive, and reaches threshold.
func Score(text string, threshold float64) Verdict {
	var v Verdict
	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(trimmed)

	lengthOK := utf8.RuneCountInString(trimmed) >= minRunes
	if lengthOK {
		v.Score += 0.3
	} else {
		v.Reasons = append(v.Reasons, "too short")
	}

	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	meaningful := 0
	for _, w := range words {
		if letterCount(w) >= 2 {
			meaningful++
		}
	}
	wordsOK := meaningful >= minWords
	if wordsOK {
		v.Score += 0.3
	} else {
		v.Reasons = append(v.Reasons, "too few words")
	}

	if engaging(lower) {
		v.Score += 0.2
	}

	repetitionOK := true
	if len(words) >= repetitionWindow {
		unique := make(map[string]struct{}, len(words))
		for _, w := range words {
			unique[w] = struct{}{}
		}
		repetitionOK = float64(len(unique))/float64(len(words)) >= minUniqueRatio
	}
	if repetitionOK {
		v.Score += 0.2
	} else {
		v.Reasons = append(v.Reasons, "repetitive")
	}

	if v.Score < threshold {
		v.Reasons = append(v.Reasons, "below threshold")
	}
	v.Valid = lengthOK && wordsOK && repetitionOK && v.Score >= threshold
	return v
}

func engaging(lower string) bool {
	if strings.ContainsAny(lower, "?¿!¡") {
		return true
	}
	for _, phrase := range engagementPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

func letterCount(w string) int {
	n := 0
	for _, r := range w {
		if unicode.IsLetter(r) {
			n++
		}
	}
	return n
}
