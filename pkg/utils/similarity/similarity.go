// Package similarity provides text normalization and token-set similarity used to detect
// repeated or paraphrased utterances.
package similarity

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// punctuation removed by Normalize. Terminal punctuation is handled by the segment assembler
// before normalization, so dropping it here only affects comparison.
var punctuationReplacer = strings.NewReplacer(
	"，", "", "。", "", "！", "", "？", "", "、", "", "；", "", "：", "",
	":", "", ",", "", ".", "", "!", "", "?", "",
	"\n", " ", "\r", " ",
)

// Normalize trims text, removes punctuation, collapses whitespace and lowercases it.
func Normalize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	s = punctuationReplacer.Replace(s)
	s = strings.Join(strings.Fields(s), " ")
	return strings.ToLower(s)
}

// Length returns the number of characters of the normalized text.
func Length(s string) int {
	return utf8.RuneCountInString(Normalize(s))
}

// Tokens splits normalized text into a token set. Latin words are whitespace separated; text
// containing Han characters is segmented into words and stop words are dropped.
func Tokens(s string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, field := range strings.Fields(Normalize(s)) {
		if !hasHan(field) {
			tokens[field] = struct{}{}
			continue
		}
		for _, word := range cutWords(field) {
			tokens[word] = struct{}{}
		}
	}
	return tokens
}

func hasHan(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Han, r) {
			return true
		}
	}
	return false
}

// Jaccard returns |A∩B| / |A∪B| over the token sets of a and b. Empty input on either side
// yields 0.
func Jaccard(a, b string) float64 {
	ta, tb := Tokens(a), Tokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	inter := 0
	for t := range ta {
		if _, ok := tb[t]; ok {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

// Similar reports whether a and b are the same after normalization or their Jaccard similarity
// reaches threshold.
func Similar(a, b string, threshold float64) bool {
	na, nb := Normalize(a), Normalize(b)
	if na == "" || nb == "" {
		return false
	}
	if na == nb {
		return true
	}
	return Jaccard(na, nb) >= threshold
}
