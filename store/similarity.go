package store

import (
	"strings"
	"unicode"
)

// exactMatchBonus lifts an identical question strictly above any distinct
// pair, including token permutations (which Jaccard alone scores equal).
const exactMatchBonus = 0.05

// tokenize lowercases, strips punctuation, and splits question text into a
// token set.
func tokenize(question string) map[string]struct{} {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsNumber(r):
			return unicode.ToLower(r)
		default:
			return ' '
		}
	}, question)

	tokens := make(map[string]struct{})
	for _, tok := range strings.Fields(cleaned) {
		tokens[tok] = struct{}{}
	}
	return tokens
}

func normalize(question string) string {
	toks := tokenize(question)
	parts := make([]string, 0, len(toks))
	for tok := range toks {
		parts = append(parts, tok)
	}
	// set semantics: order-free join is enough for equality testing
	return strings.Join(sortStrings(parts), " ")
}

func sortStrings(in []string) []string {
	for i := 1; i < len(in); i++ {
		for j := i; j > 0 && in[j] < in[j-1]; j-- {
			in[j], in[j-1] = in[j-1], in[j]
		}
	}
	return in
}

// Similarity scores two questions in [0, 1+exactMatchBonus]. The base is
// Jaccard overlap of their token sets: symmetric, non-negative, and
// permutation-invariant. Byte-identical questions get the exact-match bonus
// on top.
func Similarity(a, b string) float64 {
	ta, tb := tokenize(a), tokenize(b)
	if len(ta) == 0 && len(tb) == 0 {
		if a == b {
			return 1 + exactMatchBonus
		}
		return 0
	}

	intersection := 0
	for tok := range ta {
		if _, ok := tb[tok]; ok {
			intersection++
		}
	}
	union := len(ta) + len(tb) - intersection
	score := float64(intersection) / float64(union)
	if a == b {
		score += exactMatchBonus
	}
	return score
}
