package memory

import (
	"strings"
	"unicode"
)

// Similarity is a lexical relevance score in [0,1]: the Jaccard overlap of the
// token sets of query and text. Latin words are tokens; Han, Hiragana, Katakana
// and Hangul runs are split into overlapping bigrams.
func Similarity(query, text string) float64 {
	q := tokenSet(query)
	t := tokenSet(text)
	if len(q) == 0 || len(t) == 0 {
		return 0
	}
	inter := 0
	for tok := range q {
		if _, ok := t[tok]; ok {
			inter++
		}
	}
	union := len(q) + len(t) - inter
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	var word []rune
	var cjk []rune

	flushWord := func() {
		if len(word) > 0 {
			set[string(word)] = struct{}{}
			word = word[:0]
		}
	}
	flushCJK := func() {
		switch {
		case len(cjk) == 1:
			set[string(cjk)] = struct{}{}
		case len(cjk) > 1:
			for i := 0; i+1 < len(cjk); i++ {
				set[string(cjk[i:i+2])] = struct{}{}
			}
		}
		cjk = cjk[:0]
	}

	for _, r := range strings.ToLower(s) {
		switch {
		case isCJK(r):
			flushWord()
			cjk = append(cjk, r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			flushCJK()
			word = append(word, r)
		default:
			flushWord()
			flushCJK()
		}
	}
	flushWord()
	flushCJK()
	return set
}

func isCJK(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul)
}
