// Package delivery splits generated replies into chat-sized parts, sends them
// through the transport at a human pace and records the exchange in memory.
package delivery

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/mattn/go-runewidth"
)

// MemorySeparator joins delivered parts in the stored assistant text.
const MemorySeparator = "$"

func isExplicitDelimiter(r rune) bool { return r == '$' || r == '\\' }

func isSentenceEnd(r rune) bool {
	switch r {
	case '。', '！', '？', '!', '?':
		return true
	}
	return false
}

// Segment splits a reply into parts. Explicit "$" or "\" delimiters win when
// present; otherwise the text is cut after sentence-ending punctuation. Parts
// wider than maxWidth display columns are wrapped; maxWidth <= 0 disables it.
func Segment(text string, maxWidth int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var raw []string
	if strings.ContainsFunc(text, isExplicitDelimiter) {
		raw = strings.FieldsFunc(text, isExplicitDelimiter)
	} else {
		raw = splitSentences(text)
	}

	var parts []string
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if maxWidth > 0 && runewidth.StringWidth(p) > maxWidth {
			parts = append(parts, wrap(p, maxWidth)...)
			continue
		}
		parts = append(parts, p)
	}
	return parts
}

// JoinForMemory renders delivered parts as the stored assistant text.
func JoinForMemory(parts []string) string {
	return strings.Join(parts, MemorySeparator)
}

// splitSentences cuts after a run of sentence-ending punctuation ("?!" stays whole).
func splitSentences(text string) []string {
	var out []string
	runes := []rune(text)
	start := 0
	for i, r := range runes {
		if !isSentenceEnd(r) {
			continue
		}
		if i+1 < len(runes) && isSentenceEnd(runes[i+1]) {
			continue
		}
		out = append(out, string(runes[start:i+1]))
		start = i + 1
	}
	if start < len(runes) {
		out = append(out, string(runes[start:]))
	}
	return out
}

// wrap breaks s into pieces of at most max columns, preferring whitespace.
func wrap(s string, max int) []string {
	var out []string
	for runewidth.StringWidth(s) > max {
		cut, lastSpace, w := 0, -1, 0
		for i, r := range s {
			if unicode.IsSpace(r) {
				lastSpace = i
			}
			rw := runewidth.RuneWidth(r)
			if w+rw > max {
				cut = i
				break
			}
			w += rw
		}
		if cut == 0 {
			// a single rune wider than max
			_, cut = utf8.DecodeRuneInString(s)
		}
		if lastSpace > 0 {
			cut = lastSpace
		}
		if head := strings.TrimSpace(s[:cut]); head != "" {
			out = append(out, head)
		}
		s = strings.TrimSpace(s[cut:])
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}
