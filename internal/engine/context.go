package engine

import (
	"strings"
	"unicode"

	"github.com/ppiankov/impetus/internal/model"
)

const (
	// PrimarySentences is how many sentences before the cursor primary mode
	// sends as context.
	PrimarySentences = 3
	// ChaoticSentences is the chaotic mode equivalent.
	ChaoticSentences = 10
	// MaxContextRunes caps the context sent to the decision service.
	MaxContextRunes = 2000
)

// Tokenizer splits text into sentences. Concatenating the pieces must give
// back the input.
type Tokenizer interface {
	Split(text string) []string
}

// SentenceTokenizer ends a sentence after a run of terminal punctuation
// (。！？!?.) or at a newline.
type SentenceTokenizer struct{}

func isTerminal(r rune) bool {
	switch r {
	case '。', '！', '？', '!', '?', '.':
		return true
	}
	return false
}

// Split implements Tokenizer.
func (SentenceTokenizer) Split(text string) []string {
	var out []string
	runes := []rune(text)
	start := 0
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '\n':
			out = append(out, string(runes[start:i+1]))
			start = i + 1
		case isTerminal(r):
			for i+1 < len(runes) && isTerminal(runes[i+1]) {
				i++
			}
			out = append(out, string(runes[start:i+1]))
			start = i + 1
		}
	}
	if start < len(runes) {
		out = append(out, string(runes[start:]))
	}
	return out
}

// LastSentences returns the tail of text holding its last n non-blank
// sentences, trimmed and capped to the last maxRunes runes.
func LastSentences(tok Tokenizer, text string, n, maxRunes int) string {
	pieces := tok.Split(text)
	from := len(pieces)
	for found := 0; from > 0 && found < n; {
		from--
		if strings.TrimSpace(pieces[from]) != "" {
			found++
		}
	}
	tail := strings.TrimFunc(strings.Join(pieces[from:], ""), unicode.IsSpace)
	if maxRunes > 0 {
		if r := []rune(tail); len(r) > maxRunes {
			tail = string(r[len(r)-maxRunes:])
		}
	}
	return tail
}

// ContextFor extracts the decision context for mode from the text before
// the cursor.
func ContextFor(tok Tokenizer, beforeCursor string, mode model.Mode) string {
	n := PrimarySentences
	if mode == model.ModeChaotic {
		n = ChaoticSentences
	}
	return LastSentences(tok, beforeCursor, n, MaxContextRunes)
}
