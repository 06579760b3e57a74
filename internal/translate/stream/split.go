package stream

import "strings"

// microChunkWords is the approximate word count per re-split text delta.
const microChunkWords = 3

// SplitWords re-splits a coarse text delta on word boundaries into chunks of
// about n words each, preserving all whitespace so the concatenation equals
// the input. Deterministic for identical input.
func SplitWords(text string, n int) []string {
	if n <= 0 || text == "" {
		return []string{text}
	}
	var chunks []string
	var cur strings.Builder
	words := 0
	inWord := false
	for _, r := range text {
		isSpace := r == ' ' || r == '\t' || r == '\n' || r == '\r'
		if !isSpace && !inWord {
			// word boundary
			if words == n {
				chunks = append(chunks, cur.String())
				cur.Reset()
				words = 0
			}
			words++
		}
		inWord = !isSpace
		cur.WriteRune(r)
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	if len(chunks) == 0 {
		return []string{text}
	}
	return chunks
}

// MicroChunks applies the standard ~3 word split.
func MicroChunks(text string) []string {
	return SplitWords(text, microChunkWords)
}
