package stream

import (
	"strings"

	"github.com/ccproxy/ccproxy/internal/translate"
)

const (
	thinkingTagPrefix = "<thinking"
	thinkingCloseTag  = "</thinking>"
)

// thinkingStreamParser incrementally splits a text delta stream into plain
// and reasoning segments. A reasoning span is delimited by a <thinking> tag
// with an optional signature attribute. Partial tags straddling chunk
// boundaries are held back until they resolve.
type thinkingStreamParser struct {
	pending  string
	inside   bool
	sig      string
	sawSig   bool
	tagOpen  bool // saw "<thinking" but not yet ">"
}

// feed consumes a text delta and returns the segments that resolved.
func (p *thinkingStreamParser) feed(text string) []translate.TextSegment {
	p.pending += text
	var segs []translate.TextSegment
	for {
		if p.inside {
			if !p.consumeThinking(&segs) {
				return segs
			}
			continue
		}
		if p.tagOpen {
			if !p.consumeOpenTag() {
				return segs
			}
			continue
		}
		if !p.consumeText(&segs) {
			return segs
		}
	}
}

// consumeText scans plain text up to the next "<thinking". Returns false when
// no further progress is possible on the current buffer.
func (p *thinkingStreamParser) consumeText(segs *[]translate.TextSegment) bool {
	i := strings.Index(p.pending, thinkingTagPrefix)
	if i >= 0 {
		if i > 0 {
			*segs = append(*segs, translate.TextSegment{Text: p.pending[:i]})
		}
		p.pending = p.pending[i+len(thinkingTagPrefix):]
		p.tagOpen = true
		return true
	}
	hold := partialSuffix(p.pending, thinkingTagPrefix)
	if emit := p.pending[:len(p.pending)-hold]; emit != "" {
		*segs = append(*segs, translate.TextSegment{Text: emit})
	}
	p.pending = p.pending[len(p.pending)-hold:]
	return false
}

// consumeOpenTag scans the rest of the open tag up to ">", extracting the
// signature attribute when present.
func (p *thinkingStreamParser) consumeOpenTag() bool {
	i := strings.Index(p.pending, ">")
	if i < 0 {
		return false
	}
	attrs := p.pending[:i]
	p.pending = p.pending[i+1:]
	p.tagOpen = false
	p.inside = true
	p.sig = parseSignatureAttr(attrs)
	p.sawSig = false
	return true
}

// consumeThinking scans reasoning text up to "</thinking>".
func (p *thinkingStreamParser) consumeThinking(segs *[]translate.TextSegment) bool {
	i := strings.Index(p.pending, thinkingCloseTag)
	if i >= 0 {
		if i > 0 || !p.sawSig {
			p.sawSig = true
			*segs = append(*segs, translate.TextSegment{Thinking: true, Signature: p.sig, Text: p.pending[:i]})
		}
		p.pending = p.pending[i+len(thinkingCloseTag):]
		p.inside = false
		return true
	}
	hold := partialSuffix(p.pending, thinkingCloseTag)
	if emit := p.pending[:len(p.pending)-hold]; emit != "" {
		p.sawSig = true
		*segs = append(*segs, translate.TextSegment{Thinking: true, Signature: p.sig, Text: emit})
	}
	p.pending = p.pending[len(p.pending)-hold:]
	return false
}

// flush returns whatever raw text remains unresolved, reconstructing any
// partial tag so nothing is silently dropped.
func (p *thinkingStreamParser) flush() string {
	out := p.pending
	if p.tagOpen {
		out = thinkingTagPrefix + out
	}
	p.pending = ""
	p.tagOpen = false
	p.inside = false
	return out
}

// partialSuffix returns the length of the longest suffix of s that is a
// proper prefix of pat.
func partialSuffix(s, pat string) int {
	max := len(pat) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasPrefix(pat, s[len(s)-n:]) {
			return n
		}
	}
	return 0
}

// parseSignatureAttr extracts signature="..." from the attribute text of an
// open tag.
func parseSignatureAttr(attrs string) string {
	const key = `signature="`
	i := strings.Index(attrs, key)
	if i < 0 {
		return ""
	}
	rest := attrs[i+len(key):]
	j := strings.Index(rest, `"`)
	if j < 0 {
		return ""
	}
	return rest[:j]
}
