package translate

import (
	"fmt"
	"regexp"
	"strings"
)

// Reasoning text is carried inside assistant text as
// <thinking signature="...">...</thinking> so that Chat Completions and
// Anthropic consumers see it inline while Responses consumers get structured
// reasoning items back.

const thinkingCloseTag = "</thinking>"

var thinkingRe = regexp.MustCompile(`(?s)<thinking(?: signature="([^"]*)")?>(.*?)</thinking>`)

// ThinkingOpenTag renders the opening tag for a reasoning span.
func ThinkingOpenTag(signature string) string {
	if signature == "" {
		return "<thinking>"
	}
	return fmt.Sprintf(`<thinking signature=%q>`, signature)
}

// WrapThinking renders a full reasoning span.
func WrapThinking(signature, text string) string {
	return ThinkingOpenTag(signature) + text + thinkingCloseTag
}

// TextSegment is a fragment of assistant text, either plain or reasoning.
type TextSegment struct {
	Thinking  bool
	Signature string
	Text      string
}

// SplitThinking separates <thinking> spans from plain text, in order.
// Unterminated or malformed tags are left as plain text.
func SplitThinking(text string) []TextSegment {
	if !strings.Contains(text, "<thinking") {
		if text == "" {
			return nil
		}
		return []TextSegment{{Text: text}}
	}
	var segs []TextSegment
	rest := text
	for {
		loc := thinkingRe.FindStringSubmatchIndex(rest)
		if loc == nil {
			break
		}
		if pre := rest[:loc[0]]; pre != "" {
			segs = append(segs, TextSegment{Text: pre})
		}
		sig := ""
		if loc[2] >= 0 {
			sig = rest[loc[2]:loc[3]]
		}
		segs = append(segs, TextSegment{Thinking: true, Signature: sig, Text: rest[loc[4]:loc[5]]})
		rest = rest[loc[1]:]
	}
	if rest != "" {
		segs = append(segs, TextSegment{Text: rest})
	}
	return segs
}
