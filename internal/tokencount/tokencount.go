// Package tokencount estimates token counts with tiktoken for responses
// whose provider omitted a usage block.
package tokencount

import (
	"fmt"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/ccproxy/ccproxy/internal/format"
)

var (
	encOnce sync.Once
	enc     tokenizer.Codec
	encErr  error
)

func codec() (tokenizer.Codec, error) {
	encOnce.Do(func() {
		enc, encErr = tokenizer.Get(tokenizer.O200kBase)
		if encErr != nil {
			encErr = fmt.Errorf("get tokenizer: %w", encErr)
		}
	})
	return enc, encErr
}

// CountText counts tokens in a string, falling back to a character/4
// estimate when the tokenizer is unavailable.
func CountText(text string) int {
	c, err := codec()
	if err != nil {
		return len(text) / 4
	}
	n, err := c.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return n
}

// EstimateChatInput estimates the prompt tokens of a Chat request.
func EstimateChatInput(req *format.ChatRequest) int {
	total := 3 // request framing overhead
	for _, msg := range req.Messages {
		total += CountText(msg.Role)
		total += CountText(msg.Content.PlainText())
		for _, tc := range msg.ToolCalls {
			total += CountText(tc.Function.Name)
			total += CountText(tc.Function.Arguments)
		}
	}
	return total
}

// EstimateAnthropicInput estimates the input tokens of an Anthropic request.
func EstimateAnthropicInput(req *format.AnthropicRequest) int {
	total := 3
	total += CountText(req.System.Joined())
	for _, msg := range req.Messages {
		total += CountText(msg.Role)
		for _, block := range msg.Content {
			switch block.Type {
			case format.BlockTypeText:
				total += CountText(block.Text)
			case format.BlockTypeToolUse:
				total += CountText(block.Name)
				total += CountText(string(block.Input))
			}
		}
	}
	return total
}

// EstimateOutput estimates completion tokens from accumulated output text.
func EstimateOutput(content string) int {
	return CountText(content)
}
