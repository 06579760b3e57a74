package tokencount

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ccproxy/ccproxy/internal/format"
)

func TestCountText(t *testing.T) {
	assert.Equal(t, 0, CountText(""))
	assert.Greater(t, CountText("Hello, world! This is a test sentence."), 0)
}

func TestCountTextMonotonic(t *testing.T) {
	short := CountText("hello")
	long := CountText("hello hello hello hello hello hello")
	assert.Greater(t, long, short)
}

func TestEstimateChatInput(t *testing.T) {
	req := &format.ChatRequest{
		Model: "gpt-4o",
		Messages: []format.ChatMessage{
			{Role: "system", Content: format.ChatContent{Text: "You are helpful."}},
			{Role: "user", Content: format.ChatContent{Text: "What is the weather in Paris?"}},
		},
	}
	n := EstimateChatInput(req)
	assert.Greater(t, n, 5)
}

func TestEstimateAnthropicInput(t *testing.T) {
	req := &format.AnthropicRequest{
		Model:     "claude-3-5-sonnet",
		MaxTokens: 100,
		Messages: []format.AnthropicMessage{
			{Role: "user", Content: format.MessageContent{{Type: format.BlockTypeText, Text: "Hi there"}}},
		},
	}
	assert.Greater(t, EstimateAnthropicInput(req), 0)
}

func TestEstimateOutput(t *testing.T) {
	assert.Greater(t, EstimateOutput("The answer to your question is 42."), 0)
}
