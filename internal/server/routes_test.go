package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccproxy/ccproxy/internal/format"
)

func TestRouteTableResolve(t *testing.T) {
	table := newRouteTable("openai")

	cases := []struct {
		path   string
		source format.Format
		target format.Format
		prov   string
		pass   bool
	}{
		{"/v1/messages", format.FormatAnthropic, format.FormatAnthropic, "anthropic", false},
		{"/v1/chat/completions", format.FormatOpenAIChat, format.FormatAnthropic, "anthropic", false},
		{"/v1/responses", format.FormatOpenAIResponses, format.FormatAnthropic, "anthropic", false},
		{"/openai/v1/chat/completions", format.FormatOpenAIChat, format.FormatOpenAIChat, "openai", false},
		{"/claude/v1/messages", format.FormatAnthropic, format.FormatAnthropic, "claude-cli", false},
		{"/claude/v1/chat/completions", format.FormatOpenAIChat, format.FormatAnthropic, "claude-cli", false},
		{"/codex/v1/responses", format.FormatOpenAIResponses, format.FormatOpenAIResponses, "openai", false},
		{"/codex/v1/chat/completions", format.FormatOpenAIChat, format.FormatOpenAIChat, "openai", false},
		{"/copilot/v1/chat/completions", format.FormatOpenAIChat, format.FormatOpenAIChat, "copilot", false},
		{"/unclaude/v1/messages", "", "", "anthropic", true},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			route, ok := table.Resolve(tc.path)
			require.True(t, ok)
			assert.Equal(t, tc.source, route.SourceFormat)
			assert.Equal(t, tc.target, route.TargetFormat)
			assert.Equal(t, tc.prov, route.Provider)
			assert.Equal(t, tc.pass, route.Passthrough)
		})
	}
}

func TestRouteTableUnknownPath(t *testing.T) {
	table := newRouteTable("openai")

	_, ok := table.Resolve("/v2/messages")
	assert.False(t, ok)

	// a wildcard tree hit whose suffix names no API shape
	_, ok = table.Resolve("/codex/v1/embeddings")
	assert.False(t, ok)
}

func TestRouteTableDefaultProvider(t *testing.T) {
	table := newRouteTable("copilot")
	route, ok := table.Resolve("/openai/v1/chat/completions")
	require.True(t, ok)
	assert.Equal(t, "copilot", route.Provider)
}
