package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/ccproxy/ccproxy/internal/format"
	"github.com/ccproxy/ccproxy/internal/reqctx"
	"github.com/ccproxy/ccproxy/internal/translate/stream"
)

// claudeFallbackCommand runs the CLI through the package manager when no
// claude binary is on PATH.
var claudeFallbackCommand = []string{"npx", "--yes", "@anthropic-ai/claude-code"}

// ClaudeCLIAdapter bridges requests to a locally spawned claude CLI instead
// of an HTTP upstream. The CLI's stream-json output is converted back into
// Anthropic stream events.
type ClaudeCLIAdapter struct {
	command []string
	aliases *AliasTable
}

// NewClaudeCLIAdapter resolves the claude command: the binary on PATH when
// present, otherwise the package-manager fallback.
func NewClaudeCLIAdapter(aliases *AliasTable) *ClaudeCLIAdapter {
	if aliases == nil {
		aliases = DefaultClaudeAliases()
	}
	command := claudeFallbackCommand
	if path, err := exec.LookPath("claude"); err == nil {
		command = []string{path}
	}
	return &ClaudeCLIAdapter{command: command, aliases: aliases}
}

func (a *ClaudeCLIAdapter) Name() string              { return "claude-cli" }
func (a *ClaudeCLIAdapter) BaseURL() string           { return "" }
func (a *ClaudeCLIAdapter) WireFormat() format.Format { return format.FormatAnthropic }

// Command returns the resolved CLI invocation.
func (a *ClaudeCLIAdapter) Command() []string {
	return a.command
}

// TransformPath is fixed: the CLI only speaks the Messages shape.
func (a *ClaudeCLIAdapter) TransformPath(ingressPath string) string {
	return "/v1/messages"
}

// BuildHeaders is empty: there is no HTTP upstream.
func (a *ClaudeCLIAdapter) BuildHeaders(ctx context.Context, client http.Header, mode HeaderMode) (http.Header, error) {
	return http.Header{}, nil
}

// TransformBody applies model aliasing only; the CLI injects its own
// system prompt.
func (a *ClaudeCLIAdapter) TransformBody(body []byte, mode HeaderMode) ([]byte, error) {
	return body, nil
}

// MapModel resolves OpenAI-style names to Claude models.
func (a *ClaudeCLIAdapter) MapModel(model string) string {
	return a.aliases.Resolve(model)
}

// ExtractUsage reads the usage block of a result line or assembled message.
func (a *ClaudeCLIAdapter) ExtractUsage(body []byte, rc *reqctx.RequestContext) {
	usage := gjson.GetBytes(body, "usage")
	if !usage.Exists() {
		return
	}
	u := format.Usage{
		PromptTokens:     int(usage.Get("input_tokens").Int()),
		CompletionTokens: int(usage.Get("output_tokens").Int()),
		CacheReadTokens:  int(usage.Get("cache_read_input_tokens").Int()),
		CacheWriteTokens: int(usage.Get("cache_creation_input_tokens").Int()),
	}
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	mergeUsage(rc, u)
}

// Invoke runs the CLI for one request and returns an Anthropic event
// stream. The process is killed when ctx is cancelled.
func (a *ClaudeCLIAdapter) Invoke(ctx context.Context, req *format.AnthropicRequest) (<-chan stream.Event, error) {
	prompt := lastUserText(req)
	args := append(a.command[1:],
		"--print", "--verbose",
		"--output-format", "stream-json",
		"--model", a.MapModel(req.Model),
		prompt,
	)
	cmd := exec.CommandContext(ctx, a.command[0], args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("claude-cli: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("claude-cli: start %s: %w", a.command[0], err)
	}
	logrus.Debugf("claude-cli: spawned %v", a.command)

	events := make(chan stream.Event, 16)
	go func() {
		defer close(events)
		defer cmd.Wait()
		bridgeStreamJSON(req.Model, bufio.NewScanner(stdout), events)
	}()
	return events, nil
}

func lastUserText(req *format.AnthropicRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			return req.Messages[i].Content.PlainText()
		}
	}
	return ""
}

// bridgeStreamJSON converts the CLI's line-delimited stream-json records
// into Anthropic stream events.
func bridgeStreamJSON(model string, lines *bufio.Scanner, out chan<- stream.Event) {
	lines.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	emit := func(typ string, ev format.AnthropicStreamEvent) {
		ev.Type = typ
		out <- stream.JSONEvent(typ, ev)
	}

	started := false
	blockOpen := false
	var usage format.AnthropicUsage

	for lines.Scan() {
		line := lines.Bytes()
		if len(line) == 0 {
			continue
		}
		kind := gjson.GetBytes(line, "type").String()
		switch kind {
		case "system":
			// init line, nothing to forward

		case "assistant":
			if !started {
				started = true
				emit(format.EventMessageStart, format.AnthropicStreamEvent{
					Message: &format.AnthropicResponse{
						ID:      gjson.GetBytes(line, "message.id").String(),
						Type:    "message",
						Role:    "assistant",
						Model:   model,
						Content: []format.ContentBlock{},
					},
				})
			}
			text := gjson.GetBytes(line, "message.content.#(type==text).text").String()
			if text == "" {
				continue
			}
			if !blockOpen {
				blockOpen = true
				idx := 0
				emit(format.EventContentBlockStart, format.AnthropicStreamEvent{
					Index:        &idx,
					ContentBlock: &format.ContentBlock{Type: format.BlockTypeText},
				})
			}
			idx := 0
			emit(format.EventContentBlockDelta, format.AnthropicStreamEvent{
				Index: &idx,
				Delta: &format.AnthropicDelta{Type: format.DeltaTypeText, Text: text},
			})

		case "result":
			if raw := gjson.GetBytes(line, "usage"); raw.Exists() {
				_ = json.Unmarshal([]byte(raw.Raw), &usage)
			}
			if !started {
				started = true
				emit(format.EventMessageStart, format.AnthropicStreamEvent{
					Message: &format.AnthropicResponse{Type: "message", Role: "assistant", Model: model},
				})
			}
			if blockOpen {
				idx := 0
				emit(format.EventContentBlockStop, format.AnthropicStreamEvent{Index: &idx})
				blockOpen = false
			}
			stop := format.StopReasonEndTurn
			if gjson.GetBytes(line, "subtype").String() != "success" {
				emit(format.EventError, format.AnthropicStreamEvent{
					Error: &format.ErrorDetail{
						Message: gjson.GetBytes(line, "result").String(),
						Type:    "upstream_error",
					},
				})
				return
			}
			emit(format.EventMessageDelta, format.AnthropicStreamEvent{
				Delta: &format.AnthropicDelta{StopReason: stop},
				Usage: &usage,
			})
			emit(format.EventMessageStop, format.AnthropicStreamEvent{})
			return
		}
	}
	// the scan loop only falls through when the process died before its
	// result line; the client still needs a terminal
	msg := "claude-cli exited before emitting a result"
	if err := lines.Err(); err != nil {
		msg = err.Error()
	}
	emit(format.EventError, format.AnthropicStreamEvent{
		Error: &format.ErrorDetail{Message: msg, Type: "upstream_error"},
	})
}
