package server

import (
	"strings"

	"github.com/gobwas/glob"

	"github.com/ccproxy/ccproxy/internal/format"
)

// Route is one resolved ingress mapping: what the client speaks, what the
// upstream speaks, and which adapter carries the request.
type Route struct {
	SourceFormat format.Format
	TargetFormat format.Format
	Provider     string
	// Passthrough skips parsing and translation entirely; bytes are
	// forwarded as-is in both directions.
	Passthrough bool
}

// routeEntry is one row of the routing table. Formats left empty are derived
// from the path suffix at match time (the /claude, /codex and /copilot trees
// accept any of the API shapes).
type routeEntry struct {
	pattern  glob.Glob
	source   format.Format
	target   format.Format
	provider string
	pass     bool
}

type routeTable struct {
	entries         []routeEntry
	defaultProvider string
}

func newRouteTable(defaultProvider string) *routeTable {
	if defaultProvider == "" {
		defaultProvider = "openai"
	}
	mk := func(pattern string) glob.Glob { return glob.MustCompile(pattern, '/') }
	return &routeTable{
		defaultProvider: defaultProvider,
		entries: []routeEntry{
			{pattern: mk("/v1/messages"), source: format.FormatAnthropic, target: format.FormatAnthropic, provider: "anthropic"},
			{pattern: mk("/v1/chat/completions"), source: format.FormatOpenAIChat, target: format.FormatAnthropic, provider: "anthropic"},
			{pattern: mk("/v1/responses"), source: format.FormatOpenAIResponses, target: format.FormatAnthropic, provider: "anthropic"},
			{pattern: mk("/openai/v1/chat/completions"), source: format.FormatOpenAIChat, target: format.FormatOpenAIChat, provider: ""},
			{pattern: mk("/claude/v1/**"), provider: "claude-cli"},
			{pattern: mk("/codex/**"), provider: "openai"},
			{pattern: mk("/copilot/v1/**"), provider: "copilot"},
			{pattern: mk("/unclaude/**"), provider: "anthropic", pass: true},
		},
	}
}

// Resolve maps an ingress path to a route; ok is false for unknown paths.
func (t *routeTable) Resolve(path string) (Route, bool) {
	for _, e := range t.entries {
		if !e.pattern.Match(path) {
			continue
		}
		r := Route{
			SourceFormat: e.source,
			TargetFormat: e.target,
			Provider:     e.provider,
			Passthrough:  e.pass,
		}
		if r.Provider == "" {
			r.Provider = t.defaultProvider
		}
		if r.SourceFormat == "" && !r.Passthrough {
			f, ok := formatForPath(path)
			if !ok {
				return Route{}, false
			}
			r.SourceFormat = f
		}
		if r.TargetFormat == "" && !r.Passthrough {
			r.TargetFormat = targetForProvider(r.Provider, r.SourceFormat)
		}
		return r, true
	}
	return Route{}, false
}

// formatForPath derives the API shape from the path suffix.
func formatForPath(path string) (format.Format, bool) {
	switch {
	case strings.HasSuffix(path, "/chat/completions"):
		return format.FormatOpenAIChat, true
	case strings.HasSuffix(path, "/responses"):
		return format.FormatOpenAIResponses, true
	case strings.HasSuffix(path, "/messages"):
		return format.FormatAnthropic, true
	}
	return "", false
}

// targetForProvider picks the wire format an adapter speaks. The claude CLI
// only accepts the Messages shape; the OpenAI-family trees keep the client
// shape.
func targetForProvider(provider string, source format.Format) format.Format {
	switch provider {
	case "anthropic", "claude-cli":
		return format.FormatAnthropic
	default:
		return source
	}
}
