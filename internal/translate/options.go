package translate

// Options tunes translation behavior. The zero value matches the defaults
// advertised in the README.
type Options struct {
	// ThinkingXML controls whether reasoning content round-trips through
	// assistant text as <thinking> spans. On by default.
	ThinkingXML bool

	// DefaultReasoningEffort is applied when converting Chat requests to the
	// Responses API and the request carries no reasoning_effort. Empty
	// disables the default.
	DefaultReasoningEffort string

	// DefaultReasoningSummary is the summary mode paired with
	// DefaultReasoningEffort.
	DefaultReasoningSummary string

	// MicroChunk re-splits coarse upstream text deltas on word boundaries
	// into ~3-word chunks to approximate token-level streaming.
	MicroChunk bool
}

// DefaultOptions returns the standard translation options.
func DefaultOptions() Options {
	return Options{
		ThinkingXML:             true,
		DefaultReasoningEffort:  "medium",
		DefaultReasoningSummary: "auto",
	}
}
