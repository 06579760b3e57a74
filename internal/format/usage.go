package format

// Usage is the normalized token accounting shared across all three formats.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	CacheReadTokens  int `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int `json:"cache_write_tokens,omitempty"`
	ReasoningTokens  int `json:"reasoning_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens"`
}

// IsZero reports whether no tokens were counted.
func (u Usage) IsZero() bool {
	return u.PromptTokens == 0 && u.CompletionTokens == 0
}

// Add accumulates another usage record into u.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.CacheWriteTokens += other.CacheWriteTokens
	u.ReasoningTokens += other.ReasoningTokens
	u.TotalTokens += other.TotalTokens
}

// FromAnthropicUsage normalizes an Anthropic usage block. Cache-write tokens
// sum the 5m and 1h ephemeral variants when the breakdown is present.
func FromAnthropicUsage(a AnthropicUsage) Usage {
	write := a.CacheCreationInputTokens
	if a.CacheCreation != nil {
		write = a.CacheCreation.Ephemeral5mInputTokens + a.CacheCreation.Ephemeral1hInputTokens
	}
	return Usage{
		PromptTokens:     a.InputTokens,
		CompletionTokens: a.OutputTokens,
		CacheReadTokens:  a.CacheReadInputTokens,
		CacheWriteTokens: write,
		TotalTokens:      a.InputTokens + a.OutputTokens,
	}
}

// FromChatUsage normalizes a Chat Completions usage block.
func FromChatUsage(c ChatUsage) Usage {
	u := Usage{
		PromptTokens:     c.PromptTokens,
		CompletionTokens: c.CompletionTokens,
		TotalTokens:      c.TotalTokens,
	}
	if c.PromptTokensDetails != nil {
		u.CacheReadTokens = c.PromptTokensDetails.CachedTokens
	}
	if c.CompletionTokensDetails != nil {
		u.ReasoningTokens = c.CompletionTokensDetails.ReasoningTokens
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}

// FromResponsesUsage normalizes a Responses API usage block.
func FromResponsesUsage(r ResponsesUsage) Usage {
	u := Usage{
		PromptTokens:     r.InputTokens,
		CompletionTokens: r.OutputTokens,
		TotalTokens:      r.TotalTokens,
	}
	if r.InputTokensDetails != nil {
		u.CacheReadTokens = r.InputTokensDetails.CachedTokens
	}
	if r.OutputTokensDetails != nil {
		u.ReasoningTokens = r.OutputTokensDetails.ReasoningTokens
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}

// ToAnthropicUsage renders the normalized usage in Anthropic shape.
func (u Usage) ToAnthropicUsage() AnthropicUsage {
	return AnthropicUsage{
		InputTokens:              u.PromptTokens,
		OutputTokens:             u.CompletionTokens,
		CacheReadInputTokens:     u.CacheReadTokens,
		CacheCreationInputTokens: u.CacheWriteTokens,
	}
}

// ToChatUsage renders the normalized usage in Chat Completions shape.
func (u Usage) ToChatUsage() ChatUsage {
	c := ChatUsage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
	if c.TotalTokens == 0 {
		c.TotalTokens = c.PromptTokens + c.CompletionTokens
	}
	if u.CacheReadTokens > 0 {
		c.PromptTokensDetails = &PromptTokensDetails{CachedTokens: u.CacheReadTokens}
	}
	if u.ReasoningTokens > 0 {
		c.CompletionTokensDetails = &CompletionTokensDetails{ReasoningTokens: u.ReasoningTokens}
	}
	return c
}

// ToResponsesUsage renders the normalized usage in Responses shape.
func (u Usage) ToResponsesUsage() ResponsesUsage {
	r := ResponsesUsage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
		TotalTokens:  u.TotalTokens,
	}
	if r.TotalTokens == 0 {
		r.TotalTokens = r.InputTokens + r.OutputTokens
	}
	if u.CacheReadTokens > 0 {
		r.InputTokensDetails = &InputTokensDetails{CachedTokens: u.CacheReadTokens}
	}
	if u.ReasoningTokens > 0 {
		r.OutputTokensDetails = &OutputTokensDetails{ReasoningTokens: u.ReasoningTokens}
	}
	return r
}
