package format

import "encoding/json"

// InputContent is one content part of a Responses API input item.
type InputContent struct {
	Type     string `json:"type"` // "input_text", "output_text", "input_image"
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// InputItem is one element of the Responses API input array. Items without an
// explicit type are message items.
type InputItem struct {
	Type    string         `json:"type,omitempty"` // "message", "function_call", "function_call_output", "reasoning"
	Role    string         `json:"role,omitempty"`
	Content []InputContent `json:"content,omitempty"`

	// function_call / function_call_output
	ID        string `json:"id,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Output    string `json:"output,omitempty"`

	// reasoning
	Summary []SummaryPart `json:"summary,omitempty"`
}

func (it *InputItem) UnmarshalJSON(data []byte) error {
	type alias InputItem
	aux := &struct {
		Content json.RawMessage `json:"content,omitempty"`
		*alias
	}{alias: (*alias)(it)}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	if len(aux.Content) == 0 || string(aux.Content) == "null" {
		return nil
	}
	// content may be a bare string or a parts array
	if aux.Content[0] == '"' {
		var text string
		if err := json.Unmarshal(aux.Content, &text); err != nil {
			return err
		}
		it.Content = []InputContent{{Type: "input_text", Text: text}}
		return nil
	}
	return json.Unmarshal(aux.Content, &it.Content)
}

// ResponsesInput accepts both the bare-string and the item-array input forms.
type ResponsesInput struct {
	Text    string
	Items   []InputItem
	IsItems bool
}

func (r *ResponsesInput) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if data[0] == '"' {
		r.IsItems = false
		return json.Unmarshal(data, &r.Text)
	}
	r.IsItems = true
	return json.Unmarshal(data, &r.Items)
}

func (r ResponsesInput) MarshalJSON() ([]byte, error) {
	if r.IsItems {
		return json.Marshal(r.Items)
	}
	return json.Marshal(r.Text)
}

// ReasoningParams configures reasoning behavior on a Responses request.
type ReasoningParams struct {
	Effort  string `json:"effort,omitempty"`  // "minimal", "low", "medium", "high"
	Summary string `json:"summary,omitempty"` // "auto", "concise", "detailed"
}

// TextFormat is the structured-output format selector.
type TextFormat struct {
	Type   string          `json:"type"` // "text", "json_object", "json_schema"
	Name   string          `json:"name,omitempty"`
	Schema json.RawMessage `json:"schema,omitempty"`
	Strict *bool           `json:"strict,omitempty"`
}

// TextParams wraps the text.format field.
type TextParams struct {
	Format *TextFormat `json:"format,omitempty"`
}

// ResponsesTool declares a tool in Responses shape (flattened function).
type ResponsesTool struct {
	Type        string          `json:"type"` // "function"
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Strict      *bool           `json:"strict,omitempty"`
}

// ResponsesRequest is the OpenAI Responses API request body.
type ResponsesRequest struct {
	Model           string           `json:"model"`
	Input           ResponsesInput   `json:"input"`
	Instructions    string           `json:"instructions,omitempty"`
	MaxOutputTokens *int             `json:"max_output_tokens,omitempty"`
	Temperature     *float64         `json:"temperature,omitempty"`
	TopP            *float64         `json:"top_p,omitempty"`
	Stream          bool             `json:"stream,omitempty"`
	Tools           []ResponsesTool  `json:"tools,omitempty"`
	ToolChoice      json.RawMessage  `json:"tool_choice,omitempty"`
	Reasoning       *ReasoningParams `json:"reasoning,omitempty"`
	Text            *TextParams      `json:"text,omitempty"`
	Store           *bool            `json:"store,omitempty"`
	Stop            StopSequences    `json:"stop,omitempty"`
}

// Validate checks the request against the Responses API schema rules.
func (r *ResponsesRequest) Validate() error {
	if r.Model == "" {
		return &ValidationError{Field: "model", Message: "model is required"}
	}
	if !r.Input.IsItems && r.Input.Text == "" {
		return &ValidationError{Field: "input", Message: "input is required"}
	}
	if r.Input.IsItems && len(r.Input.Items) == 0 {
		return &ValidationError{Field: "input", Message: "input must not be empty"}
	}
	return nil
}

// SummaryPart carries one reasoning summary fragment.
type SummaryPart struct {
	Type      string `json:"type"` // "summary_text"
	Text      string `json:"text"`
	Signature string `json:"signature,omitempty"`
}

// OutputContent is one content part of a Responses output message.
type OutputContent struct {
	Type        string          `json:"type"` // "output_text", "refusal"
	Text        string          `json:"text,omitempty"`
	Refusal     string          `json:"refusal,omitempty"`
	Annotations json.RawMessage `json:"annotations,omitempty"`
}

// OutputItem is one element of the Responses output array.
type OutputItem struct {
	Type   string `json:"type"` // "message", "reasoning", "function_call"
	ID     string `json:"id,omitempty"`
	Status string `json:"status,omitempty"`

	// message
	Role    string          `json:"role,omitempty"`
	Content []OutputContent `json:"content,omitempty"`

	// reasoning
	Summary []SummaryPart `json:"summary,omitempty"`

	// function_call
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// InputTokensDetails breaks Responses input tokens down.
type InputTokensDetails struct {
	CachedTokens int `json:"cached_tokens"`
}

// OutputTokensDetails breaks Responses output tokens down.
type OutputTokensDetails struct {
	ReasoningTokens int `json:"reasoning_tokens"`
}

// ResponsesUsage is the Responses API usage block.
type ResponsesUsage struct {
	InputTokens         int                  `json:"input_tokens"`
	OutputTokens        int                  `json:"output_tokens"`
	TotalTokens         int                  `json:"total_tokens"`
	InputTokensDetails  *InputTokensDetails  `json:"input_tokens_details,omitempty"`
	OutputTokensDetails *OutputTokensDetails `json:"output_tokens_details,omitempty"`
}

// Responses status values.
const (
	ResponseStatusInProgress = "in_progress"
	ResponseStatusCompleted  = "completed"
	ResponseStatusFailed     = "failed"
	ResponseStatusIncomplete = "incomplete"
)

// ResponsesResponse is the Responses API response body.
type ResponsesResponse struct {
	ID                 string          `json:"id"`
	Object             string          `json:"object"` // "response"
	CreatedAt          int64           `json:"created_at"`
	Status             string          `json:"status"`
	Model              string          `json:"model"`
	Instructions       string          `json:"instructions,omitempty"`
	Output             []OutputItem    `json:"output"`
	Usage              *ResponsesUsage `json:"usage,omitempty"`
	Error              *ErrorDetail    `json:"error,omitempty"`
	IncompleteDetails  json.RawMessage `json:"incomplete_details,omitempty"`
	ParallelToolCalls  *bool           `json:"parallel_tool_calls,omitempty"`
	PreviousResponseID string          `json:"previous_response_id,omitempty"`
}

// OutputText concatenates all output_text parts of message items.
func (r *ResponsesResponse) OutputText() string {
	out := ""
	for _, item := range r.Output {
		if item.Type != "message" {
			continue
		}
		for _, c := range item.Content {
			if c.Type == "output_text" {
				out += c.Text
			}
		}
	}
	return out
}

// Responses stream event types.
const (
	RespEventCreated              = "response.created"
	RespEventInProgress           = "response.in_progress"
	RespEventOutputItemAdded      = "response.output_item.added"
	RespEventOutputItemDone       = "response.output_item.done"
	RespEventContentPartAdded     = "response.content_part.added"
	RespEventContentPartDone      = "response.content_part.done"
	RespEventOutputTextDelta      = "response.output_text.delta"
	RespEventOutputTextDone       = "response.output_text.done"
	RespEventReasoningDelta       = "response.reasoning_summary_text.delta"
	RespEventReasoningDone        = "response.reasoning_summary_text.done"
	RespEventFunctionCallArgDelta = "response.function_call_arguments.delta"
	RespEventFunctionCallArgDone  = "response.function_call_arguments.done"
	RespEventCompleted            = "response.completed"
	RespEventFailed               = "response.failed"
	RespEventIncomplete           = "response.incomplete"
	RespEventErrorEvent           = "error"
)

// ResponsesStreamEvent is one SSE event of a Responses API stream.
type ResponsesStreamEvent struct {
	Type           string             `json:"type"`
	SequenceNumber int                `json:"sequence_number,omitempty"`
	Response       *ResponsesResponse `json:"response,omitempty"`
	ItemID         string             `json:"item_id,omitempty"`
	OutputIndex    *int               `json:"output_index,omitempty"`
	ContentIndex   *int               `json:"content_index,omitempty"`
	SummaryIndex   *int               `json:"summary_index,omitempty"`
	Delta          string             `json:"delta,omitempty"`
	Text           string             `json:"text,omitempty"`
	Arguments      string             `json:"arguments,omitempty"`
	Item           *OutputItem        `json:"item,omitempty"`
	Part           *OutputContent     `json:"part,omitempty"`
	Error          *ErrorDetail       `json:"error,omitempty"`
}
