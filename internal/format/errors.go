package format

import "fmt"

// ErrorDetail is the inner error object shared by both error envelopes.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}

// ErrorResponse is the OpenAI-style error envelope.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// AnthropicErrorResponse is the Anthropic-style error envelope.
type AnthropicErrorResponse struct {
	Type  string      `json:"type"` // "error"
	Error ErrorDetail `json:"error"`
}

// ValidationError marks a request that failed schema validation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NewErrorEnvelope renders an error in the envelope the given format expects.
func NewErrorEnvelope(f Format, errType, message, code string) any {
	detail := ErrorDetail{Message: message, Type: errType, Code: code}
	if f == FormatAnthropic {
		return AnthropicErrorResponse{Type: "error", Error: detail}
	}
	return ErrorResponse{Error: detail}
}
