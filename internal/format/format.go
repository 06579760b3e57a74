package format

// Format identifies one of the supported wire formats.
type Format string

const (
	FormatAnthropic       Format = "anthropic"
	FormatOpenAIChat      Format = "openai-chat"
	FormatOpenAIResponses Format = "openai-responses"
)

// Valid reports whether f is one of the known formats.
func (f Format) Valid() bool {
	switch f {
	case FormatAnthropic, FormatOpenAIChat, FormatOpenAIResponses:
		return true
	}
	return false
}

func (f Format) String() string { return string(f) }
