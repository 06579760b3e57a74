package translate

import "github.com/ccproxy/ccproxy/internal/format"

// StopReasonToFinishReason maps an Anthropic stop_reason to the OpenAI
// finish_reason. Both end_turn and stop_sequence map to "stop"; the reverse
// direction picks end_turn, the first match.
func StopReasonToFinishReason(stopReason string) string {
	switch stopReason {
	case format.StopReasonEndTurn, format.StopReasonStopSequence:
		return format.FinishReasonStop
	case format.StopReasonMaxTokens:
		return format.FinishReasonLength
	case format.StopReasonToolUse:
		return format.FinishReasonToolCalls
	case format.StopReasonRefusal:
		return format.FinishReasonContentFilter
	default:
		return format.FinishReasonStop
	}
}

// FinishReasonToStopReason maps an OpenAI finish_reason to the Anthropic
// stop_reason.
func FinishReasonToStopReason(finishReason string) string {
	switch finishReason {
	case format.FinishReasonStop:
		return format.StopReasonEndTurn
	case format.FinishReasonLength:
		return format.StopReasonMaxTokens
	case format.FinishReasonToolCalls:
		return format.StopReasonToolUse
	case format.FinishReasonContentFilter:
		return format.StopReasonRefusal
	default:
		return format.StopReasonEndTurn
	}
}
