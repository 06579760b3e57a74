package obs

import "go.opentelemetry.io/otel/attribute"

// Metric attributes following the OpenLLMetry conventions.
var (
	// AttrProvider identifies the upstream provider (e.g., "anthropic", "openai")
	AttrProvider = attribute.Key("llm.provider")

	// AttrModel identifies the model the provider actually served
	AttrModel = attribute.Key("llm.model")

	// AttrSourceFormat identifies the client wire format
	AttrSourceFormat = attribute.Key("llm.source_format")

	// AttrTargetFormat identifies the provider wire format
	AttrTargetFormat = attribute.Key("llm.target_format")

	// AttrTokenType distinguishes input from output tokens
	AttrTokenType = attribute.Key("llm.token_type")

	// AttrStreaming indicates whether the request was streamed
	AttrStreaming = attribute.Key("llm.streaming")

	// AttrStatus is the terminal request status (success, error)
	AttrStatus = attribute.Key("llm.response.status")

	// AttrErrorReason carries the failure reason when status is error
	AttrErrorReason = attribute.Key("llm.error.reason")
)
