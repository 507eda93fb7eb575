package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for LLM observability spans and metrics.
var (
	AttrLLMModel  = attribute.Key("llm.model")
	AttrLLMMethod = attribute.Key("llm.method")

	AttrTokensInput  = attribute.Key("llm.tokens.input")
	AttrTokensOutput = attribute.Key("llm.tokens.output")

	AttrToolCount    = attribute.Key("llm.tool_count")
	AttrStreamChunks = attribute.Key("llm.stream_chunks")

	AttrAgentName = attribute.Key("agent.name")
	AttrRunID     = attribute.Key("run.id")
)
