package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for pipeline observability spans and metrics.
var (
	AttrLLMModel    = attribute.Key("llm.model")
	AttrLLMProvider = attribute.Key("llm.provider")

	AttrTokensInput  = attribute.Key("llm.tokens.input")
	AttrTokensOutput = attribute.Key("llm.tokens.output")
	AttrCostUSD      = attribute.Key("llm.cost_usd")

	AttrEmbedTextCount  = attribute.Key("llm.embed.text_count")
	AttrEmbedDimensions = attribute.Key("llm.embed.dimensions")

	AttrSearchTopK    = attribute.Key("search.top_k")
	AttrSearchResults = attribute.Key("search.results")
	AttrSearchIntent  = attribute.Key("search.intent")

	AttrIngestRunID    = attribute.Key("ingest.run_id")
	AttrIngestChannels = attribute.Key("ingest.channels_ok")
	AttrIngestFailed   = attribute.Key("ingest.channels_failed")

	AttrToolName   = attribute.Key("tool.name")
	AttrToolStatus = attribute.Key("tool.status")
)
