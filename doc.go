// Package slackseek is a semantic-search service over a Slack workspace's
// message history. A scheduled ingestion worker pulls messages (threads,
// reactions, and channel canvases included), embeds them via an OpenAI-style
// embedding API, and upserts the vectors into a vector index. An MCP-compatible
// JSON-RPC server exposes search, channel listing, and index statistics to
// authenticated clients.
//
// The root package holds the shared domain types (Message, Channel, User,
// Metadata), the error taxonomy, the endpoint-scoped rate governor, the retry
// helper, the text chunker, and the provider/store interfaces. Subpackages
// supply the implementations:
//
//	slack            typed Slack Web API client with TTL caches
//	provider/openai  embedding and chat-completion clients
//	store/pinecone   remote serverless vector index
//	store/local      file-backed brute-force fallback index
//	search           query enhancement and search assembly
//	ingest           scheduled ingestion pipeline and checkpointing
//	mcp              JSON-RPC 2.0 request server and tool registry
//	observer         OTEL instrumentation decorators
package slackseek

// Version is reported by the MCP server's initialize handshake.
const Version = "0.3.0"
