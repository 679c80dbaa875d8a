package model

import "errors"

// Sentinel errors shared across ingestion, retrieval and the agent
var (
	// ErrChunking is returned for empty or non-text document input
	ErrChunking = errors.New("chunking failed")

	// ErrEmbeddingService is returned when the embedding backend fails
	ErrEmbeddingService = errors.New("embedding service error")

	// ErrInputTooLarge is returned instead of truncating an oversized embedding input
	ErrInputTooLarge = errors.New("input too large for embedding")

	// ErrIndex is returned when the vector index backend fails
	ErrIndex = errors.New("index error")

	ErrToolValidation = errors.New("tool argument validation failed")
	ErrToolInvocation = errors.New("tool invocation failed")
	ErrUnknownTool    = errors.New("unknown tool")

	ErrRetrievalTimeout   = errors.New("retrieval timed out")
	ErrOrchestrationLimit = errors.New("orchestration limit exceeded")

	ErrDocumentNotFound     = errors.New("document not found")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrInvalidArgument      = errors.New("invalid argument")

	// ErrUnpairedToolResult is returned when a tool result has no preceding call with the same call ID
	ErrUnpairedToolResult = errors.New("tool result without matching tool call")
)

// Context keys for error values
const (
	DocumentIDKey     = "document_id"
	ChunkIDKey        = "chunk_id"
	ConversationIDKey = "conversation_id"
	CallIDKey         = "call_id"
	ToolNameKey       = "tool_name"
	StageKey          = "stage"
	SourceNameKey     = "source_name"
)
