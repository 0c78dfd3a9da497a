package chatmodel

// ToolDef describes a tool as advertised to the provider: name, a
// human-readable description, and a JSON-schema document for its
// parameters.
type ToolDef struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ResponseFormatType selects structured-output mode for an LLMRequest.
type ResponseFormatType string

const (
	ResponseFormatNone       ResponseFormatType = ""
	ResponseFormatJSONSchema ResponseFormatType = "json_schema"
	ResponseFormatJSONObject ResponseFormatType = "json_object"
)

// ResponseFormat requests structured output from the provider.
type ResponseFormat struct {
	Type       ResponseFormatType
	SchemaName string
	JSONSchema map[string]any
}

// LLMRequest is the normalized request sent to the provider adapter.
type LLMRequest struct {
	ModelID              string
	Messages             []Message
	SystemPrompt         string
	Tools                []ToolDef
	MaxTokens            int
	Temperature          float64
	ResponseFormat       *ResponseFormat
	UseEphemeralCache    bool
	SystemPromptCacheID  string
}

// FinishReason normalizes the many provider-specific stop reasons.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishMaxTokens     FinishReason = "maxTokens"
	FinishToolCall      FinishReason = "toolCall"
	FinishContentFilter FinishReason = "contentFilter"
	FinishError         FinishReason = "error"
)

// PromptCacheInfo reports whether/how much of the request was served from
// the provider's own prompt cache.
type PromptCacheInfo struct {
	CacheReadTokens  int64
	CacheWriteTokens int64
}

// ChunkUsage carries token/cost accounting for a stream chunk.
type ChunkUsage struct {
	InputTokens    int64
	OutputTokens   int64
	EstimatedCost  float64
}

// LLMStreamChunk is one item in the lazy sequence returned by the
// provider adapter's Stream entry point. Only a subset of fields is set
// per chunk; consumers must check which ones are non-zero/non-nil.
type LLMStreamChunk struct {
	ContentDelta    string
	ToolCall        *MessagePart // always Kind == PartToolCall, fully assembled
	Usage           *ChunkUsage
	FinishReason    FinishReason
	IsComplete      bool
	PromptCacheInfo *PromptCacheInfo
	EventType       string
}

// Response is the fully assembled, non-streaming counterpart to a
// completed Stream: the orchestrator and the prompt cache both deal in
// this shape.
type Response struct {
	Text         string
	ToolCalls    []MessagePart
	Usage        ChunkUsage
	FinishReason FinishReason
}
