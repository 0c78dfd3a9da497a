package orchestrator

import (
	"context"

	"github.com/neilgilbert/codepunk/internal/chatmodel"
)

// SessionRepository and MessageRepository are the persistence
// collaborators the orchestrator consumes. Concrete implementations live
// in internal/storage.
type SessionRepository interface {
	Create(ctx context.Context, s chatmodel.Session) error
	Get(ctx context.Context, id string) (chatmodel.Session, error)
	Update(ctx context.Context, s chatmodel.Session) error
	GetRecent(ctx context.Context, n int) ([]chatmodel.Session, error)
}

type MessageRepository interface {
	ListBySession(ctx context.Context, sessionID string) ([]chatmodel.Message, error)
	Create(ctx context.Context, m chatmodel.Message) error
	DeleteBySession(ctx context.Context, sessionID string) error
}

// ProviderAdapter is the subset of internal/provider.Client the
// orchestrator depends on, expressed as an interface so tests can supply
// a fake.
type ProviderAdapter interface {
	Send(ctx context.Context, req chatmodel.LLMRequest) (*chatmodel.Response, error)
	Stream(ctx context.Context, req chatmodel.LLMRequest) (StreamIterator, error)
	SetSessionDefaults(model string)
}

// StreamIterator matches provider.StreamIterator's shape.
type StreamIterator interface {
	Next() (*chatmodel.LLMStreamChunk, error)
	Close() error
}

// ToolExecutor matches internal/tooling.Dispatcher's Execute signature.
type ToolExecutor interface {
	Execute(ctx context.Context, name, argsJSON string) ToolExecResult
}

// ToolExecResult mirrors internal/tooling.ToolResult without importing
// that package directly, keeping the dependency direction one-way
// (tooling doesn't need to know about the orchestrator).
type ToolExecResult struct {
	Content       string
	IsError       bool
	UserCancelled bool
}

// PromptCache is an optional fingerprint-keyed response cache.
type PromptCache interface {
	TryGet(ctx context.Context, fingerprint string) (*chatmodel.Response, bool)
	Store(ctx context.Context, fingerprint string, resp chatmodel.Response)
}

// Metrics is the optional observability collaborator. A nil Metrics on
// Orchestrator.Config disables all recording; no call site needs a
// second nil-check because the Orchestrator only calls through o.metrics
// after confirming it's non-nil.
type Metrics interface {
	RecordProviderRequest(provider, model, outcome string, durationSeconds float64, inputTokens, outputTokens, cacheReadTokens, cacheWriteTokens int64)
	RecordToolExecution(toolName, outcome string, durationSeconds float64)
	RecordGuardrailTriggered(kind string)
}
