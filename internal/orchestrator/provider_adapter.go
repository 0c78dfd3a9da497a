package orchestrator

import (
	"context"

	"github.com/neilgilbert/codepunk/internal/chatmodel"
	"github.com/neilgilbert/codepunk/internal/provider"
)

// providerClientAdapter narrows *provider.Client to the ProviderAdapter
// interface so tests can substitute a fake without the orchestrator
// depending on provider's concrete types.
type providerClientAdapter struct {
	client *provider.Client
}

func NewProviderAdapter(c *provider.Client) ProviderAdapter {
	return &providerClientAdapter{client: c}
}

func (a *providerClientAdapter) Send(ctx context.Context, req chatmodel.LLMRequest) (*chatmodel.Response, error) {
	return a.client.Send(ctx, req)
}

func (a *providerClientAdapter) Stream(ctx context.Context, req chatmodel.LLMRequest) (StreamIterator, error) {
	it, err := a.client.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return it, nil
}

func (a *providerClientAdapter) SetSessionDefaults(model string) {
	a.client.SetSessionDefaults(model)
}

// toolDispatcherAdapter narrows *tooling.Dispatcher to ToolExecutor.
type toolDispatcherAdapter struct {
	execute func(ctx context.Context, name, argsJSON string) ToolExecResult
}

func NewToolExecutorFunc(fn func(ctx context.Context, name, argsJSON string) ToolExecResult) ToolExecutor {
	return &toolDispatcherAdapter{execute: fn}
}

func (t *toolDispatcherAdapter) Execute(ctx context.Context, name, argsJSON string) ToolExecResult {
	return t.execute(ctx, name, argsJSON)
}
