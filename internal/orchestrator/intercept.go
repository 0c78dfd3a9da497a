package orchestrator

import (
	"context"
	"log/slog"
)

// GitSession is the subset of gitsession.Manager the interceptor needs,
// expressed as an interface to avoid a hard package dependency in the
// orchestrator -> gitsession direction (gitsession doesn't need to know
// about tool execution).
type GitSession interface {
	CommitToolCall(ctx context.Context, toolName, summary string) error
	Active() bool
}

// writeTools names the tools whose successful execution should be
// recorded as a git commit.
var writeTools = map[string]bool{
	"write_file":      true,
	"replace_in_file": true,
	"run_shell":       true,
}

// Interceptor wraps a ToolExecutor so that successful write-tool results
// get committed into the active git shadow session.
type Interceptor struct {
	inner ToolExecutor
	git   GitSession
	log   *slog.Logger

	onFailure func()
}

func NewInterceptor(inner ToolExecutor, git GitSession, log *slog.Logger, onFailure func()) *Interceptor {
	return &Interceptor{inner: inner, git: git, log: log, onFailure: onFailure}
}

func (i *Interceptor) Execute(ctx context.Context, name, argsJSON string) (result ToolExecResult) {
	defer func() {
		if r := recover(); r != nil {
			i.log.Error("tool execution panicked", "tool", name, "panic", r)
			if i.onFailure != nil {
				i.onFailure()
			}
			panic(r)
		}
	}()

	result = i.inner.Execute(ctx, name, argsJSON)

	if i.git != nil && i.git.Active() && writeTools[name] && !result.IsError {
		if err := i.git.CommitToolCall(ctx, name, summarize(argsJSON)); err != nil {
			i.log.Warn("failed to commit tool call to git session", "tool", name, "error", err)
		}
	}
	return result
}

func summarize(argsJSON string) string {
	const max = 80
	if len(argsJSON) <= max {
		return argsJSON
	}
	return argsJSON[:max] + "…"
}
