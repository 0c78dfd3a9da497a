package tooling

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const DefaultToolExecutionTimeout = 2 * time.Minute

// Dispatcher wraps a Registry with deadline enforcement and uniform error
// shaping. It is the only thing the orchestrator's tool-calling loop and
// its interceptors call to run a tool.
type Dispatcher struct {
	registry *Registry
	timeout  time.Duration
	log      *slog.Logger
}

func NewDispatcher(registry *Registry, timeout time.Duration, log *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultToolExecutionTimeout
	}
	return &Dispatcher{registry: registry, timeout: timeout, log: log}
}

// Execute looks up name and runs it. The returned ToolResult is always
// well-formed; Execute itself never returns an error for tool-domain
// failures, which never cross the loop boundary as exceptions.
func (d *Dispatcher) Execute(ctx context.Context, name, argsJSON string) ToolResult {
	tool, ok := d.registry.Lookup(name)
	if !ok {
		return ToolResult{IsError: true, Content: fmt.Sprintf("Tool '%s' not found", name)}
	}

	if err := ValidateArguments(tool.ParametersSchema(), argsJSON); err != nil {
		return ToolResult{IsError: true, Content: err.Error()}
	}

	inner, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	resultCh := make(chan ToolResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- ToolResult{IsError: true, Content: fmt.Sprintf("Error executing tool: %v", r)}
			}
		}()
		resultCh <- tool.Execute(inner, argsJSON)
	}()

	select {
	case res := <-resultCh:
		return res
	case <-inner.Done():
		if ctx.Err() != nil {
			// Outer cancellation tripped, not the inner per-tool deadline.
			// The caller owns ctx and observes ctx.Err() itself on the next
			// suspension point; this ToolResult is informational only.
			return ToolResult{IsError: true, Content: "tool execution cancelled"}
		}
		d.log.Debug("tool execution timed out", "tool", name, "timeout", d.timeout)
		return ToolResult{IsError: true, Content: fmt.Sprintf("Tool execution timed out after %s", d.timeout)}
	}
}
