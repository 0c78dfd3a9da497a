// Package tooling implements the tool registry and dispatcher: looking up
// a tool by name, running it under a deadline, and turning whatever
// happens into a structured ToolResult rather than a propagated error.
package tooling

import "context"

// Tool is the collaborator interface individual tool implementations
// satisfy. Tool implementations themselves (file read/write, shell, etc.)
// are external collaborators; this package only knows how to look one up
// and run it.
type Tool interface {
	Name() string
	Description() string
	ParametersSchema() map[string]any
	Execute(ctx context.Context, argsJSON string) ToolResult
}

// ToolResult is the structured outcome of a tool execution. It never
// crosses the loop boundary as an error/exception.
type ToolResult struct {
	Content        string
	IsError        bool
	UserCancelled  bool
}
