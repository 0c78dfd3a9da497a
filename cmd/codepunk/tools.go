package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/neilgilbert/codepunk/internal/editing"
	"github.com/neilgilbert/codepunk/internal/tooling"
)

// autoApprover approves every file edit without prompting. The console
// shell doesn't yet have a synchronous approval UI wired into the tool
// loop, so writes go straight through; CommitToolCall on the git shadow
// session is the safety net a user reviews before accepting.
type autoApprover struct{}

func (autoApprover) Decide(req editing.FileEditRequest, diff string, stats editing.Stats) editing.ApprovalDecision {
	return editing.ApprovalDecision{Approved: true}
}

// writeFileTool adapts editing.Service.WriteFile to the tooling.Tool
// interface so it can be registered with the dispatcher.
type writeFileTool struct {
	svc *editing.Service
}

func newWriteFileTool(svc *editing.Service) *writeFileTool {
	return &writeFileTool{svc: svc}
}

func (t *writeFileTool) Name() string { return "write_file" }

func (t *writeFileTool) Description() string {
	return "Writes content to a file at the given path, creating it if needed. Returns a diff summary."
}

func (t *writeFileTool) ParametersSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"path", "content"},
		"properties": map[string]any{
			"path":    map[string]any{"type": "string", "description": "file path, relative to the working directory"},
			"content": map[string]any{"type": "string", "description": "full file content to write"},
		},
	}
}

type writeFileArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (t *writeFileTool) Execute(ctx context.Context, argsJSON string) tooling.ToolResult {
	var args writeFileArgs
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return tooling.ToolResult{IsError: true, Content: fmt.Sprintf("parse arguments: %v", err)}
	}

	stats, savings, err := t.svc.WriteFile(args.Path, args.Content, true)
	if err != nil {
		if fe, ok := err.(*editing.FileEditError); ok && fe.Code == editing.ErrUserCancelled {
			return tooling.ToolResult{UserCancelled: true, Content: "write cancelled"}
		}
		return tooling.ToolResult{IsError: true, Content: err.Error()}
	}
	return tooling.ToolResult{Content: fmt.Sprintf(
		"wrote %s (+%d/-%d lines, ~%d tokens saved)",
		args.Path, stats.LinesAdded, stats.LinesRemoved, savings,
	)}
}
