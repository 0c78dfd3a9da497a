package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/neilgilbert/codepunk/internal/chatmodel"
)

// Compact summarizes a session's conversation history into a single
// synthetic message pair, reducing the context sent on subsequent turns.
// Builds a prompt from the existing transcript, sends it to the provider
// with no tools attached, then replaces the whole stored history with a
// user message carrying the summary and an assistant acknowledgment, so a
// long-running session can stay within provider context limits.
func (o *Orchestrator) Compact(ctx context.Context, sessionID, instructions string) (string, error) {
	history, err := o.messages.ListBySession(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("load conversation: %w", err)
	}
	if len(history) <= 2 {
		return "", fmt.Errorf("not enough conversation history to compact")
	}

	var transcript strings.Builder
	for _, m := range history {
		switch m.Role {
		case chatmodel.RoleUser:
			transcript.WriteString("User: " + m.Text() + "\n\n")
		case chatmodel.RoleAssistant:
			if t := m.Text(); t != "" {
				transcript.WriteString("Assistant: " + t + "\n\n")
			}
		}
	}

	req := chatmodel.LLMRequest{
		ModelID: o.opts.DefaultModel,
		Messages: []chatmodel.Message{
			{Role: chatmodel.RoleUser, Parts: []chatmodel.MessagePart{
				chatmodel.TextPart(instructions + "\n\n---\n\n" + transcript.String()),
			}},
		},
		MaxTokens: 4096,
	}

	text, _, _, _, err := o.streamOneTurn(ctx, req, nil)
	if err != nil {
		return "", fmt.Errorf("generate compaction summary: %w", err)
	}

	if err := o.messages.DeleteBySession(ctx, sessionID); err != nil {
		return "", fmt.Errorf("clear conversation history: %w", err)
	}

	summaryMsgs := []chatmodel.Message{
		{
			ID: uuid.NewString(), SessionID: sessionID, Role: chatmodel.RoleUser,
			Parts: []chatmodel.MessagePart{chatmodel.TextPart("Previous conversation summary:\n\n" + text)}, CreatedAt: time.Now(),
		},
		{
			ID: uuid.NewString(), SessionID: sessionID, Role: chatmodel.RoleAssistant,
			Parts: []chatmodel.MessagePart{chatmodel.TextPart("I understand. I have the context from the previous conversation and am ready to continue.")}, CreatedAt: time.Now(),
		},
	}
	for _, m := range summaryMsgs {
		if err := o.messages.Create(ctx, m); err != nil {
			return "", fmt.Errorf("persist compacted history: %w", err)
		}
	}

	return text, nil
}
