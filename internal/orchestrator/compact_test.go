package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neilgilbert/codepunk/internal/chatmodel"
)

func TestCompactReplacesHistoryWithSummary(t *testing.T) {
	p := &fakeProvider{turns: [][]chatmodel.LLMStreamChunk{
		{textChunk("summary of everything"), terminalChunk(3, 2)},
	}}
	tools := &fakeTools{}
	o, msgs, _ := newTestOrchestrator(p, tools, DefaultOptions())
	ctx := context.Background()

	require.NoError(t, msgs.Create(ctx, chatmodel.Message{SessionID: "s1", Role: chatmodel.RoleUser, Parts: []chatmodel.MessagePart{chatmodel.TextPart("first")}}))
	require.NoError(t, msgs.Create(ctx, chatmodel.Message{SessionID: "s1", Role: chatmodel.RoleAssistant, Parts: []chatmodel.MessagePart{chatmodel.TextPart("reply")}}))
	require.NoError(t, msgs.Create(ctx, chatmodel.Message{SessionID: "s1", Role: chatmodel.RoleUser, Parts: []chatmodel.MessagePart{chatmodel.TextPart("second")}}))

	summary, err := o.Compact(ctx, "s1", "Summarize this conversation.")
	require.NoError(t, err)
	assert.Equal(t, "summary of everything", summary)

	history, err := msgs.ListBySession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Contains(t, history[0].Text(), "summary of everything")
	assert.Equal(t, chatmodel.RoleAssistant, history[1].Role)
}

func TestCompactRejectsShortHistory(t *testing.T) {
	p := &fakeProvider{}
	tools := &fakeTools{}
	o, msgs, _ := newTestOrchestrator(p, tools, DefaultOptions())
	ctx := context.Background()

	require.NoError(t, msgs.Create(ctx, chatmodel.Message{SessionID: "s1", Role: chatmodel.RoleUser, Parts: []chatmodel.MessagePart{chatmodel.TextPart("hi")}}))

	_, err := o.Compact(ctx, "s1", "Summarize.")
	assert.Error(t, err)
}
