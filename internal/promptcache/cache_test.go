package promptcache

import (
	"testing"

	"github.com/neilgilbert/codepunk/internal/chatmodel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheMissThenHit(t *testing.T) {
	c := New()
	req := chatmodel.LLMRequest{ModelID: "claude", MaxTokens: 100}
	fp := Fingerprint("anthropic", req)

	_, ok := c.TryGet(t.Context(), fp)
	assert.False(t, ok)

	c.Store(t.Context(), fp, chatmodel.Response{Text: "hi", FinishReason: chatmodel.FinishStop})

	got, ok := c.TryGet(t.Context(), fp)
	require.True(t, ok)
	assert.Equal(t, "hi", got.Text)
}

func TestFingerprintStableAcrossEqualRequests(t *testing.T) {
	req := chatmodel.LLMRequest{ModelID: "claude", Temperature: 0.5}
	assert.Equal(t, Fingerprint("anthropic", req), Fingerprint("anthropic", req))
}

func TestReplayEquivalentToNonStreamingResponse(t *testing.T) {
	resp := chatmodel.Response{
		Text:         "done",
		ToolCalls:    []chatmodel.MessagePart{chatmodel.ToolCallPart("c1", "read_file", `{"path":"a"}`)},
		Usage:        chatmodel.ChunkUsage{InputTokens: 1, OutputTokens: 2},
		FinishReason: chatmodel.FinishStop,
	}
	chunks := Replay(resp)
	require.Len(t, chunks, 2)
	assert.Equal(t, "c1", chunks[0].ToolCall.ToolCallID)

	var collected chatmodel.Response
	for _, c := range chunks {
		collected.Text += c.ContentDelta
		if c.ToolCall != nil {
			collected.ToolCalls = append(collected.ToolCalls, *c.ToolCall)
		}
		if c.IsComplete {
			collected.Usage = *c.Usage
			collected.FinishReason = c.FinishReason
		}
	}
	assert.Equal(t, resp, collected)
}
