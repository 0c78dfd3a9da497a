package provider

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sseBody(lines ...string) string {
	return strings.Join(lines, "\n") + "\n"
}

func TestEventStreamTextOnly(t *testing.T) {
	body := sseBody(
		`data: {"type":"message_start","message":{"usage":{"input_tokens":10}}}`,
		``,
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
		``,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi!"}}`,
		``,
		`data: {"type":"content_block_stop","index":0}`,
		``,
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":3}}`,
		``,
		`data: {"type":"message_stop"}`,
	)
	es := newEventStream(strings.NewReader(body), discardLogger())

	chunk, err := es.Next()
	require.NoError(t, err)
	assert.Equal(t, "Hi!", chunk.ContentDelta)

	chunk, err = es.Next()
	require.NoError(t, err)
	assert.True(t, chunk.IsComplete)
	assert.EqualValues(t, 10, chunk.Usage.InputTokens)
	assert.EqualValues(t, 3, chunk.Usage.OutputTokens)
	assert.Equal(t, "stop", string(chunk.FinishReason))

	_, err = es.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestEventStreamPartialJSONToolCallAssembly(t *testing.T) {
	body := sseBody(
		`data: {"type":"message_start","message":{"usage":{"input_tokens":5}}}`,
		``,
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"call_1","name":"read_file"}}`,
		``,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"path\""}}`,
		``,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":":\"foo.txt\"}"}}`,
		``,
		`data: {"type":"content_block_stop","index":0}`,
		``,
		`data: {"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":8}}`,
		``,
		`data: {"type":"message_stop"}`,
	)
	es := newEventStream(strings.NewReader(body), discardLogger())

	chunk, err := es.Next()
	require.NoError(t, err)
	require.NotNil(t, chunk.ToolCall)
	assert.Equal(t, "call_1", chunk.ToolCall.ToolCallID)
	assert.Equal(t, "read_file", chunk.ToolCall.ToolName)
	assert.JSONEq(t, `{"path":"foo.txt"}`, chunk.ToolCall.ToolArgsJSON)

	chunk, err = es.Next()
	require.NoError(t, err)
	assert.Equal(t, "toolCall", string(chunk.FinishReason))
}

func TestEventStreamIgnoresPingAndEventLines(t *testing.T) {
	body := sseBody(
		`event: ping`,
		`data: {"type":"ping"}`,
		``,
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
		``,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"ok"}}`,
		``,
		`data: [DONE]`,
	)
	es := newEventStream(strings.NewReader(body), discardLogger())

	chunk, err := es.Next()
	require.NoError(t, err)
	assert.Equal(t, "ok", chunk.ContentDelta)

	_, err = es.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestEventStreamMalformedToolJSONFallsBackToEmptyArgs(t *testing.T) {
	body := sseBody(
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"call_2","name":"broken"}}`,
		``,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{not json"}}`,
		``,
		`data: {"type":"content_block_stop","index":0}`,
	)
	es := newEventStream(strings.NewReader(body), discardLogger())

	chunk, err := es.Next()
	require.NoError(t, err)
	require.NotNil(t, chunk.ToolCall)
	assert.JSONEq(t, `{}`, chunk.ToolCall.ToolArgsJSON)
}

func TestStopReasonMapping(t *testing.T) {
	assert.Equal(t, "stop", string(mapStopReason("end_turn")))
	assert.Equal(t, "stop", string(mapStopReason("stop_sequence")))
	assert.Equal(t, "maxTokens", string(mapStopReason("max_tokens")))
	assert.Equal(t, "toolCall", string(mapStopReason("tool_use")))
	assert.Equal(t, "stop", string(mapStopReason("something_else")))
}
