package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neilgilbert/codepunk/internal/chatmodel"
	"github.com/neilgilbert/codepunk/internal/provider"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeMessages is an in-memory MessageRepository.
type fakeMessages struct {
	mu   sync.Mutex
	byID map[string][]chatmodel.Message
}

func newFakeMessages() *fakeMessages {
	return &fakeMessages{byID: make(map[string][]chatmodel.Message)}
}

func (f *fakeMessages) ListBySession(ctx context.Context, sessionID string) ([]chatmodel.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chatmodel.Message(nil), f.byID[sessionID]...), nil
}

func (f *fakeMessages) Create(ctx context.Context, m chatmodel.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[m.SessionID] = append(f.byID[m.SessionID], m)
	return nil
}

func (f *fakeMessages) DeleteBySession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byID, sessionID)
	return nil
}

// fakeSessions is an in-memory SessionRepository.
type fakeSessions struct {
	mu   sync.Mutex
	byID map[string]chatmodel.Session
}

func newFakeSessions(id string) *fakeSessions {
	return &fakeSessions{byID: map[string]chatmodel.Session{id: {ID: id}}}
}

func (f *fakeSessions) Create(ctx context.Context, s chatmodel.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[s.ID] = s
	return nil
}

func (f *fakeSessions) Get(ctx context.Context, id string) (chatmodel.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byID[id]
	if !ok {
		return chatmodel.Session{}, fmt.Errorf("session %s not found", id)
	}
	return s, nil
}

func (f *fakeSessions) Update(ctx context.Context, s chatmodel.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[s.ID] = s
	return nil
}

func (f *fakeSessions) GetRecent(ctx context.Context, n int) ([]chatmodel.Session, error) {
	return nil, nil
}

// fakeStreamIterator replays a fixed chunk sequence.
type fakeStreamIterator struct {
	chunks []chatmodel.LLMStreamChunk
	pos    int
}

func (it *fakeStreamIterator) Next() (*chatmodel.LLMStreamChunk, error) {
	if it.pos >= len(it.chunks) {
		return nil, provider.ErrStreamDone
	}
	c := it.chunks[it.pos]
	it.pos++
	return &c, nil
}

func (it *fakeStreamIterator) Close() error { return nil }

// fakeProvider serves a scripted sequence of turns; each call to Stream
// pops the next scripted turn's chunks.
type fakeProvider struct {
	mu     sync.Mutex
	turns  [][]chatmodel.LLMStreamChunk
	calls  int
}

func (p *fakeProvider) Send(ctx context.Context, req chatmodel.LLMRequest) (*chatmodel.Response, error) {
	return nil, fmt.Errorf("not implemented")
}

func (p *fakeProvider) Stream(ctx context.Context, req chatmodel.LLMRequest) (StreamIterator, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls >= len(p.turns) {
		return nil, fmt.Errorf("fakeProvider: no more scripted turns")
	}
	turn := p.turns[p.calls]
	p.calls++
	return &fakeStreamIterator{chunks: turn}, nil
}

func (p *fakeProvider) SetSessionDefaults(model string) {}

// fakeTools dispatches by name from a map of canned results.
type fakeTools struct {
	mu      sync.Mutex
	results map[string]ToolExecResult
	calls   []string
}

func (f *fakeTools) Execute(ctx context.Context, name, argsJSON string) ToolExecResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	if r, ok := f.results[name]; ok {
		return r
	}
	return ToolExecResult{IsError: true, Content: "no canned result for " + name}
}

// fakeMetrics records every call so tests can assert on outcome tags
// without pulling in a real Prometheus registry.
type fakeMetrics struct {
	mu                sync.Mutex
	providerOutcomes  []string
	toolOutcomes      []string
	guardrailsTripped []string
}

func (f *fakeMetrics) RecordProviderRequest(provider, model, outcome string, durationSeconds float64, inputTokens, outputTokens, cacheReadTokens, cacheWriteTokens int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.providerOutcomes = append(f.providerOutcomes, outcome)
}

func (f *fakeMetrics) RecordToolExecution(toolName, outcome string, durationSeconds float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toolOutcomes = append(f.toolOutcomes, outcome)
}

func (f *fakeMetrics) RecordGuardrailTriggered(kind string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.guardrailsTripped = append(f.guardrailsTripped, kind)
}

func textChunk(s string) chatmodel.LLMStreamChunk {
	return chatmodel.LLMStreamChunk{ContentDelta: s}
}

func terminalChunk(in, out int64) chatmodel.LLMStreamChunk {
	return chatmodel.LLMStreamChunk{
		IsComplete:   true,
		FinishReason: chatmodel.FinishStop,
		Usage:        &chatmodel.ChunkUsage{InputTokens: in, OutputTokens: out},
	}
}

func toolCallChunk(id, name, argsJSON string) chatmodel.LLMStreamChunk {
	tc := chatmodel.ToolCallPart(id, name, argsJSON)
	return chatmodel.LLMStreamChunk{ToolCall: &tc}
}

func newTestOrchestrator(provider *fakeProvider, tools *fakeTools, opts Options) (*Orchestrator, *fakeMessages, *fakeSessions) {
	o, msgs, sess, _ := newTestOrchestratorWithMetrics(provider, tools, opts, nil)
	return o, msgs, sess
}

func newTestOrchestratorWithMetrics(provider *fakeProvider, tools *fakeTools, opts Options, metrics Metrics) (*Orchestrator, *fakeMessages, *fakeSessions, Metrics) {
	msgs := newFakeMessages()
	sess := newFakeSessions("s1")
	o := New(Config{
		Options:  opts,
		Sessions: sess,
		Messages: msgs,
		Provider: provider,
		Tools:    tools,
		Metrics:  metrics,
		Log:      testLogger(),
	})
	return o, msgs, sess, metrics
}

func TestSendMessageNoToolCallsIsTerminal(t *testing.T) {
	p := &fakeProvider{turns: [][]chatmodel.LLMStreamChunk{
		{textChunk("hello "), textChunk("world"), terminalChunk(10, 5)},
	}}
	tools := &fakeTools{results: map[string]ToolExecResult{}}
	o, msgs, sess := newTestOrchestrator(p, tools, DefaultOptions())

	final, err := o.SendMessage(context.Background(), "s1", "hi")
	require.NoError(t, err)
	assert.Equal(t, "hello world", final.Text())
	assert.Equal(t, chatmodel.RoleAssistant, final.Role)

	history, _ := msgs.ListBySession(context.Background(), "s1")
	require.Len(t, history, 2) // user + assistant
	assert.Equal(t, chatmodel.RoleUser, history[0].Role)

	pt, ct, _ := o.AccumulatedUsage()
	assert.EqualValues(t, 10, pt)
	assert.EqualValues(t, 5, ct)

	s, _ := sess.Get(context.Background(), "s1")
	assert.EqualValues(t, 10, s.Usage.PromptTokens)
}

func TestSendMessageOneToolCallThenTerminal(t *testing.T) {
	p := &fakeProvider{turns: [][]chatmodel.LLMStreamChunk{
		{toolCallChunk("call1", "read_file", `{"path":"a.go"}`), terminalChunk(5, 3)},
		{textChunk("done"), terminalChunk(6, 2)},
	}}
	tools := &fakeTools{results: map[string]ToolExecResult{
		"read_file": {Content: "package main"},
	}}
	o, msgs, _ := newTestOrchestrator(p, tools, DefaultOptions())

	final, err := o.SendMessage(context.Background(), "s1", "read a.go")
	require.NoError(t, err)
	assert.Equal(t, "done", final.Text())
	assert.Equal(t, []string{"read_file"}, tools.calls)

	history, _ := msgs.ListBySession(context.Background(), "s1")
	// user, assistant(tool_call), tool(result), assistant(final)
	require.Len(t, history, 4)
	assert.Equal(t, chatmodel.RoleTool, history[2].Role)
}

func TestSendMessageIterationCapProducesFallback(t *testing.T) {
	turn := []chatmodel.LLMStreamChunk{toolCallChunk("c", "read_file", `{"path":"x"}`), terminalChunk(1, 1)}
	p := &fakeProvider{turns: [][]chatmodel.LLMStreamChunk{turn, turn, turn}}
	tools := &fakeTools{results: map[string]ToolExecResult{
		"read_file": {Content: "ok-1"},
	}}
	opts := DefaultOptions()
	opts.MaxToolCallIterations = 3
	// MaxRepeatedToolCalls stays 0 (disabled) so the iteration cap, not the
	// repetition guardrail, is what ends this loop.
	o, _, _ := newTestOrchestrator(p, tools, opts)

	final, err := o.SendMessage(context.Background(), "s1", "loop forever")
	require.NoError(t, err)
	assert.Contains(t, final.Text(), "Stopped")
}

func TestSendMessageRepetitionGuardrailStopsLoop(t *testing.T) {
	turn := []chatmodel.LLMStreamChunk{toolCallChunk("c", "read_file", `{"path":"same.go"}`), terminalChunk(1, 1)}
	p := &fakeProvider{turns: [][]chatmodel.LLMStreamChunk{turn, turn, turn, turn, turn}}
	tools := &fakeTools{results: map[string]ToolExecResult{
		"read_file": {Content: "same every time"},
	}}
	opts := DefaultOptions()
	opts.MaxToolCallIterations = 5
	opts.MaxRepeatedToolCalls = 2
	o, _, _ := newTestOrchestrator(p, tools, opts)

	final, err := o.SendMessage(context.Background(), "s1", "keep reading same.go")
	require.NoError(t, err)
	assert.Contains(t, final.Text(), "repeated tool calls")
}

func TestSendMessageUserCancelledInsideToolStopsLoop(t *testing.T) {
	p := &fakeProvider{turns: [][]chatmodel.LLMStreamChunk{
		{toolCallChunk("c1", "write_file", `{"path":"a"}`), terminalChunk(1, 1)},
	}}
	tools := &fakeTools{results: map[string]ToolExecResult{
		"write_file": {UserCancelled: true, Content: "cancel"},
	}}
	o, _, _ := newTestOrchestrator(p, tools, DefaultOptions())

	final, err := o.SendMessage(context.Background(), "s1", "write something")
	require.NoError(t, err)
	assert.Equal(t, "Operation cancelled by user.", final.Text())
}

func TestSendMessageStreamEmitsChunksAndCompletes(t *testing.T) {
	p := &fakeProvider{turns: [][]chatmodel.LLMStreamChunk{
		{textChunk("a"), textChunk("b"), terminalChunk(2, 2)},
	}}
	tools := &fakeTools{}
	o, _, _ := newTestOrchestrator(p, tools, DefaultOptions())

	ch := o.SendMessageStream(context.Background(), "s1", "hi")
	var got []string
	var sawComplete bool
	for c := range ch {
		if c.ContentDelta != "" {
			got = append(got, c.ContentDelta)
		}
		if c.IsComplete {
			sawComplete = true
		}
	}
	assert.Equal(t, []string{"a", "b"}, got)
	assert.True(t, sawComplete)
}

func TestMetricsRecordsProviderAndToolOutcomes(t *testing.T) {
	p := &fakeProvider{turns: [][]chatmodel.LLMStreamChunk{
		{toolCallChunk("call1", "read_file", `{"path":"a.go"}`), terminalChunk(5, 3)},
		{textChunk("done"), terminalChunk(6, 2)},
	}}
	tools := &fakeTools{results: map[string]ToolExecResult{
		"read_file": {Content: "package main"},
	}}
	fm := &fakeMetrics{}
	o, _, _, _ := newTestOrchestratorWithMetrics(p, tools, DefaultOptions(), fm)

	_, err := o.SendMessage(context.Background(), "s1", "read a.go")
	require.NoError(t, err)

	assert.Equal(t, []string{"ok", "ok"}, fm.providerOutcomes)
	assert.Equal(t, []string{"ok"}, fm.toolOutcomes)
	assert.Empty(t, fm.guardrailsTripped)
}

func TestMetricsRecordsGuardrailTrip(t *testing.T) {
	turn := []chatmodel.LLMStreamChunk{toolCallChunk("c", "read_file", `{"path":"x"}`), terminalChunk(1, 1)}
	p := &fakeProvider{turns: [][]chatmodel.LLMStreamChunk{turn, turn, turn}}
	tools := &fakeTools{results: map[string]ToolExecResult{
		"read_file": {Content: "ok-1"},
	}}
	opts := DefaultOptions()
	opts.MaxToolCallIterations = 3
	fm := &fakeMetrics{}
	o, _, _, _ := newTestOrchestratorWithMetrics(p, tools, opts, fm)

	_, err := o.SendMessage(context.Background(), "s1", "loop forever")
	require.NoError(t, err)
	assert.Equal(t, []string{"iteration_cap"}, fm.guardrailsTripped)
}

func TestMetricsRecordsToolErrorOutcome(t *testing.T) {
	p := &fakeProvider{turns: [][]chatmodel.LLMStreamChunk{
		{toolCallChunk("c1", "read_file", `{"path":"missing"}`), terminalChunk(1, 1)},
		{textChunk("sorry"), terminalChunk(1, 1)},
	}}
	tools := &fakeTools{results: map[string]ToolExecResult{
		"read_file": {IsError: true, Content: "no such file"},
	}}
	fm := &fakeMetrics{}
	o, _, _, _ := newTestOrchestratorWithMetrics(p, tools, DefaultOptions(), fm)

	_, err := o.SendMessage(context.Background(), "s1", "read missing")
	require.NoError(t, err)
	assert.Equal(t, []string{"error"}, fm.toolOutcomes)
}

func TestUpdateDefaultsPropagatesModelToProvider(t *testing.T) {
	p := &fakeProvider{}
	tools := &fakeTools{}
	o, _, _ := newTestOrchestrator(p, tools, DefaultOptions())
	o.UpdateDefaults("anthropic", "claude-next")
	assert.Equal(t, "anthropic", o.opts.DefaultProvider)
	assert.Equal(t, "claude-next", o.opts.DefaultModel)
}
