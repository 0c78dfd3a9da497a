// Package orchestrator implements the chat session orchestrator: the
// bounded tool-calling loop, its guardrails, the event stream, and usage
// accounting.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/neilgilbert/codepunk/internal/chatmodel"
	"github.com/neilgilbert/codepunk/internal/promptcache"
	"github.com/neilgilbert/codepunk/internal/provider"
)

// Orchestrator runs one logical loop per active session. Concurrent
// orchestrator runs across sessions are not supported in-process: the
// git shadow session mutates a shared working tree.
type Orchestrator struct {
	opts     Options
	sessions SessionRepository
	messages MessageRepository
	provider ProviderAdapter
	tools    ToolExecutor
	toolDefs func() []chatmodel.ToolDef
	cache    PromptCache
	metrics  Metrics
	log      *slog.Logger
	events   chan Event

	mu                    sync.RWMutex
	isProcessing          bool
	toolIteration         int
	accumPromptTokens     int64
	accumCompletionTokens int64
	accumCost             float64

	isFailed atomic.Bool
}

type Config struct {
	Options  Options
	Sessions SessionRepository
	Messages MessageRepository
	Provider ProviderAdapter
	Tools    ToolExecutor
	ToolDefs func() []chatmodel.ToolDef
	Cache    PromptCache // optional
	Metrics  Metrics     // optional
	Log      *slog.Logger
}

func New(cfg Config) *Orchestrator {
	if cfg.Options.MaxToolCallIterations == 0 {
		cfg.Options = DefaultOptions()
	}
	return &Orchestrator{
		opts:     cfg.Options,
		sessions: cfg.Sessions,
		messages: cfg.Messages,
		provider: cfg.Provider,
		tools:    cfg.Tools,
		toolDefs: cfg.ToolDefs,
		cache:    cfg.Cache,
		metrics:  cfg.Metrics,
		log:      cfg.Log,
		events:   newEventChan(),
	}
}

// Events returns the read side of the event stream.
func (o *Orchestrator) Events() <-chan Event { return o.events }

// UpdateDefaults mutates the in-memory provider/model defaults and
// propagates the model to the provider adapter so subsequent requests use
// it without the caller needing to pass ModelID explicitly.
func (o *Orchestrator) UpdateDefaults(providerName, model string) {
	o.mu.Lock()
	if providerName != "" {
		o.opts.DefaultProvider = providerName
	}
	if model != "" {
		o.opts.DefaultModel = model
	}
	o.mu.Unlock()
	if model != "" {
		o.provider.SetSessionDefaults(model)
	}
}

// State observability.
func (o *Orchestrator) IsProcessing() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.isProcessing
}

func (o *Orchestrator) ToolIteration() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.toolIteration
}

func (o *Orchestrator) IsToolLoopActive() bool { return o.ToolIteration() > 0 }

func (o *Orchestrator) AccumulatedUsage() (promptTokens, completionTokens int64, cost float64) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.accumPromptTokens, o.accumCompletionTokens, o.accumCost
}

const (
	consolidationMarker = "[codepunk:consolidation-guidance]"
	modeSelectMarker    = "[codepunk:mode-selection-guidance]"
)

// SendMessage is the non-streaming entry point.
func (o *Orchestrator) SendMessage(ctx context.Context, sessionID, text string) (chatmodel.Message, error) {
	return o.run(ctx, sessionID, text, nil)
}

// SendMessageStream is the streaming entry point. It runs the loop on a
// background goroutine and returns a channel the caller drains until it
// closes; the final value has IsComplete set.
func (o *Orchestrator) SendMessageStream(ctx context.Context, sessionID, text string) <-chan ChatStreamChunk {
	out := make(chan ChatStreamChunk, 16)
	go func() {
		defer close(out)
		streamFn := func(c chatmodel.LLMStreamChunk) {
			chunk := ChatStreamChunk{ContentDelta: c.ContentDelta, IsComplete: c.IsComplete}
			if c.IsComplete && c.Usage != nil {
				in, outTok := c.Usage.InputTokens, c.Usage.OutputTokens
				cost := c.Usage.EstimatedCost
				chunk.InputTokens, chunk.OutputTokens, chunk.EstimatedCost = &in, &outTok, &cost
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
			}
		}
		if _, err := o.run(ctx, sessionID, text, streamFn); err != nil {
			o.log.Error("send message stream failed", "session", sessionID, "error", err)
		}
	}()
	return out
}

// run implements the bounded tool-calling loop shared by both entry
// points. streamFn is nil for the non-streaming path.
func (o *Orchestrator) run(ctx context.Context, sessionID, text string, streamFn func(chatmodel.LLMStreamChunk)) (chatmodel.Message, error) {
	o.mu.Lock()
	o.isProcessing = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.isProcessing = false
		o.toolIteration = 0
		o.mu.Unlock()
	}()

	userMsg := chatmodel.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      chatmodel.RoleUser,
		Parts:     []chatmodel.MessagePart{chatmodel.TextPart(text)},
		CreatedAt: time.Now(),
	}
	if err := o.messages.Create(ctx, userMsg); err != nil {
		return chatmodel.Message{}, fmt.Errorf("persist user message: %w", err)
	}

	history, err := o.messages.ListBySession(ctx, sessionID)
	if err != nil {
		return chatmodel.Message{}, fmt.Errorf("load conversation: %w", err)
	}

	emit(o.events, Event{Type: EventMessageStart, SessionID: sessionID})

	counters := chatmodel.NewGuardrailCounters()
	injectedModeSelect := false
	injectedConsolidation := false
	consecutiveErrorStreak := 0

	for i := 1; i <= o.opts.MaxToolCallIterations; i++ {
		o.mu.Lock()
		o.toolIteration = i
		o.mu.Unlock()
		counters.Iteration = i
		emit(o.events, Event{Type: EventToolIterationStart, SessionID: sessionID, Iteration: i})

		outbound := append([]chatmodel.Message(nil), history...)
		isFirstAssistantTurn := !hasAssistantOrToolMessage(history)
		if isFirstAssistantTurn && !injectedModeSelect {
			outbound = append([]chatmodel.Message{ephemeralSystemMessage(modeSelectMarker,
				"Before acting, choose a mode: planning (multi-step work) or triage (a quick, single-step answer) via the appropriate tool call.")}, outbound...)
			injectedModeSelect = true
		}
		if o.opts.MaxToolCallIterations-i <= 2 && !injectedConsolidation {
			outbound = append([]chatmodel.Message{ephemeralSystemMessage(consolidationMarker,
				"You are near the iteration limit. Avoid redundant tool calls and produce a final answer now if possible.")}, outbound...)
			injectedConsolidation = true
		}

		req := chatmodel.LLMRequest{
			ModelID:   o.opts.DefaultModel,
			Messages:  outbound,
			MaxTokens: 4096,
		}
		if o.toolDefs != nil {
			req.Tools = o.toolDefs()
		}

		text, toolCalls, usage, finish, err := o.streamOneTurn(ctx, req, streamFn)
		if err != nil {
			return chatmodel.Message{}, err
		}
		if usage != nil {
			o.mu.Lock()
			o.accumPromptTokens += usage.InputTokens
			o.accumCompletionTokens += usage.OutputTokens
			o.accumCost += usage.EstimatedCost
			o.mu.Unlock()
			if err := o.persistSessionUsage(ctx, sessionID); err != nil {
				o.log.Warn("failed to persist session usage", "session", sessionID, "error", err)
			}
		}

		assistantParts := []chatmodel.MessagePart{}
		if text != "" {
			assistantParts = append(assistantParts, chatmodel.TextPart(text))
		}
		assistantParts = append(assistantParts, toolCalls...)
		assistantMsg := chatmodel.Message{
			ID: uuid.NewString(), SessionID: sessionID, Role: chatmodel.RoleAssistant,
			Parts: assistantParts, ModelID: req.ModelID, CreatedAt: time.Now(),
		}
		if err := o.messages.Create(ctx, assistantMsg); err != nil {
			return chatmodel.Message{}, fmt.Errorf("persist assistant message: %w", err)
		}
		history = append(history, assistantMsg)

		if len(toolCalls) == 0 {
			emit(o.events, Event{Type: EventMessageComplete, SessionID: sessionID, IsFinal: true})
			return assistantMsg, nil
		}
		_ = finish

		if cap := o.opts.MaxToolCallsPerIteration; cap > 0 && len(toolCalls) > cap {
			o.recordGuardrail("per_iteration_cap")
			return o.abortWithGuardrailMessage(ctx, sessionID, history,
				fmt.Sprintf("This turn requested %d tool calls, exceeding the per-iteration limit of %d. Please batch work into fewer calls.", len(toolCalls), cap), i)
		}

		repeated := false
		for _, tc := range toolCalls {
			sig := stableSignature(tc.ToolName, tc.ToolArgsJSON)
			count := counters.RegisterSignature(sig)
			if count > 1 {
				repeated = true
			}
		}
		if repeated {
			counters.ConsecutiveRepeatedIterations++
		} else {
			counters.ConsecutiveRepeatedIterations = 0
		}
		if cap := o.opts.MaxRepeatedToolCalls; cap > 0 && counters.ConsecutiveRepeatedIterations >= cap {
			o.recordGuardrail("repeated_tool_calls")
			return o.abortWithGuardrailMessage(ctx, sessionID, history,
				"Stopping due to repeated tool calls with the same arguments.", i)
		}

		resultParts, userCancelled, allErrors := o.executeToolCalls(ctx, sessionID, toolCalls, streamFn)

		toolResultMsg := chatmodel.Message{
			ID: uuid.NewString(), SessionID: sessionID, Role: chatmodel.RoleTool,
			Parts: resultParts, CreatedAt: time.Now(),
		}
		if err := o.messages.Create(ctx, toolResultMsg); err != nil {
			return chatmodel.Message{}, fmt.Errorf("persist tool result message: %w", err)
		}
		history = append(history, toolResultMsg)

		if userCancelled {
			final := o.finalAssistantMessage(sessionID, "Operation cancelled by user.")
			if err := o.messages.Create(ctx, final); err != nil {
				return chatmodel.Message{}, fmt.Errorf("persist cancellation message: %w", err)
			}
			return final, nil
		}

		if allErrors {
			consecutiveErrorStreak++
		} else {
			consecutiveErrorStreak = 0
		}
		if cap := o.opts.MaxConsecutiveToolErrors; cap > 0 && consecutiveErrorStreak >= cap {
			o.recordGuardrail("consecutive_errors")
			return o.abortWithGuardrailMessage(ctx, sessionID, history,
				"Stopping after repeated tool execution errors.", i)
		}

		emit(o.events, Event{Type: EventToolIterationEnd, SessionID: sessionID, Iteration: i})
	}

	o.recordGuardrail("iteration_cap")
	emit(o.events, Event{Type: EventToolLoopExceeded, SessionID: sessionID, Iteration: o.opts.MaxToolCallIterations})
	fallback := o.finalAssistantMessage(sessionID, "Stopped: too many tool calls; stopped to avoid an infinite loop.")
	if err := o.messages.Create(ctx, fallback); err != nil {
		return chatmodel.Message{}, fmt.Errorf("persist fallback message: %w", err)
	}
	if streamFn != nil {
		streamFn(chatmodel.LLMStreamChunk{ContentDelta: fallback.Text(), IsComplete: true, FinishReason: chatmodel.FinishStop})
	}
	return fallback, nil
}

func (o *Orchestrator) abortWithGuardrailMessage(ctx context.Context, sessionID string, history []chatmodel.Message, text string, iteration int) (chatmodel.Message, error) {
	emit(o.events, Event{Type: EventToolLoopAborted, SessionID: sessionID, Iteration: iteration})
	msg := o.finalAssistantMessage(sessionID, text)
	if err := o.messages.Create(ctx, msg); err != nil {
		return chatmodel.Message{}, fmt.Errorf("persist guardrail message: %w", err)
	}
	return msg, nil
}

func (o *Orchestrator) recordGuardrail(kind string) {
	if o.metrics != nil {
		o.metrics.RecordGuardrailTriggered(kind)
	}
}

func (o *Orchestrator) finalAssistantMessage(sessionID, text string) chatmodel.Message {
	return chatmodel.Message{
		ID: uuid.NewString(), SessionID: sessionID, Role: chatmodel.RoleAssistant,
		Parts: []chatmodel.MessagePart{chatmodel.TextPart(text)}, CreatedAt: time.Now(),
	}
}

func (o *Orchestrator) persistSessionUsage(ctx context.Context, sessionID string) error {
	sess, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	pt, ct, cost := o.AccumulatedUsage()
	sess.Usage = chatmodel.Usage{PromptTokens: pt, CompletionTokens: ct, CostUSD: cost}
	sess.LastActivityAt = time.Now()
	return o.sessions.Update(ctx, sess)
}

// streamOneTurn opens a provider stream, accumulates text and tool calls,
// and (when streamFn is non-nil) re-emits each chunk to the caller in
// provider-emitted order. A cache hit replays the stored response as
// promptcache.Replay builds it: one chunk per tool call, then a single
// terminal chunk carrying all of the text, usage and finish reason.
func (o *Orchestrator) streamOneTurn(ctx context.Context, req chatmodel.LLMRequest, streamFn func(chatmodel.LLMStreamChunk)) (text string, toolCalls []chatmodel.MessagePart, usage *chatmodel.ChunkUsage, finish chatmodel.FinishReason, err error) {
	var fingerprint string
	if o.cache != nil {
		fingerprint = promptcache.Fingerprint(o.opts.DefaultProvider, req)
		if cached, hit := o.cache.TryGet(ctx, fingerprint); hit {
			for _, chunk := range promptcache.Replay(*cached) {
				if chunk.ToolCall != nil {
					toolCalls = append(toolCalls, *chunk.ToolCall)
				}
				if chunk.ContentDelta != "" {
					text += chunk.ContentDelta
				}
				if chunk.IsComplete {
					u := chunk.Usage
					usage, finish = u, chunk.FinishReason
				}
				if streamFn != nil {
					emit(o.events, Event{Type: EventStreamDelta, ContentDelta: chunk.ContentDelta})
					streamFn(chunk)
				}
			}
			return text, toolCalls, usage, finish, nil
		}
	}

	requestStart := time.Now()
	it, err := o.provider.Stream(ctx, req)
	if err != nil {
		o.recordProviderRequest(req.ModelID, "error", requestStart, nil, nil)
		return "", nil, nil, "", err
	}
	defer it.Close()

	var textBuf strings.Builder
	var cacheInfo *chatmodel.PromptCacheInfo
	for {
		chunk, err := it.Next()
		if err != nil {
			if errors.Is(err, provider.ErrStreamDone) {
				break
			}
			o.recordProviderRequest(req.ModelID, "error", requestStart, usage, cacheInfo)
			return "", nil, nil, "", err
		}
		if chunk == nil {
			continue
		}
		if chunk.ContentDelta != "" {
			textBuf.WriteString(chunk.ContentDelta)
		}
		if chunk.ToolCall != nil {
			toolCalls = append(toolCalls, *chunk.ToolCall)
		}
		if chunk.IsComplete && chunk.Usage != nil {
			usage = chunk.Usage
			finish = chunk.FinishReason
			cacheInfo = chunk.PromptCacheInfo
		}
		if streamFn != nil {
			emit(o.events, Event{Type: EventStreamDelta, ContentDelta: chunk.ContentDelta})
			streamFn(*chunk)
		}
	}
	o.recordProviderRequest(req.ModelID, "ok", requestStart, usage, cacheInfo)
	text = textBuf.String()
	if o.cache != nil && fingerprint != "" {
		resp := chatmodel.Response{Text: text, ToolCalls: toolCalls, FinishReason: finish}
		if usage != nil {
			resp.Usage = *usage
		}
		o.cache.Store(ctx, fingerprint, resp)
	}
	return text, toolCalls, usage, finish, nil
}

// recordProviderRequest reports one completed provider request to the
// optional Metrics collaborator. No-op when metrics aren't configured.
func (o *Orchestrator) recordProviderRequest(model, outcome string, start time.Time, usage *chatmodel.ChunkUsage, cacheInfo *chatmodel.PromptCacheInfo) {
	if o.metrics == nil {
		return
	}
	var input, output, cacheRead, cacheWrite int64
	if usage != nil {
		input, output = usage.InputTokens, usage.OutputTokens
	}
	if cacheInfo != nil {
		cacheRead, cacheWrite = cacheInfo.CacheReadTokens, cacheInfo.CacheWriteTokens
	}
	o.metrics.RecordProviderRequest(o.opts.DefaultProvider, model, outcome, time.Since(start).Seconds(), input, output, cacheRead, cacheWrite)
}

// executeToolCalls runs toolCalls sequentially; tool execution is never
// parallelized within an iteration.
func (o *Orchestrator) executeToolCalls(ctx context.Context, sessionID string, toolCalls []chatmodel.MessagePart, streamFn func(chatmodel.LLMStreamChunk)) (parts []chatmodel.MessagePart, userCancelled, allErrors bool) {
	allErrors = len(toolCalls) > 0
	for _, tc := range toolCalls {
		if ctx.Err() != nil {
			break
		}
		callStart := time.Now()
		res := o.tools.Execute(ctx, tc.ToolName, tc.ToolArgsJSON)
		o.recordToolExecution(tc.ToolName, res, callStart)
		if !res.IsError {
			allErrors = false
		}
		parts = append(parts, chatmodel.ToolResultPart(tc.ToolCallID, res.Content, res.IsError))

		if streamFn != nil {
			streamFn(chatmodel.LLMStreamChunk{ContentDelta: ToolStatusPrefix + toolStatusJSON(tc, res)})
		}

		if res.UserCancelled {
			userCancelled = true
			break
		}
	}
	return parts, userCancelled, allErrors
}

// recordToolExecution reports one completed tool call to the optional
// Metrics collaborator. Outcome is one of ok, cancelled, timeout or error;
// timeout is inferred from the dispatcher's deadline-exceeded message since
// ToolExecResult carries no dedicated timeout field.
func (o *Orchestrator) recordToolExecution(toolName string, res ToolExecResult, start time.Time) {
	if o.metrics == nil {
		return
	}
	outcome := "ok"
	switch {
	case res.UserCancelled:
		outcome = "cancelled"
	case res.IsError && strings.Contains(res.Content, "timed out"):
		outcome = "timeout"
	case res.IsError:
		outcome = "error"
	}
	o.metrics.RecordToolExecution(toolName, outcome, time.Since(start).Seconds())
}

func toolStatusJSON(tc chatmodel.MessagePart, res ToolExecResult) string {
	lines := strings.Split(res.Content, "\n")
	truncated := len(lines) > toolStatusPreviewLines
	preview := lines
	if truncated {
		preview = lines[:toolStatusPreviewLines]
	}
	payload := ToolStatusPayload{
		ToolCallID:        tc.ToolCallID,
		ToolName:          tc.ToolName,
		Preview:           strings.Join(preview, "\n"),
		IsTruncated:       truncated,
		OriginalLineCount: len(lines),
		MaxLines:          toolStatusPreviewLines,
		IsError:           res.IsError,
	}
	raw, _ := json.Marshal(payload)
	return string(raw)
}

func hasAssistantOrToolMessage(history []chatmodel.Message) bool {
	for _, m := range history {
		if m.Role == chatmodel.RoleAssistant || m.Role == chatmodel.RoleTool {
			return true
		}
	}
	return false
}

// ephemeralSystemMessage builds an in-memory-only system message, never
// written to the message repository. marker is embedded in the content so
// repeated calls within the same run can dedupe by text.
func ephemeralSystemMessage(marker, instruction string) chatmodel.Message {
	return chatmodel.Message{
		Role:  chatmodel.RoleSystem,
		Parts: []chatmodel.MessagePart{chatmodel.TextPart(marker + " " + instruction)},
	}
}
