package provider

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"strings"

	"github.com/neilgilbert/codepunk/internal/chatmodel"
)

// streamBlock accumulates the partial-JSON input for one tool_use content
// block, keyed by its SSE index, from content_block_start until the
// matching content_block_stop. Grounded on the per-index buffer shape used
// by the reference Anthropic stream parser in the example pack.
type streamBlock struct {
	kind     string // "text" | "tool_use"
	id       string
	name     string
	inputBuf strings.Builder
}

// eventStream turns a raw SSE byte stream into an ordered LLMStreamChunk
// sequence.
type eventStream struct {
	scanner *bufio.Scanner
	log     *slog.Logger

	blocks map[int]*streamBlock

	inputTokens int64
	pending     []chatmodel.LLMStreamChunk

	done bool
	err  error
}

func newEventStream(body io.Reader, log *slog.Logger) *eventStream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &eventStream{scanner: sc, log: log, blocks: make(map[int]*streamBlock)}
}

// Next returns the next chunk, or (nil, io.EOF) once message_stop is seen
// or the body is exhausted, or (nil, err) on a transport-level read error.
// Malformed individual events are logged at debug level and skipped,
// never surfaced as a terminal error.
func (s *eventStream) Next() (*chatmodel.LLMStreamChunk, error) {
	if len(s.pending) > 0 {
		c := s.pending[0]
		s.pending = s.pending[1:]
		return &c, nil
	}
	if s.done {
		return nil, io.EOF
	}

	var eventName string
	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		line = bytes.TrimPrefix(line, []byte{0xEF, 0xBB, 0xBF}) // strip BOM
		switch {
		case len(line) == 0:
			continue
		case bytes.HasPrefix(line, []byte("event:")):
			eventName = strings.TrimSpace(string(line[len("event:"):]))
			continue
		case bytes.HasPrefix(line, []byte("data:")):
			data := bytes.TrimSpace(line[len("data:"):])
			if string(data) == "[DONE]" {
				s.done = true
				return nil, io.EOF
			}
			chunk, err := s.dispatch(eventName, data)
			if err != nil {
				s.log.Debug("skipping malformed stream event", "event", eventName, "error", err)
				continue
			}
			if chunk != nil {
				return chunk, nil
			}
			if s.done {
				// message_stop
				return nil, io.EOF
			}
			// no-op event (ping, signature_delta, ...): keep reading
			continue
		default:
			continue
		}
	}
	if err := s.scanner.Err(); err != nil {
		return nil, newError(KindOther, "reading stream", err)
	}
	s.done = true
	return nil, io.EOF
}

// dispatch handles one SSE event. It returns a chunk to emit immediately,
// or (nil, nil) when the event updates internal state but produces no
// chunk of its own (e.g. an input_json_delta still being accumulated).
func (s *eventStream) dispatch(eventName string, data []byte) (*chatmodel.LLMStreamChunk, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}
	switch envelope.Type {
	case "ping":
		return nil, nil
	case "message_start":
		return s.handleMessageStart(data)
	case "content_block_start":
		return s.handleBlockStart(data)
	case "content_block_delta":
		return s.handleBlockDelta(data)
	case "content_block_stop":
		return s.handleBlockStop(data)
	case "message_delta":
		return s.handleMessageDelta(data)
	case "message_stop":
		s.done = true
		return nil, nil
	default:
		return nil, nil
	}
}

func (s *eventStream) handleMessageStart(data []byte) (*chatmodel.LLMStreamChunk, error) {
	var payload struct {
		Message struct {
			Usage struct {
				InputTokens int64 `json:"input_tokens"`
			} `json:"usage"`
		} `json:"message"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	s.inputTokens = payload.Message.Usage.InputTokens
	return nil, nil
}

func (s *eventStream) handleBlockStart(data []byte) (*chatmodel.LLMStreamChunk, error) {
	var payload struct {
		Index        int `json:"index"`
		ContentBlock struct {
			Type  string          `json:"type"`
			ID    string          `json:"id"`
			Name  string          `json:"name"`
			Input json.RawMessage `json:"input"`
		} `json:"content_block"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	switch payload.ContentBlock.Type {
	case "tool_use":
		b := &streamBlock{kind: "tool_use", id: payload.ContentBlock.ID, name: payload.ContentBlock.Name}
		if len(payload.ContentBlock.Input) > 0 && string(payload.ContentBlock.Input) != "{}" {
			b.inputBuf.Write(payload.ContentBlock.Input)
		}
		s.blocks[payload.Index] = b
	case "text":
		s.blocks[payload.Index] = &streamBlock{kind: "text"}
	default:
		s.blocks[payload.Index] = &streamBlock{kind: payload.ContentBlock.Type}
	}
	return nil, nil
}

func (s *eventStream) handleBlockDelta(data []byte) (*chatmodel.LLMStreamChunk, error) {
	var payload struct {
		Index int `json:"index"`
		Delta struct {
			Type        string `json:"type"`
			Text        string `json:"text"`
			PartialJSON string `json:"partial_json"`
		} `json:"delta"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	switch payload.Delta.Type {
	case "text_delta":
		return &chatmodel.LLMStreamChunk{ContentDelta: payload.Delta.Text}, nil
	case "input_json_delta":
		if payload.Delta.PartialJSON == "" {
			return nil, nil
		}
		if b, ok := s.blocks[payload.Index]; ok {
			b.inputBuf.WriteString(payload.Delta.PartialJSON)
		}
		return nil, nil
	default:
		// signature_delta and any future sub-kinds carry nothing the
		// normalized chunk model represents.
		return nil, nil
	}
}

func (s *eventStream) handleBlockStop(data []byte) (*chatmodel.LLMStreamChunk, error) {
	var payload struct {
		Index int `json:"index"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	b, ok := s.blocks[payload.Index]
	if !ok {
		return nil, nil
	}
	delete(s.blocks, payload.Index)
	if b.kind != "tool_use" {
		return nil, nil
	}

	raw := b.inputBuf.String()
	if raw == "" {
		raw = "{}"
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		// Malformed tool-call JSON at stream end: surface the event with
		// an empty argument payload instead of dropping it.
		raw = "{}"
	}
	part := chatmodel.ToolCallPart(b.id, b.name, raw)
	return &chatmodel.LLMStreamChunk{ToolCall: &part}, nil
}

func (s *eventStream) handleMessageDelta(data []byte) (*chatmodel.LLMStreamChunk, error) {
	var payload struct {
		Delta struct {
			StopReason string `json:"stop_reason"`
		} `json:"delta"`
		Usage struct {
			OutputTokens int64 `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	if payload.Delta.StopReason == "" {
		return nil, nil
	}
	return &chatmodel.LLMStreamChunk{
		FinishReason: mapStopReason(payload.Delta.StopReason),
		IsComplete:   true,
		Usage: &chatmodel.ChunkUsage{
			InputTokens:  s.inputTokens,
			OutputTokens: payload.Usage.OutputTokens,
		},
	}, nil
}
