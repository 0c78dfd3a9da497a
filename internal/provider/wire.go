package provider

import (
	"encoding/json"

	"github.com/neilgilbert/codepunk/internal/chatmodel"
)

// wire types mirror the Anthropic Messages API JSON shapes. They are
// kept private to this package; nothing outside provider ever sees
// them.

type wireSystemBlock struct {
	Type         string          `json:"type"`
	Text         string          `json:"text"`
	CacheControl *wireCacheMark  `json:"cache_control,omitempty"`
}

type wireCacheMark struct {
	Type string `json:"type"`
}

type wireContentBlock struct {
	Type       string          `json:"type"`
	Text       string          `json:"text,omitempty"`
	ID         string          `json:"id,omitempty"`
	Name       string          `json:"name,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	ToolUseID  string          `json:"tool_use_id,omitempty"`
	Content    string          `json:"content,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
}

type wireMessage struct {
	Role    string              `json:"role"`
	Content []wireContentBlock  `json:"content"`
}

type wireTool struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	InputSchema  map[string]any `json:"input_schema"`
	CacheControl *wireCacheMark `json:"cache_control,omitempty"`
}

type wireRequest struct {
	Model       string            `json:"model"`
	Stream      bool              `json:"stream"`
	Messages    []wireMessage     `json:"messages"`
	System      []wireSystemBlock `json:"system,omitempty"`
	MaxTokens   int               `json:"max_tokens"`
	Temperature *float64          `json:"temperature,omitempty"`
	Tools       []wireTool        `json:"tools,omitempty"`
	ToolChoice  map[string]any    `json:"tool_choice,omitempty"`
}

const defaultMaxTokens = 4096

// buildWireRequest translates a normalized LLMRequest into the Anthropic
// wire body. System messages are hoisted out of Messages into System;
// role=tool messages become user-role tool_result content blocks.
func buildWireRequest(req chatmodel.LLMRequest, stream bool) wireRequest {
	wr := wireRequest{
		Model:     req.ModelID,
		Stream:    stream,
		MaxTokens: req.MaxTokens,
	}
	if wr.MaxTokens <= 0 {
		wr.MaxTokens = defaultMaxTokens
	}
	if req.Temperature != 0 {
		t := req.Temperature
		wr.Temperature = &t
	}

	if req.SystemPrompt != "" {
		block := wireSystemBlock{Type: "text", Text: req.SystemPrompt}
		if req.UseEphemeralCache {
			block.CacheControl = &wireCacheMark{Type: "ephemeral"}
		}
		wr.System = append(wr.System, block)
	}
	if fmt := req.ResponseFormat; fmt != nil {
		wr.System = append(wr.System, structuredOutputSystemBlock(*fmt))
	}

	for _, m := range req.Messages {
		if m.Role == chatmodel.RoleSystem {
			wr.System = append(wr.System, wireSystemBlock{Type: "text", Text: m.Text()})
			continue
		}
		wr.Messages = append(wr.Messages, messageToWire(m))
	}

	if len(req.Tools) > 0 {
		for i, t := range req.Tools {
			wt := wireTool{Name: t.Name, Description: t.Description, InputSchema: t.Parameters}
			if req.UseEphemeralCache && i == len(req.Tools)-1 {
				wt.CacheControl = &wireCacheMark{Type: "ephemeral"}
			}
			wr.Tools = append(wr.Tools, wt)
		}
	}

	return wr
}

func structuredOutputSystemBlock(f chatmodel.ResponseFormat) wireSystemBlock {
	switch f.Type {
	case chatmodel.ResponseFormatJSONSchema:
		schemaJSON, _ := json.Marshal(f.JSONSchema)
		return wireSystemBlock{Type: "text", Text: "Respond with JSON only, matching exactly this schema: " + string(schemaJSON)}
	case chatmodel.ResponseFormatJSONObject:
		return wireSystemBlock{Type: "text", Text: "Respond with a single JSON object only, no surrounding prose."}
	default:
		return wireSystemBlock{}
	}
}

func messageToWire(m chatmodel.Message) wireMessage {
	role := string(m.Role)
	if m.Role == chatmodel.RoleTool {
		role = "user"
	}
	wm := wireMessage{Role: role}
	for _, p := range m.Parts {
		switch p.Kind {
		case chatmodel.PartText:
			wm.Content = append(wm.Content, wireContentBlock{Type: "text", Text: p.Content})
		case chatmodel.PartToolCall:
			wm.Content = append(wm.Content, wireContentBlock{
				Type: "tool_use", ID: p.ToolCallID, Name: p.ToolName,
				Input: json.RawMessage(p.ToolArgsJSON),
			})
		case chatmodel.PartToolResult:
			wm.Content = append(wm.Content, wireContentBlock{
				Type: "tool_result", ToolUseID: p.ResultForCallID,
				Content: p.Content, IsError: p.IsError,
			})
		case chatmodel.PartImage:
			// Reference-family wire format for images is out of this
			// adapter's tested surface; text-describe as a fallback so the
			// conversation stays well-formed.
			wm.Content = append(wm.Content, wireContentBlock{Type: "text", Text: "[image: " + p.ImageURL + "]"})
		}
	}
	return wm
}

// mapStopReason translates the provider's stop_reason values into the
// normalized FinishReason enum.
func mapStopReason(stopReason string) chatmodel.FinishReason {
	switch stopReason {
	case "end_turn", "stop_sequence":
		return chatmodel.FinishStop
	case "max_tokens":
		return chatmodel.FinishMaxTokens
	case "tool_use":
		return chatmodel.FinishToolCall
	default:
		return chatmodel.FinishStop
	}
}
