// Package chatmodel defines the normalized conversation entities shared by
// the provider adapter, tool dispatcher, and chat session orchestrator.
package chatmodel

import "time"

// Role identifies who authored a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartKind tags the variant held by a MessagePart.
type PartKind string

const (
	PartText       PartKind = "text"
	PartToolCall   PartKind = "tool_call"
	PartToolResult PartKind = "tool_result"
	PartImage      PartKind = "image"
)

// MessagePart is a tagged union over the four content shapes a Message can
// carry. Only the fields relevant to Kind are populated; the others are
// zero. A flat struct (rather than an interface) is used because parts
// round-trip through JSON storage and the wire protocol, both of which want
// a single addressable type.
type MessagePart struct {
	Kind PartKind `json:"kind"`

	// Text
	Content string `json:"content,omitempty"`

	// ToolCall
	ToolCallID   string `json:"tool_call_id,omitempty"`
	ToolName     string `json:"tool_name,omitempty"`
	ToolArgsJSON string `json:"tool_args_json,omitempty"`

	// ToolResult
	ResultForCallID string `json:"result_for_call_id,omitempty"`
	IsError         bool   `json:"is_error,omitempty"`

	// Image
	ImageURL         string `json:"image_url,omitempty"`
	ImageDescription string `json:"image_description,omitempty"`
}

func TextPart(content string) MessagePart {
	return MessagePart{Kind: PartText, Content: content}
}

func ToolCallPart(id, name, argsJSON string) MessagePart {
	return MessagePart{Kind: PartToolCall, ToolCallID: id, ToolName: name, ToolArgsJSON: argsJSON}
}

func ToolResultPart(toolCallID, content string, isError bool) MessagePart {
	return MessagePart{Kind: PartToolResult, ResultForCallID: toolCallID, Content: content, IsError: isError}
}

func ImagePart(url, description string) MessagePart {
	return MessagePart{Kind: PartImage, ImageURL: url, ImageDescription: description}
}

// Message is an immutable record in a conversation's history.
type Message struct {
	ID         string        `json:"id"`
	SessionID  string        `json:"session_id"`
	Role       Role          `json:"role"`
	Parts      []MessagePart `json:"parts"`
	ModelID    string        `json:"model_id,omitempty"`
	ProviderID string        `json:"provider_id,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// ToolCalls returns every ToolCall part in the message, in order.
func (m Message) ToolCalls() []MessagePart {
	var out []MessagePart
	for _, p := range m.Parts {
		if p.Kind == PartToolCall {
			out = append(out, p)
		}
	}
	return out
}

// Text concatenates every Text part's content.
func (m Message) Text() string {
	var s string
	for _, p := range m.Parts {
		if p.Kind == PartText {
			s += p.Content
		}
	}
	return s
}

// Usage tracks accumulated token/cost counters for a Session.
type Usage struct {
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// Session is the persisted, orchestrator-owned conversation header.
type Session struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	Usage          Usage     `json:"usage"`
}
