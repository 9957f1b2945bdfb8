// Package providers abstracts streaming LLM backends.
//
// A model call is a lazy finite sequence of StreamParts read from a channel
// until close. There is exactly one consumer per call; the turn engine owns it.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// Role of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartType discriminates message content parts.
type PartType string

const (
	PartText       PartType = "text"
	PartReasoning  PartType = "reasoning"
	PartToolCall   PartType = "tool-call"
	PartToolResult PartType = "tool-result"
	PartErrorText  PartType = "error-text"
	PartImage      PartType = "image"
	PartFile       PartType = "file"
)

// Part is one content block of a message. Flat variant struct; the Type field
// decides which fields are meaningful.
type Part struct {
	Type PartType `json:"type"`

	// text, reasoning, error-text
	Text string `json:"text,omitempty"`

	// tool-call / tool-result
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Output     string          `json:"output,omitempty"`

	// image / file (URL-referenced)
	URL       string `json:"url,omitempty"`
	MediaType string `json:"media_type,omitempty"`
}

// Message is one transcript entry.
type Message struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// UserText builds a plain-text user message.
func UserText(text string) Message {
	return Message{Role: RoleUser, Parts: []Part{{Type: PartText, Text: text}}}
}

// AssistantText builds a plain-text assistant message.
func AssistantText(text string) Message {
	return Message{Role: RoleAssistant, Parts: []Part{{Type: PartText, Text: text}}}
}

// Text concatenates the text parts of the message.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// ToolCalls returns the tool-call parts of an assistant message.
func (m Message) ToolCalls() []Part {
	var out []Part
	for _, p := range m.Parts {
		if p.Type == PartToolCall {
			out = append(out, p)
		}
	}
	return out
}

// ToolResultIDs returns the toolCallIDs closed by this tool message.
func (m Message) ToolResultIDs() []string {
	var out []string
	for _, p := range m.Parts {
		if p.Type == PartToolResult || p.Type == PartErrorText {
			if p.ToolCallID != "" {
				out = append(out, p.ToolCallID)
			}
		}
	}
	return out
}

// Clone deep-copies the message.
func (m Message) Clone() Message {
	out := Message{Role: m.Role, Parts: make([]Part, len(m.Parts))}
	copy(out.Parts, m.Parts)
	for i, p := range m.Parts {
		if p.Args != nil {
			out.Parts[i].Args = append(json.RawMessage(nil), p.Args...)
		}
	}
	return out
}

// CloneMessages deep-copies a message list.
func CloneMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Usage tracks token consumption for one call (or a running total).
type Usage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	TotalTokens         int `json:"total_tokens"`
	CacheCreationTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// Add accumulates another usage record.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
	u.CacheCreationTokens += other.CacheCreationTokens
	u.CacheReadTokens += other.CacheReadTokens
}

// Capability describes a model's context geometry.
type Capability struct {
	ContextLimit int `json:"context_limit"`
	OutputLimit  int `json:"output_limit"`
}

// Finish reasons.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool-calls"
	FinishLength    = "length"
)

// StreamPartType discriminates stream parts.
type StreamPartType string

const (
	StreamTextStart      StreamPartType = "text-start"
	StreamTextDelta      StreamPartType = "text-delta"
	StreamTextEnd        StreamPartType = "text-end"
	StreamReasoningDelta StreamPartType = "reasoning-delta"
	StreamToolCall       StreamPartType = "tool-call"
	StreamFinish         StreamPartType = "finish"
	StreamAbort          StreamPartType = "abort"
	StreamError          StreamPartType = "error"
)

// StreamPart is one element of a model streaming response.
type StreamPart struct {
	Type StreamPartType

	Text string // text-delta, reasoning-delta

	// tool-call (complete, after input JSON accumulation)
	ToolCallID string
	ToolName   string
	Args       json.RawMessage

	// finish
	FinishReason string
	Usage        *Usage

	// error
	Err error
}

// Request is the input to a streaming model call.
type Request struct {
	Model       string           `json:"model,omitempty"`
	System      string           `json:"system,omitempty"`
	Messages    []Message        `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature float64          `json:"temperature,omitempty"`
	Options     map[string]any   `json:"options,omitempty"`
}

// Provider is a streaming LLM backend.
type Provider interface {
	// Name returns the provider identifier (e.g. "anthropic").
	Name() string

	// Stream starts a model call and returns the part channel. The channel is
	// closed after the terminal part (finish, abort or error). Cancelling ctx
	// yields an abort part.
	Stream(ctx context.Context, req Request) (<-chan StreamPart, error)

	// Capability reports context geometry for a model, if known.
	Capability(model string) (Capability, bool)
}

// ErrContextOverflow marks a provider rejection caused by an oversized prompt.
var ErrContextOverflow = errors.New("context window exceeded")

// overflowIndicators are substrings providers use for prompt-too-long rejections.
var overflowIndicators = []string{
	"prompt is too long",
	"context window",
	"context length",
	"maximum context",
	"too many tokens",
	"input is too long",
}

// IsContextOverflow reports whether err is a context-overflow rejection,
// either the sentinel or a provider error message that smells like one.
func IsContextOverflow(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrContextOverflow) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, ind := range overflowIndicators {
		if strings.Contains(msg, ind) {
			return true
		}
	}
	return false
}
