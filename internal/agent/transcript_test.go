package agent

import (
	"encoding/json"
	"testing"

	"github.com/nextlevelbuilder/courier/internal/providers"
)

func userMsg(text string) providers.Message {
	return providers.UserText(text)
}

func assistantWithCalls(text string, callIDs ...string) providers.Message {
	m := providers.Message{Role: providers.RoleAssistant}
	if text != "" {
		m.Parts = append(m.Parts, providers.Part{Type: providers.PartText, Text: text})
	}
	for _, id := range callIDs {
		m.Parts = append(m.Parts, providers.Part{
			Type:       providers.PartToolCall,
			ToolCallID: id,
			ToolName:   "t",
			Args:       json.RawMessage(`{}`),
		})
	}
	return m
}

func toolResult(callID, output string) providers.Message {
	return providers.Message{Role: providers.RoleTool, Parts: []providers.Part{{
		Type:       providers.PartToolResult,
		ToolCallID: callID,
		ToolName:   "t",
		Output:     output,
	}}}
}

func TestIsValidTranscript(t *testing.T) {
	tests := []struct {
		name string
		msgs []providers.Message
		want bool
	}{
		{
			name: "empty",
			msgs: nil,
			want: true,
		},
		{
			name: "user only",
			msgs: []providers.Message{userMsg("hi")},
			want: true,
		},
		{
			name: "assistant terminated",
			msgs: []providers.Message{userMsg("hi"), providers.AssistantText("hello")},
			want: false,
		},
		{
			name: "closed tool call",
			msgs: []providers.Message{
				userMsg("hi"),
				assistantWithCalls("", "c1"),
				toolResult("c1", "ok"),
			},
			want: true,
		},
		{
			name: "open tool call",
			msgs: []providers.Message{
				userMsg("hi"),
				assistantWithCalls("", "c1", "c2"),
				toolResult("c1", "ok"),
			},
			want: false,
		},
		{
			name: "orphan tool result",
			msgs: []providers.Message{
				userMsg("hi"),
				toolResult("ghost", "ok"),
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidTranscript(tt.msgs); got != tt.want {
				t.Errorf("IsValidTranscript() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLastValidBoundary(t *testing.T) {
	tests := []struct {
		name string
		msgs []providers.Message
		want int
	}{
		{
			name: "user tail keeps everything",
			msgs: []providers.Message{userMsg("a"), userMsg("b")},
			want: 2,
		},
		{
			name: "half finished tool batch rewinds to user",
			msgs: []providers.Message{
				userMsg("a"),
				assistantWithCalls("", "c1", "c2"),
				toolResult("c1", "ok"),
			},
			want: 1,
		},
		{
			name: "completed batch is a boundary",
			msgs: []providers.Message{
				userMsg("a"),
				assistantWithCalls("", "c1"),
				toolResult("c1", "ok"),
			},
			want: 3,
		},
		{
			name: "plain assistant tail is a boundary",
			msgs: []providers.Message{userMsg("a"), providers.AssistantText("done")},
			want: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := LastValidBoundary(tt.msgs); got != tt.want {
				t.Errorf("LastValidBoundary() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRepairTranscript(t *testing.T) {
	msgs := []providers.Message{
		userMsg("a"),
		assistantWithCalls("", "c1"),
		toolResult("c1", "ok"),
		toolResult("ghost", "orphan"),
	}
	out := RepairTranscript(msgs)
	if len(out) != 3 {
		t.Fatalf("got %d messages, want 3: %+v", len(out), out)
	}
	if !IsValidTranscript(out) {
		t.Errorf("repaired transcript still invalid: %+v", out)
	}
}

func TestRepairTranscriptKeepsMixedToolMessage(t *testing.T) {
	mixed := providers.Message{Role: providers.RoleTool, Parts: []providers.Part{
		{Type: providers.PartToolResult, ToolCallID: "c1", Output: "ok"},
		{Type: providers.PartToolResult, ToolCallID: "ghost", Output: "orphan"},
	}}
	msgs := []providers.Message{userMsg("a"), assistantWithCalls("", "c1"), mixed}
	out := RepairTranscript(msgs)
	if len(out) != 3 {
		t.Fatalf("got %d messages, want 3", len(out))
	}
	if got := len(out[2].Parts); got != 1 {
		t.Errorf("tool message has %d parts, want 1", got)
	}
	if out[2].Parts[0].ToolCallID != "c1" {
		t.Errorf("kept wrong part: %+v", out[2].Parts[0])
	}
}

func TestEstimateTokens(t *testing.T) {
	// 100 chars of text + 8 overhead = 108 chars → 27 tokens.
	text := make([]byte, 100)
	for i := range text {
		text[i] = 'x'
	}
	msgs := []providers.Message{userMsg(string(text))}
	if got := EstimateTokens(msgs); got != 27 {
		t.Errorf("EstimateTokens() = %d, want 27", got)
	}
	if got := EstimateTokens(nil); got != 0 {
		t.Errorf("EstimateTokens(nil) = %d, want 0", got)
	}
}
