// Package agent implements the streaming turn engine.
//
// A transcript is an ordered message list with roles user/assistant/tool.
// Validity invariant: every tool-result's toolCallId is preceded by a matching
// tool-call in the most recent assistant message, and the list never ends with
// an assistant message that has open tool calls, nor, at rest, with an
// assistant message at all.
package agent

import (
	"github.com/nextlevelbuilder/courier/internal/providers"
)

// openToolCalls returns the tool-call IDs of the trailing assistant message
// that are not yet closed by subsequent tool messages.
func openToolCalls(msgs []providers.Message) map[string]bool {
	// Find the last assistant message; tool messages after it close its calls.
	lastAssistant := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == providers.RoleAssistant {
			lastAssistant = i
			break
		}
		if msgs[i].Role == providers.RoleUser {
			return nil
		}
	}
	if lastAssistant == -1 {
		return nil
	}

	open := make(map[string]bool)
	for _, p := range msgs[lastAssistant].ToolCalls() {
		open[p.ToolCallID] = true
	}
	for _, m := range msgs[lastAssistant+1:] {
		if m.Role != providers.RoleTool {
			continue
		}
		for _, id := range m.ToolResultIDs() {
			delete(open, id)
		}
	}
	if len(open) == 0 {
		return nil
	}
	return open
}

// knownToolCallIDs collects every tool-call ID announced by assistant messages
// in the prefix msgs[:end].
func knownToolCallIDs(msgs []providers.Message, end int) map[string]bool {
	ids := make(map[string]bool)
	for _, m := range msgs[:end] {
		if m.Role != providers.RoleAssistant {
			continue
		}
		for _, p := range m.ToolCalls() {
			ids[p.ToolCallID] = true
		}
	}
	return ids
}

// IsValidTranscript reports whether msgs satisfies the rest-state invariant:
// no unmatched tool results and not assistant-terminated.
func IsValidTranscript(msgs []providers.Message) bool {
	if len(msgs) == 0 {
		return true
	}
	if msgs[len(msgs)-1].Role == providers.RoleAssistant {
		return false
	}
	if len(openToolCalls(msgs)) > 0 {
		return false
	}
	// Every tool result must reference a previously announced call.
	for i, m := range msgs {
		if m.Role != providers.RoleTool {
			continue
		}
		known := knownToolCallIDs(msgs, i)
		for _, id := range m.ToolResultIDs() {
			if !known[id] {
				return false
			}
		}
	}
	return true
}

// isBoundary reports whether msgs[:n] is a valid stopping point: the final
// message is a user message, an assistant message with no open tool calls, or
// a tool message closing all still-open calls.
func isBoundary(msgs []providers.Message, n int) bool {
	if n == 0 {
		return true
	}
	prefix := msgs[:n]
	switch prefix[n-1].Role {
	case providers.RoleUser:
		return true
	case providers.RoleAssistant, providers.RoleTool:
		return len(openToolCalls(prefix)) == 0
	}
	return true
}

// LastValidBoundary returns the length of the longest prefix that is a valid
// stopping point. Used by interrupt to rewind a half-finished turn.
func LastValidBoundary(msgs []providers.Message) int {
	for n := len(msgs); n > 0; n-- {
		if isBoundary(msgs, n) {
			return n
		}
	}
	return 0
}

// isCutBoundary reports whether a compaction suffix may start at index i:
// the message is a user message, or an assistant message whose calls are all
// closed within the suffix.
func isCutBoundary(msgs []providers.Message, i int) bool {
	switch msgs[i].Role {
	case providers.RoleUser:
		return true
	case providers.RoleAssistant:
		// Suffix must be self-contained: every call in msgs[i] closed later.
		open := make(map[string]bool)
		for _, p := range msgs[i].ToolCalls() {
			open[p.ToolCallID] = true
		}
		for _, m := range msgs[i+1:] {
			if m.Role != providers.RoleTool {
				continue
			}
			for _, id := range m.ToolResultIDs() {
				delete(open, id)
			}
		}
		return len(open) == 0
	}
	return false
}

// RepairTranscript drops orphan tool-result parts (whose matching tool-call is
// absent from any earlier assistant message) and discards tool messages left
// empty by the repair.
func RepairTranscript(msgs []providers.Message) []providers.Message {
	out := make([]providers.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role != providers.RoleTool {
			out = append(out, m)
			continue
		}
		known := knownToolCallIDs(out, len(out))
		kept := m
		kept.Parts = nil
		for _, p := range m.Parts {
			if p.Type == providers.PartToolResult || p.Type == providers.PartErrorText {
				if p.ToolCallID != "" && !known[p.ToolCallID] {
					continue
				}
			}
			kept.Parts = append(kept.Parts, p)
		}
		if len(kept.Parts) == 0 {
			continue
		}
		out = append(out, kept)
	}
	return out
}

// EstimateTokens approximates the token footprint of a message list with the
// chars/4 heuristic over all rendered content.
func EstimateTokens(msgs []providers.Message) int {
	chars := 0
	for _, m := range msgs {
		chars += renderedChars(m)
	}
	return (chars + 3) / 4
}

// renderedChars counts the characters a message contributes to the prompt,
// with a small per-part overhead for structure.
func renderedChars(m providers.Message) int {
	const partOverhead = 8
	chars := 0
	for _, p := range m.Parts {
		chars += len(p.Text) + len(p.Output) + len(p.Args) + len(p.ToolName) + len(p.URL) + partOverhead
	}
	return chars
}
