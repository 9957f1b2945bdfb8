package agent

import (
	"log/slog"
	"regexp"
	"strings"
)

// NoReplySentinel is the token a session prompt may instruct the model to emit
// when no user-visible reply is warranted. The relay suppresses such outputs.
const NoReplySentinel = "NO_REPLY"

// SanitizeAssistantText cleans assistant response text before it reaches a
// surface: leaked reasoning tags, garbled tool-call XML some models emit as
// plain text, echoed wrapper tags, and stuttered duplicate paragraphs.
func SanitizeAssistantText(text string) string {
	if text == "" {
		return text
	}
	original := text

	text = stripGarbledToolXML(text)
	text = stripReasoningTags(text)
	text = stripWrapperTags(text)
	text = collapseDuplicateBlocks(text)
	text = strings.TrimLeft(text, "\r\n")
	text = strings.TrimSpace(text)

	if text != original {
		slog.Debug("sanitized assistant text", "original_len", len(original), "cleaned_len", len(text))
	}
	return text
}

// Tool-call XML artifacts leaked into text content by some models.
var garbledToolXMLPattern = regexp.MustCompile(
	`(?s)</?(?:function_calls?|invoke|tool_call|tool_use|parameter)[^>]*>`)

var garbledToolXMLHints = []string{"<function_call", "<tool_call", "<tool_use", "<parameter name=", "</parameter"}

func stripGarbledToolXML(text string) string {
	lower := strings.ToLower(text)
	hit := false
	for _, h := range garbledToolXMLHints {
		if strings.Contains(lower, h) {
			hit = true
			break
		}
	}
	if !hit {
		return text
	}
	cleaned := strings.TrimSpace(garbledToolXMLPattern.ReplaceAllString(text, ""))
	slog.Warn("stripped tool call markup from response text", "original_len", len(text), "cleaned_len", len(cleaned))
	return cleaned
}

// Reasoning tag pairs; no backreferences in Go regexp, so one pattern each.
var reasoningTagPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<think>.*?</think>`),
	regexp.MustCompile(`(?is)<thinking>.*?</thinking>`),
	regexp.MustCompile(`(?is)<thought>.*?</thought>`),
}

func stripReasoningTags(text string) string {
	lower := strings.ToLower(text)
	if !strings.Contains(lower, "<think") && !strings.Contains(lower, "<thought") {
		return text
	}
	for _, pat := range reasoningTagPatterns {
		text = pat.ReplaceAllString(text, "")
	}
	return strings.TrimSpace(text)
}

// Wrapper tags whose content should be kept but the tags removed.
var wrapperTagPattern = regexp.MustCompile(`(?i)<\s*/?\s*(?:final|response|answer)\s*>`)

func stripWrapperTags(text string) string {
	lower := strings.ToLower(text)
	if !strings.Contains(lower, "final") && !strings.Contains(lower, "response") && !strings.Contains(lower, "answer") {
		return text
	}
	return wrapperTagPattern.ReplaceAllString(text, "")
}

// collapseDuplicateBlocks drops a paragraph when it repeats the previous one
// verbatim, a failure mode of retried streams.
func collapseDuplicateBlocks(text string) string {
	blocks := strings.Split(text, "\n\n")
	if len(blocks) <= 1 {
		return text
	}
	var kept []string
	for _, block := range blocks {
		trimmed := strings.TrimSpace(block)
		if trimmed == "" {
			continue
		}
		if len(kept) > 0 && trimmed == strings.TrimSpace(kept[len(kept)-1]) {
			continue
		}
		kept = append(kept, block)
	}
	return strings.Join(kept, "\n\n")
}

// IsSilentReply reports whether text is a NO_REPLY token: exact, or the token
// at either end separated from the rest by a non-word character.
func IsSilentReply(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	if trimmed == NoReplySentinel {
		return true
	}
	if rest, ok := strings.CutPrefix(trimmed, NoReplySentinel); ok {
		if rest == "" || !isWordChar(rune(rest[0])) {
			return true
		}
	}
	if before, ok := strings.CutSuffix(trimmed, NoReplySentinel); ok {
		if before == "" || !isWordChar(rune(before[len(before)-1])) {
			return true
		}
	}
	return false
}

func isWordChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_'
}
