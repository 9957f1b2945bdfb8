package router

import (
	"regexp"
	"strings"
)

// Directives parsed from the head of a trigger message, after the optional
// leading bot mention.
type directives struct {
	interrupt     bool
	modelOverride string
}

var (
	mentionIDRe    = regexp.MustCompile(`^<@!?(\d+)>[\s:,]*`)
	interruptRe    = regexp.MustCompile(`(?i)^!(interrupt|int)\b[:,]?\s*`)
	modelRe        = regexp.MustCompile(`^!m:(\S+)\s*`)
	otherMentionRe = regexp.MustCompile(`<@!?(\d+)>`)
)

// stripLeadingMention removes one leading bot mention, either the raw
// <@id> form or a plain @botName.
func stripLeadingMention(text, botUserID, botName string) string {
	t := strings.TrimSpace(text)
	if m := mentionIDRe.FindStringSubmatch(t); m != nil && m[1] == botUserID {
		return strings.TrimSpace(t[len(m[0]):])
	}
	if botName != "" {
		prefix := "@" + botName
		if strings.HasPrefix(t, prefix) {
			rest := t[len(prefix):]
			if rest == "" || rest[0] == ' ' || rest[0] == ':' || rest[0] == ',' {
				return strings.TrimSpace(strings.TrimLeft(rest, " :,"))
			}
		}
	}
	return t
}

// extractDirectives consumes !interrupt/!int and !m:<spec> tokens from the
// head of mention-stripped text. rest is the text with directives removed.
func extractDirectives(text string) (d directives, rest string) {
	t := strings.TrimSpace(text)
	for {
		if m := interruptRe.FindString(t); m != "" && !d.interrupt {
			d.interrupt = true
			t = strings.TrimSpace(t[len(m):])
			continue
		}
		if m := modelRe.FindStringSubmatch(t); m != nil && d.modelOverride == "" {
			d.modelOverride = m[1]
			t = strings.TrimSpace(t[len(m[0]):])
			continue
		}
		return d, t
	}
}

// mentionsOtherUser reports whether text mentions any user other than the bot.
func mentionsOtherUser(text, botUserID string) bool {
	for _, m := range otherMentionRe.FindAllStringSubmatch(text, -1) {
		if m[1] != botUserID {
			return true
		}
	}
	return false
}
