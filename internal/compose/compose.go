// Package compose turns surface triggers into ordered model message lists.
//
// Three selection strategies feed one pipeline: reply-chain walking, mention
// threads, and recent-channel windows with active-burst trimming. Selected
// messages are merged into author chunks, rendered with attribution headers,
// and attachments are resolved into content parts.
package compose

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/nextlevelbuilder/courier/internal/channels"
	"github.com/nextlevelbuilder/courier/internal/providers"
)

// Trigger types, mirrored from the router's classification.
const (
	TriggerMention = "mention"
	TriggerReply   = "reply"
	TriggerActive  = "active"
	TriggerDM      = "dm"
)

// Config tunes composition.
type Config struct {
	BotName string

	MaxDepth    int           // reply-chain bound, default 20
	MergeWindow time.Duration // same-author fold window, default 7m
	BurstMaxAge time.Duration // active-burst age cutoff, default 3h
	BurstMaxGap time.Duration // active-burst silence cutoff, default 2h
	RecentLimit int           // recent-view fetch size, default 50

	// Aliases maps platform user ids to configured entity aliases.
	Aliases map[string]string

	// TransformUserText rewrites the chunk containing the anchored message
	// (directive stripping). Nil leaves text untouched.
	TransformUserText func(string) string

	// ExpandBotMessage maps a bot surface message id back to stored model
	// messages; when it hits, those replace the assistant chunk.
	ExpandBotMessage func(ctx context.Context, messageID string) ([]providers.Message, bool)

	ReactionConcurrency int // default 8
}

// Composer builds model message lists from surface state.
type Composer struct {
	surface channels.Surface
	cfg     Config
}

// New creates a Composer with defaults filled in.
func New(surface channels.Surface, cfg Config) *Composer {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 20
	}
	if cfg.MergeWindow <= 0 {
		cfg.MergeWindow = 7 * time.Minute
	}
	if cfg.BurstMaxAge <= 0 {
		cfg.BurstMaxAge = 3 * time.Hour
	}
	if cfg.BurstMaxGap <= 0 {
		cfg.BurstMaxGap = 2 * time.Hour
	}
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = 50
	}
	if cfg.ReactionConcurrency <= 0 {
		cfg.ReactionConcurrency = 8
	}
	return &Composer{surface: surface, cfg: cfg}
}

// FromReplyChain walks reference links backward from trigger and renders the
// thread oldest to newest. Dividers do not cut a chain (an explicit reply
// re-opens the thread) but divider messages themselves are dropped.
func (c *Composer) FromReplyChain(ctx context.Context, trigger channels.Message) ([]providers.Message, error) {
	chain := []channels.Message{trigger}
	cur := trigger
	for depth := 0; depth < c.cfg.MaxDepth; depth++ {
		if cur.ReplyToMessageID == "" {
			break
		}
		parent, err := c.surface.Message(ctx, cur.ChannelID, cur.ReplyToMessageID)
		if err != nil || parent == nil {
			// Missing parent ends the chain; adapter reads are best-effort.
			if err != nil {
				slog.Debug("reply chain parent unavailable", "message_id", cur.ReplyToMessageID, "error", err)
			}
			break
		}
		if parent.ChannelID != trigger.ChannelID {
			break
		}
		chain = append(chain, *parent)
		cur = *parent
	}

	// Walked newest to oldest; flip.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	chain = filterForContext(chain, false)
	return c.render(ctx, chain, trigger.MessageID, true)
}

// FromMentionThread composes for a mention: a reply chain when the mention is
// itself a reply, otherwise the recent channel window anchored at the mention.
func (c *Composer) FromMentionThread(ctx context.Context, trigger channels.Message) ([]providers.Message, error) {
	if trigger.ReplyToMessageID != "" {
		return c.FromReplyChain(ctx, trigger)
	}
	return c.RecentChannelMessages(ctx, trigger.ChannelID, 0, &trigger, TriggerMention)
}

// RecentChannelMessages composes from the channel's recent window. anchor is
// the trigger message when there is one; triggerType selects burst trimming
// (applied for everything except explicit replies). limit bounds the selected
// message count; zero means the internal recent-view default.
func (c *Composer) RecentChannelMessages(ctx context.Context, channelID string, limit int, anchor *channels.Message, triggerType string) ([]providers.Message, error) {
	fetch := c.cfg.RecentLimit
	if limit > fetch {
		fetch = limit
	}
	msgs, err := c.surface.RecentMessages(ctx, channelID, fetch)
	if err != nil {
		return nil, err
	}
	if anchor != nil && !containsMessage(msgs, anchor.MessageID) {
		msgs = append(msgs, *anchor)
	}
	sortByTimestamp(msgs)

	msgs = cutAtLastDivider(msgs, anchor)
	msgs = filterForContext(msgs, true)

	if triggerType != TriggerReply {
		msgs = c.trimToActiveBurst(msgs, anchor)
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	anchorID := ""
	if anchor != nil {
		anchorID = anchor.MessageID
	}
	return c.render(ctx, msgs, anchorID, false)
}

// trimToActiveBurst keeps the trailing burst around the anchor: walk backward
// and stop when age from the anchor exceeds BurstMaxAge or the silence gap
// between adjacent messages exceeds BurstMaxGap. The gap-crossing message is
// excluded.
func (c *Composer) trimToActiveBurst(msgs []channels.Message, anchor *channels.Message) []channels.Message {
	if len(msgs) == 0 {
		return msgs
	}
	anchorIdx := len(msgs) - 1
	if anchor != nil {
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].MessageID == anchor.MessageID {
				anchorIdx = i
				break
			}
		}
	}
	anchorTS := msgs[anchorIdx].TS

	start := anchorIdx
	for i := anchorIdx - 1; i >= 0; i-- {
		if anchorTS.Sub(msgs[i].TS) > c.cfg.BurstMaxAge {
			break
		}
		if msgs[i+1].TS.Sub(msgs[i].TS) > c.cfg.BurstMaxGap {
			break
		}
		start = i
	}
	return msgs[start : anchorIdx+1]
}

// filterForContext drops divider markers and, when strict, non-chat platform
// notifications.
func filterForContext(msgs []channels.Message, strict bool) []channels.Message {
	out := msgs[:0:0]
	for _, m := range msgs {
		if IsSessionDivider(m) {
			continue
		}
		if strict && !m.IsChat {
			continue
		}
		out = append(out, m)
	}
	return out
}

// cutAtLastDivider drops everything at or before the last session divider
// that occurs before the anchor (or before the end when there is no anchor).
func cutAtLastDivider(msgs []channels.Message, anchor *channels.Message) []channels.Message {
	end := len(msgs)
	if anchor != nil {
		for i, m := range msgs {
			if m.MessageID == anchor.MessageID {
				end = i
				break
			}
		}
	}
	cut := -1
	for i := 0; i < end; i++ {
		if IsSessionDivider(msgs[i]) {
			cut = i
		}
	}
	if cut == -1 {
		return msgs
	}
	return msgs[cut+1:]
}

// Session divider markers: a bot message whose text, stripped of rule
// decoration, matches one of these.
var dividerMarkers = map[string]bool{
	"new session":      true,
	"new conversation": true,
	"session reset":    true,
}

// IsSessionDivider reports whether m is a session divider marker message.
func IsSessionDivider(m channels.Message) bool {
	if !m.Bot {
		return false
	}
	t := strings.ToLower(strings.TrimSpace(m.Text))
	t = strings.Trim(t, "-–—=~* \t")
	t = strings.TrimSpace(t)
	return dividerMarkers[t]
}

// sortByTimestamp orders by (ts, snowflake id): timestamp first, numeric id
// as the tiebreak so same-second messages keep platform order.
func sortByTimestamp(msgs []channels.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].TS.Equal(msgs[j].TS) {
			return msgs[i].TS.Before(msgs[j].TS)
		}
		return snowflakeLess(msgs[i].MessageID, msgs[j].MessageID)
	})
}

// snowflakeLess compares decimal snowflake ids numerically via length-first
// lexical order, avoiding 64-bit parses.
func snowflakeLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

func containsMessage(msgs []channels.Message, id string) bool {
	for _, m := range msgs {
		if m.MessageID == id {
			return true
		}
	}
	return false
}
