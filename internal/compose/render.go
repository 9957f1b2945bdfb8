package compose

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/courier/internal/channels"
	"github.com/nextlevelbuilder/courier/internal/providers"
)

// transcriptExpansionMaxAge suppresses fork-from-snapshot expansion for stale
// assistant chunks in burst mode.
const transcriptExpansionMaxAge = time.Hour

// render turns selected messages into model messages: merge into chunks,
// fetch reactions, strip the leading bot mention and apply the user-text
// transform on the anchored chunk, expand bot chunks from stored transcripts,
// and resolve attachments.
func (c *Composer) render(ctx context.Context, msgs []channels.Message, anchorID string, chainMode bool) ([]providers.Message, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	channelID := msgs[0].ChannelID
	chunks := MergeWindow(msgs, c.cfg.MergeWindow)
	reactions := c.fetchReactions(ctx, channelID, chunks)

	var anchorTS time.Time
	for _, m := range msgs {
		if m.MessageID == anchorID {
			anchorTS = m.TS
		}
	}

	ab := newAttachmentBuilder(c.surface)
	var out []providers.Message
	for _, ch := range chunks {
		if ch.Bot {
			out = append(out, c.renderBotChunk(ctx, ch, anchorTS, chainMode)...)
			continue
		}
		out = append(out, c.renderUserChunk(ctx, ch, anchorID, reactions[lastID(ch)], ab))
	}
	return out, nil
}

func lastID(ch Chunk) string {
	if len(ch.MessageIDs) == 0 {
		return ""
	}
	return ch.MessageIDs[len(ch.MessageIDs)-1]
}

func (c *Composer) renderUserChunk(ctx context.Context, ch Chunk, anchorID string, reactions []string, ab *attachmentBuilder) providers.Message {
	var bodies []string
	for _, t := range ch.Texts {
		if strings.TrimSpace(t) != "" {
			bodies = append(bodies, t)
		}
	}
	body := strings.Join(bodies, "\n\n")

	if anchorID != "" && ch.Contains(anchorID) {
		body = c.stripLeadingBotMention(body)
		if c.cfg.TransformUserText != nil {
			body = c.cfg.TransformUserText(body)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[discord user_id=%s user_name=%s", ch.AuthorID, sanitizeName(ch.AuthorName))
	if alias, ok := c.cfg.Aliases[ch.AuthorID]; ok {
		fmt.Fprintf(&b, " user_alias=%s", sanitizeName(alias))
	}
	fmt.Fprintf(&b, " message_id=%s", lastID(ch))
	if len(reactions) > 0 {
		fmt.Fprintf(&b, " reactions=%s", strings.Join(reactions, ","))
	}
	b.WriteString("]")

	text := b.String()
	if body != "" {
		text += "\n" + body
	}

	msg := providers.Message{Role: providers.RoleUser, Parts: []providers.Part{{
		Type: providers.PartText,
		Text: text,
	}}}
	msg.Parts = append(msg.Parts, ab.parts(ctx, ch.Attachments)...)
	return msg
}

// renderBotChunk renders the bot's own messages as assistant context. When a
// stored transcript snapshot maps back to one of the chunk's surface messages,
// the snapshot's model messages replace the chunk (fork from stored
// transcript), unless the chunk is too old relative to the anchor in burst
// mode.
func (c *Composer) renderBotChunk(ctx context.Context, ch Chunk, anchorTS time.Time, chainMode bool) []providers.Message {
	expandable := c.cfg.ExpandBotMessage != nil
	if expandable && !chainMode && !anchorTS.IsZero() && anchorTS.Sub(ch.LastTS) > transcriptExpansionMaxAge {
		expandable = false
	}
	if expandable {
		for _, id := range ch.MessageIDs {
			if msgs, ok := c.cfg.ExpandBotMessage(ctx, id); ok && len(msgs) > 0 {
				return providers.CloneMessages(msgs)
			}
		}
	}

	var bodies []string
	for _, t := range ch.Texts {
		if strings.TrimSpace(t) != "" {
			bodies = append(bodies, t)
		}
	}
	if len(bodies) == 0 {
		return nil
	}
	return []providers.Message{providers.AssistantText(strings.Join(bodies, "\n\n"))}
}

// fetchReactions resolves reactions for each user chunk's last message with
// bounded concurrency. Best-effort: failures yield no reactions.
func (c *Composer) fetchReactions(ctx context.Context, channelID string, chunks []Chunk) map[string][]string {
	type result struct {
		id    string
		names []string
	}

	var ids []string
	for _, ch := range chunks {
		if !ch.Bot {
			if id := lastID(ch); id != "" {
				ids = append(ids, id)
			}
		}
	}
	if len(ids) == 0 {
		return nil
	}

	sem := make(chan struct{}, c.cfg.ReactionConcurrency)
	results := make(chan result, len(ids))
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			names, err := c.surface.Reactions(ctx, channelID, id)
			if err != nil {
				return
			}
			results <- result{id: id, names: names}
		}(id)
	}
	wg.Wait()
	close(results)

	out := make(map[string][]string)
	for r := range results {
		if len(r.names) > 0 {
			out[r.id] = r.names
		}
	}
	return out
}

// stripLeadingBotMention removes one leading <@botId>, <@!botId> or @botName
// from text.
func (c *Composer) stripLeadingBotMention(text string) string {
	botID := c.surface.BotUserID()
	if botID != "" {
		pat := regexp.MustCompile(`^\s*<@!?` + regexp.QuoteMeta(botID) + `>\s*`)
		if loc := pat.FindStringIndex(text); loc != nil {
			return text[loc[1]:]
		}
	}
	if c.cfg.BotName != "" {
		pat := regexp.MustCompile(`^\s*@` + regexp.QuoteMeta(c.cfg.BotName) + `\b\s*`)
		if loc := pat.FindStringIndex(text); loc != nil {
			return text[loc[1]:]
		}
	}
	return text
}

// sanitizeName makes a display name safe for attribution headers.
var nameSanitizer = regexp.MustCompile(`[\s\[\]]+`)

func sanitizeName(name string) string {
	out := nameSanitizer.ReplaceAllString(strings.TrimSpace(name), "_")
	return strings.Trim(out, "_")
}
