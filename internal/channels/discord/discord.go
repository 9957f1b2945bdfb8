// Package discord connects the gateway to Discord via the Bot API.
//
// Inbound gateway events become adapter.message.created bus events carrying
// the Discord-specific raw envelope the router classifies on. The read and
// send primitives back composition and the output relay.
package discord

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/courier/internal/bus"
	"github.com/nextlevelbuilder/courier/internal/channels"
	"github.com/nextlevelbuilder/courier/internal/config"
	"github.com/nextlevelbuilder/courier/internal/sessions"
)

const downloadTimeout = 30 * time.Second

// Surface is the Discord adapter.
type Surface struct {
	session *discordgo.Session
	cfg     config.DiscordConfig
	bus     bus.Bus
	client  *http.Client
	limiter *channels.SendLimiter

	botUserID string // populated on connect, read-only afterwards
}

// New creates a Discord surface from config.
func New(cfg config.DiscordConfig, b bus.Bus) (*Surface, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord token not configured")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentsMessageContent

	return &Surface{
		session: session,
		cfg:     cfg,
		bus:     b,
		client:  &http.Client{Timeout: downloadTimeout},
		limiter: channels.NewSendLimiter(),
	}, nil
}

// Name returns the platform identifier.
func (s *Surface) Name() string { return sessions.PlatformDiscord }

// BotUserID returns the connected bot's user id.
func (s *Surface) BotUserID() string { return s.botUserID }

// Run opens the gateway connection and publishes adapter events until ctx ends.
func (s *Surface) Run(ctx context.Context) error {
	s.session.AddHandler(s.onMessageCreate)

	if err := s.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	me, err := s.session.User("@me")
	if err != nil {
		s.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	s.botUserID = me.ID
	slog.Info("discord connected", "username", me.Username, "id", me.ID)

	<-ctx.Done()
	return s.session.Close()
}

// Close tears the gateway connection down.
func (s *Surface) Close() error { return s.session.Close() }

// onMessageCreate publishes one inbound message as an adapter event.
func (s *Surface) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == s.botUserID || m.Author.Bot {
		return
	}
	if !s.cfg.ChannelAllowed(m.ChannelID) {
		return
	}

	raw := &bus.RawDiscord{
		IsDMBased:       m.GuildID == "",
		MentionsBot:     s.mentionsBot(m.Message),
		BotUserID:       s.botUserID,
		ParentChannelID: s.parentChannelID(m.ChannelID),
	}
	if ref := m.MessageReference; ref != nil {
		raw.ReplyToMessageID = ref.MessageID
	}
	if rm := m.ReferencedMessage; rm != nil && rm.Author != nil {
		raw.ReplyToBot = rm.Author.ID == s.botUserID
	}
	for _, att := range m.Attachments {
		raw.Attachments = append(raw.Attachments, bus.Attachment{
			URL:         att.URL,
			Filename:    att.Filename,
			ContentType: att.ContentType,
			Size:        int64(att.Size),
		})
	}
	if !isChatType(m.Type) {
		f := false
		raw.IsChat = &f
	}

	ev := bus.AdapterMessage{
		Platform:  sessions.PlatformDiscord,
		ChannelID: m.ChannelID,
		MessageID: m.ID,
		UserID:    m.Author.ID,
		UserName:  displayName(m),
		Text:      m.Content,
		TS:        m.Timestamp,
		Raw:       bus.RawEnvelope{Discord: raw},
	}
	if ref := m.MessageReference; ref != nil {
		ev.Raw.Reference = &bus.MessageReference{MessageID: ref.MessageID, ChannelID: ref.ChannelID}
	}

	err := bus.PublishEvent(context.Background(), s.bus, bus.TopicAdapter, bus.TypeAdapterMessageCreated, nil, ev)
	if err != nil {
		slog.Error("adapter event publish failed", "message_id", m.ID, "error", err)
	}
}

func (s *Surface) mentionsBot(m *discordgo.Message) bool {
	for _, u := range m.Mentions {
		if u.ID == s.botUserID {
			return true
		}
	}
	if s.cfg.BotName != "" && strings.Contains(m.Content, "@"+s.cfg.BotName) {
		return true
	}
	return false
}

// parentChannelID resolves a thread's parent channel, when the channel is a
// thread known to the state cache. Best-effort.
func (s *Surface) parentChannelID(channelID string) string {
	ch, err := s.session.State.Channel(channelID)
	if err != nil || ch == nil {
		return ""
	}
	if ch.IsThread() {
		return ch.ParentID
	}
	return ""
}

// Message reads one message.
func (s *Surface) Message(ctx context.Context, channelID, messageID string) (*channels.Message, error) {
	m, err := s.session.ChannelMessage(channelID, messageID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("read discord message %s: %w", messageID, err)
	}
	out := s.convert(m)
	return &out, nil
}

// RecentMessages reads up to limit recent messages, oldest first.
func (s *Surface) RecentMessages(ctx context.Context, channelID string, limit int) ([]channels.Message, error) {
	msgs, err := s.session.ChannelMessages(channelID, limit, "", "", "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("list discord messages: %w", err)
	}
	// Discord returns newest first.
	out := make([]channels.Message, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		out = append(out, s.convert(msgs[i]))
	}
	return out, nil
}

// Reactions lists reaction emoji names on a message.
func (s *Surface) Reactions(ctx context.Context, channelID, messageID string) ([]string, error) {
	m, err := s.session.ChannelMessage(channelID, messageID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("read discord reactions: %w", err)
	}
	var out []string
	for _, r := range m.Reactions {
		if r.Emoji != nil {
			out = append(out, r.Emoji.Name)
		}
	}
	return out, nil
}

// SendText posts text, optionally as a reply.
func (s *Surface) SendText(ctx context.Context, channelID, text string, opts channels.SendOptions) (string, error) {
	if err := s.limiter.Wait(ctx, channelID); err != nil {
		return "", err
	}
	send := &discordgo.MessageSend{Content: text}
	if opts.ReplyTo != "" {
		send.Reference = &discordgo.MessageReference{MessageID: opts.ReplyTo, ChannelID: channelID}
	}
	m, err := s.session.ChannelMessageSendComplex(channelID, send, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("send discord message: %w", err)
	}
	return m.ID, nil
}

// SendFile posts a binary attachment.
func (s *Surface) SendFile(ctx context.Context, channelID, filename string, data []byte, opts channels.SendOptions) (string, error) {
	if err := s.limiter.Wait(ctx, channelID); err != nil {
		return "", err
	}
	send := &discordgo.MessageSend{
		Files: []*discordgo.File{{Name: filename, Reader: bytes.NewReader(data)}},
	}
	if opts.ReplyTo != "" {
		send.Reference = &discordgo.MessageReference{MessageID: opts.ReplyTo, ChannelID: channelID}
	}
	m, err := s.session.ChannelMessageSendComplex(channelID, send, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("send discord file %s: %w", filename, err)
	}
	return m.ID, nil
}

// Download fetches an attachment URL, refusing anything over maxBytes.
func (s *Surface) Download(ctx context.Context, url string, maxBytes int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download attachment: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download attachment: status %d", resp.StatusCode)
	}
	if resp.ContentLength > maxBytes {
		return nil, fmt.Errorf("attachment exceeds %d bytes", maxBytes)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read attachment body: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("attachment exceeds %d bytes", maxBytes)
	}
	return data, nil
}

// Typing signals the typing indicator. Discord expires it after about 10s;
// callers refresh while work continues.
func (s *Surface) Typing(ctx context.Context, channelID string) {
	if err := s.session.ChannelTyping(channelID, discordgo.WithContext(ctx)); err != nil {
		slog.Debug("discord typing failed", "channel_id", channelID, "error", err)
	}
}

// convert maps a Discord message into the surface message shape.
func (s *Surface) convert(m *discordgo.Message) channels.Message {
	out := channels.Message{
		Platform:  sessions.PlatformDiscord,
		ChannelID: m.ChannelID,
		MessageID: m.ID,
		Text:      m.Content,
		TS:        m.Timestamp,
		IsChat:    isChatType(m.Type),
	}
	if m.Author != nil {
		out.AuthorID = m.Author.ID
		out.AuthorName = m.Author.Username
		out.Bot = m.Author.Bot || m.Author.ID == s.botUserID
		if m.Author.GlobalName != "" {
			out.AuthorName = m.Author.GlobalName
		}
	}
	if ref := m.MessageReference; ref != nil {
		out.ReplyToMessageID = ref.MessageID
	}
	for _, att := range m.Attachments {
		out.Attachments = append(out.Attachments, channels.Attachment{
			URL:         att.URL,
			Filename:    att.Filename,
			ContentType: att.ContentType,
			Size:        int64(att.Size),
		})
	}
	return out
}

// isChatType reports whether a message type is real chat content rather than
// a platform notification (joins, pins, boosts).
func isChatType(t discordgo.MessageType) bool {
	return t == discordgo.MessageTypeDefault || t == discordgo.MessageTypeReply
}

// displayName picks the best author name: server nickname, then global
// display name, then username.
func displayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}
