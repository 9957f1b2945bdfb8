package discord

import (
	"testing"

	"github.com/bwmarrin/discordgo"
)

func TestIsChatType(t *testing.T) {
	tests := []struct {
		name string
		typ  discordgo.MessageType
		want bool
	}{
		{"default", discordgo.MessageTypeDefault, true},
		{"reply", discordgo.MessageTypeReply, true},
		{"pin notice", discordgo.MessageTypeChannelPinnedMessage, false},
		{"member join", discordgo.MessageTypeGuildMemberJoin, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isChatType(tt.typ); got != tt.want {
				t.Errorf("isChatType(%v) = %v, want %v", tt.typ, got, tt.want)
			}
		})
	}
}

func TestDisplayName(t *testing.T) {
	author := &discordgo.User{Username: "alice", GlobalName: "Alice A"}

	m := &discordgo.MessageCreate{Message: &discordgo.Message{
		Author: author,
		Member: &discordgo.Member{Nick: "ally"},
	}}
	if got := displayName(m); got != "ally" {
		t.Errorf("nick not preferred: %q", got)
	}

	m.Member = nil
	if got := displayName(m); got != "Alice A" {
		t.Errorf("global name not used: %q", got)
	}

	author.GlobalName = ""
	if got := displayName(m); got != "alice" {
		t.Errorf("username fallback failed: %q", got)
	}
}

func TestMentionsBot(t *testing.T) {
	s := &Surface{botUserID: "999"}
	s.cfg.BotName = "courier"

	direct := &discordgo.Message{Mentions: []*discordgo.User{{ID: "999"}}}
	if !s.mentionsBot(direct) {
		t.Error("direct mention missed")
	}

	byName := &discordgo.Message{Content: "hey @courier can you look"}
	if !s.mentionsBot(byName) {
		t.Error("name mention missed")
	}

	other := &discordgo.Message{Content: "hello", Mentions: []*discordgo.User{{ID: "111"}}}
	if s.mentionsBot(other) {
		t.Error("other-user mention flagged")
	}
}
