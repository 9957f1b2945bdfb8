// Package channels provides the surface abstraction connecting chat platforms
// to the gateway. A surface publishes inbound adapter events on the bus and
// exposes read/send primitives for composition and output delivery.
package channels

import (
	"context"
	"time"
)

// Attachment is one file attached to a surface message.
type Attachment struct {
	URL         string
	Filename    string
	ContentType string
	Size        int64
}

// Message is one message as read from a surface.
type Message struct {
	Platform  string
	ChannelID string
	MessageID string

	AuthorID   string
	AuthorName string
	Bot        bool

	Text string
	TS   time.Time

	// ReplyToMessageID is the referenced message when this is a reply.
	ReplyToMessageID string

	// IsChat is false for platform or system notifications (joins, pins).
	IsChat bool

	Attachments []Attachment
}

// SendOptions shapes an outbound surface message.
type SendOptions struct {
	// ReplyTo, when set, posts the message as a reply.
	ReplyTo string
}

// Surface is a connected chat platform.
type Surface interface {
	// Name returns the platform identifier (e.g. "discord").
	Name() string

	// BotUserID returns the surface's own user id once connected.
	BotUserID() string

	// Run connects and blocks, publishing adapter events until ctx ends.
	Run(ctx context.Context) error

	// Message reads one message.
	Message(ctx context.Context, channelID, messageID string) (*Message, error)

	// RecentMessages reads up to limit recent messages, newest last.
	RecentMessages(ctx context.Context, channelID string, limit int) ([]Message, error)

	// Reactions lists reaction emoji names on a message. Best-effort.
	Reactions(ctx context.Context, channelID, messageID string) ([]string, error)

	// SendText posts text, returning the created message id.
	SendText(ctx context.Context, channelID, text string, opts SendOptions) (string, error)

	// SendFile posts a binary attachment.
	SendFile(ctx context.Context, channelID, filename string, data []byte, opts SendOptions) (string, error)

	// Download fetches an attachment URL, refusing anything over maxBytes.
	Download(ctx context.Context, url string, maxBytes int64) ([]byte, error)

	// Typing signals a typing indicator. Best-effort.
	Typing(ctx context.Context, channelID string)

	Close() error
}
