package bus

import (
	"time"

	"github.com/nextlevelbuilder/courier/internal/providers"
)

// MsgRef identifies one surface message.
type MsgRef struct {
	Platform  string `json:"platform"`
	ChannelID string `json:"channelId"`
	MessageID string `json:"messageId"`
}

// Attachment is a surface attachment reference (CDN-hosted).
type Attachment struct {
	URL         string `json:"url"`
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// RawDiscord is the Discord-specific slice of the adapter raw envelope.
// Optional fields stay pointers only where absence differs from false.
type RawDiscord struct {
	IsDMBased            bool         `json:"isDMBased,omitempty"`
	MentionsBot          bool         `json:"mentionsBot,omitempty"`
	ReplyToBot           bool         `json:"replyToBot,omitempty"`
	ReplyToMessageID     string       `json:"replyToMessageId,omitempty"`
	ParentChannelID      string       `json:"parentChannelId,omitempty"`
	SessionModelOverride string       `json:"sessionModelOverride,omitempty"`
	BotUserID            string       `json:"botUserId,omitempty"`
	Attachments          []Attachment `json:"attachments,omitempty"`
	IsChat               *bool        `json:"isChat,omitempty"`
}

// Chat reports whether the message is a real chat message (vs. a platform or
// system notification). Absent means chat.
func (r *RawDiscord) Chat() bool {
	return r == nil || r.IsChat == nil || *r.IsChat
}

// MessageReference is a reply link to a prior message.
type MessageReference struct {
	MessageID string `json:"messageId"`
	ChannelID string `json:"channelId,omitempty"`
}

// RawEnvelope is the tagged per-platform raw blob on adapter events.
type RawEnvelope struct {
	Discord   *RawDiscord       `json:"discord,omitempty"`
	Reference *MessageReference `json:"reference,omitempty"`
}

// AdapterMessage is the payload of adapter.message.created.
type AdapterMessage struct {
	Platform  string      `json:"platform"`
	ChannelID string      `json:"channelId"`
	MessageID string      `json:"messageId"`
	UserID    string      `json:"userId"`
	UserName  string      `json:"userName,omitempty"`
	Text      string      `json:"text"`
	TS        time.Time   `json:"ts"`
	Raw       RawEnvelope `json:"raw"`
}

// SurfaceOutputCreated is the payload of surface.output.message.created.
type SurfaceOutputCreated struct {
	MsgRef MsgRef `json:"msgRef"`
}

// Lifecycle states of a request.
type LifecycleState string

const (
	StateQueued    LifecycleState = "queued"
	StateRunning   LifecycleState = "running"
	StateResolved  LifecycleState = "resolved"
	StateFailed    LifecycleState = "failed"
	StateCancelled LifecycleState = "cancelled"
)

// Terminal reports whether the state ends the request.
func (s LifecycleState) Terminal() bool {
	return s == StateResolved || s == StateFailed || s == StateCancelled
}

// RequestLifecycle is the payload of request.lifecycle.changed.
type RequestLifecycle struct {
	State  LifecycleState `json:"state"`
	Detail string         `json:"detail,omitempty"`
	TS     time.Time      `json:"ts"`
}

// QueueMode tells the runner how to apply a request message.
type QueueMode string

const (
	QueuePrompt    QueueMode = "prompt"
	QueueFollowUp  QueueMode = "followUp"
	QueueSteer     QueueMode = "steer"
	QueueInterrupt QueueMode = "interrupt"
)

// Trigger types recorded on request raw metadata.
const (
	TriggerMention = "mention"
	TriggerReply   = "reply"
	TriggerActive  = "active"
	TriggerDM      = "dm"
)

// RequestRaw is router-attached metadata on cmd.request messages.
type RequestRaw struct {
	TriggerType                string   `json:"triggerType,omitempty"`
	ChainMessageIDs            []string `json:"chainMessageIds,omitempty"`
	BufferedForActiveRequestID string   `json:"bufferedForActiveRequestId,omitempty"`
	SessionModelOverride       string   `json:"sessionModelOverride,omitempty"`
	ParentSessionID            string   `json:"parentSessionId,omitempty"`
	GateReason                 string   `json:"gateReason,omitempty"`
}

// RequestMessage is the payload of cmd.request request.message.
type RequestMessage struct {
	Queue         QueueMode           `json:"queue"`
	Messages      []providers.Message `json:"messages"`
	ModelOverride string              `json:"modelOverride,omitempty"`
	Raw           RequestRaw          `json:"raw,omitempty"`
}

// Reanchor modes.
const (
	ReanchorSteer     = "steer"
	ReanchorInterrupt = "interrupt"
)

// ReanchorCommand is the payload of cmd.surface surface.output.reanchor.
type ReanchorCommand struct {
	InheritReplyTo bool    `json:"inheritReplyTo"`
	ReplyTo        *MsgRef `json:"replyTo,omitempty"`
	Mode           string  `json:"mode"`
}

// OutputTextDelta is a streamed text fragment on the per-request output topic.
type OutputTextDelta struct {
	Text string `json:"text"`
}

// Tool execution phases on the output topic.
const (
	ToolPhaseStart  = "start"
	ToolPhaseUpdate = "update"
	ToolPhaseEnd    = "end"
)

// OutputToolCall reports tool execution status on the output topic.
type OutputToolCall struct {
	ToolName   string `json:"toolName"`
	ToolCallID string `json:"toolCallId"`
	Phase      string `json:"phase"`
	Detail     string `json:"detail,omitempty"`
	IsError    bool   `json:"isError,omitempty"`
}

// OutputResponseText is the final assistant text for a request.
type OutputResponseText struct {
	Text string `json:"text"`
}

// OutputAttachment is a binary artifact produced by a request.
type OutputAttachment struct {
	URL       string `json:"url,omitempty"`
	Name      string `json:"name,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	Data      []byte `json:"data,omitempty"`
}

// OutputResponseBinary carries final binary artifacts for a request.
type OutputResponseBinary struct {
	Attachments []OutputAttachment `json:"attachments"`
}
