// Package sessions defines session and request identity.
//
// A session is one chat channel, keyed as:
//
//	{platform}:{channelId}        e.g. discord:1234567890
//
// Request IDs come in three shapes:
//
//	Reply/mention-anchored: discord:{channelId}:{triggerMessageId}
//	Gate-forwarded:         req:{uuid}
//	Buffered-behind:        queued:{activeRequestId}
package sessions

import (
	"strings"

	"github.com/google/uuid"
)

// PlatformDiscord is the only concrete surface platform today.
const PlatformDiscord = "discord"

// Key builds the canonical session key for a channel.
func Key(platform, channelID string) string {
	return platform + ":" + channelID
}

// Split parses a session key back into platform and channel ID.
func Split(sessionID string) (platform, channelID string, ok bool) {
	platform, channelID, ok = strings.Cut(sessionID, ":")
	return platform, channelID, ok && platform != "" && channelID != ""
}

// AnchoredRequestID builds the request ID for a reply/mention-anchored request.
// The session key already carries the platform prefix, so the result reads
// discord:{channelId}:{triggerMessageId}.
func AnchoredRequestID(sessionID, triggerMessageID string) string {
	return sessionID + ":" + triggerMessageID
}

// GateRequestID builds a fresh request ID for a gate-forwarded request.
func GateRequestID() string {
	return "req:" + uuid.NewString()
}

// QueuedBehindRequestID builds the request ID for a request buffered behind a
// running one.
func QueuedBehindRequestID(activeRequestID string) string {
	return "queued:" + activeRequestID
}
