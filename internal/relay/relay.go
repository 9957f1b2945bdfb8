// Package relay drives surface output for running requests.
//
// The runner signals request.reply when a request starts; the relay then
// subscribes to the per-request output topic, keeps a typing indicator alive
// while deltas flow, and posts the final text (and any binary artifacts) back
// to the surface, anchored as a reply to the triggering message. Reanchor
// commands from the router move that anchor while the request runs.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/courier/internal/agent"
	"github.com/nextlevelbuilder/courier/internal/bus"
	"github.com/nextlevelbuilder/courier/internal/channels"
	"github.com/nextlevelbuilder/courier/internal/config"
	"github.com/nextlevelbuilder/courier/internal/sessions"
)

// Discord caps message bodies at 2000 characters.
const maxSurfaceTextLen = 2000

// typingInterval is how often the typing indicator is refreshed while output
// events keep arriving.
const typingInterval = 8 * time.Second

// terminalGrace bounds how long a stream outlives its terminal lifecycle
// event, covering cross-topic delivery skew between the final text and the
// lifecycle transition.
const terminalGrace = 30 * time.Second

// Config wires a Relay.
type Config struct {
	Bus      bus.Bus
	Surface  channels.Surface
	Reloader *config.Reloader
}

// Relay owns the per-request output streams.
type Relay struct {
	bus      bus.Bus
	surface  channels.Surface
	reloader *config.Reloader

	mu      sync.Mutex
	streams map[string]*stream
}

// stream is the relay state for one running request.
type stream struct {
	relay     *Relay
	requestID string
	sessionID string
	channelID string

	sub bus.Subscription

	mu         sync.Mutex
	replyTo    string
	partial    strings.Builder
	lastTyping time.Time
	idleTimer  *time.Timer
	graceTimer *time.Timer
	done       bool
}

// New creates a Relay.
func New(cfg Config) *Relay {
	return &Relay{
		bus:      cfg.Bus,
		surface:  cfg.Surface,
		reloader: cfg.Reloader,
		streams:  make(map[string]*stream),
	}
}

// Start subscribes the relay to the request and surface-command topics.
func (r *Relay) Start(ctx context.Context) error {
	if _, err := r.bus.Subscribe(bus.TopicRequest, r.handleRequestEvent); err != nil {
		return fmt.Errorf("subscribe %s: %w", bus.TopicRequest, err)
	}
	if _, err := r.bus.Subscribe(bus.TopicCmdSurface, r.handleReanchor); err != nil {
		return fmt.Errorf("subscribe %s: %w", bus.TopicCmdSurface, err)
	}
	return nil
}

// handleRequestEvent opens a stream on request.reply and schedules teardown
// on terminal lifecycle transitions.
func (r *Relay) handleRequestEvent(ctx context.Context, env *bus.Envelope) error {
	switch env.Type {
	case bus.TypeRequestReply:
		h, err := bus.RequestHeaderValues(env)
		if err != nil {
			return err
		}
		r.openStream(h)
	case bus.TypeRequestLifecycle:
		h, err := bus.RequestHeaderValues(env)
		if err != nil {
			return err
		}
		var lc bus.RequestLifecycle
		if err := env.Decode(&lc); err != nil {
			slog.Warn("undecodable lifecycle event", "request_id", h.RequestID, "error", err)
			return nil
		}
		if lc.State.Terminal() {
			r.scheduleStop(h.RequestID)
		}
	}
	return nil
}

func (r *Relay) openStream(h bus.Headers) {
	_, channelID, ok := sessions.Split(h.SessionID)
	if !ok {
		slog.Warn("unparseable session id", "session_id", h.SessionID)
		return
	}

	s := &stream{
		relay:     r,
		requestID: h.RequestID,
		sessionID: h.SessionID,
		channelID: channelID,
		replyTo:   anchorMessageID(h.RequestID, h.SessionID),
	}

	r.mu.Lock()
	if _, exists := r.streams[h.RequestID]; exists {
		r.mu.Unlock()
		return
	}
	r.streams[h.RequestID] = s
	r.mu.Unlock()

	sub, err := r.bus.Subscribe(bus.OutputTopic(h.RequestID), s.handleOutput)
	if err != nil {
		slog.Error("output subscribe failed", "request_id", h.RequestID, "error", err)
		r.removeStream(h.RequestID)
		return
	}
	s.sub = sub
	s.resetIdle(r.reloader.Current().Agent.RelayIdleTimeout())
}

// anchorMessageID recovers the trigger message id from an anchored request id
// (session key plus message id). Gate-forwarded ids have no anchor.
func anchorMessageID(requestID, sessionID string) string {
	if rest, ok := strings.CutPrefix(requestID, sessionID+":"); ok && rest != "" {
		return rest
	}
	return ""
}

func (r *Relay) scheduleStop(requestID string) {
	r.mu.Lock()
	s := r.streams[requestID]
	r.mu.Unlock()
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.graceTimer == nil {
		s.graceTimer = time.AfterFunc(terminalGrace, func() { s.stop("request finished") })
	}
}

func (r *Relay) removeStream(requestID string) {
	r.mu.Lock()
	delete(r.streams, requestID)
	r.mu.Unlock()
}

// handleReanchor moves a stream's reply anchor on router command.
func (r *Relay) handleReanchor(ctx context.Context, env *bus.Envelope) error {
	if env.Type != bus.TypeSurfaceReanchor {
		return nil
	}
	h, err := bus.RequestHeaderValues(env)
	if err != nil {
		return err
	}
	var cmd bus.ReanchorCommand
	if err := env.Decode(&cmd); err != nil {
		slog.Warn("undecodable reanchor command", "request_id", h.RequestID, "error", err)
		return nil
	}

	r.mu.Lock()
	s := r.streams[h.RequestID]
	r.mu.Unlock()
	if s == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cmd.ReplyTo != nil {
		s.replyTo = cmd.ReplyTo.MessageID
	}
	// InheritReplyTo keeps the existing anchor.
	return nil
}

// handleOutput consumes one per-request output event.
func (s *stream) handleOutput(ctx context.Context, env *bus.Envelope) error {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	s.resetIdle(s.relay.reloader.Current().Agent.RelayIdleTimeout())

	switch env.Type {
	case bus.TypeOutputDeltaText:
		var delta bus.OutputTextDelta
		if err := env.Decode(&delta); err != nil {
			slog.Warn("undecodable output delta", "request_id", s.requestID, "error", err)
			return nil
		}
		s.onDelta(ctx, delta.Text)
	case bus.TypeOutputToolCall:
		s.typing(ctx)
	case bus.TypeOutputResponseText:
		var out bus.OutputResponseText
		if err := env.Decode(&out); err != nil {
			slog.Warn("undecodable final text", "request_id", s.requestID, "error", err)
			return nil
		}
		s.postFinal(ctx, out.Text)
	case bus.TypeOutputResponseBinary:
		var out bus.OutputResponseBinary
		if err := env.Decode(&out); err != nil {
			slog.Warn("undecodable binary output", "request_id", s.requestID, "error", err)
			return nil
		}
		s.postBinary(ctx, out.Attachments)
	}
	return nil
}

// onDelta accumulates streamed text and keeps typing alive, unless the reply
// still looks like it may be the silent sentinel.
func (s *stream) onDelta(ctx context.Context, text string) {
	s.mu.Lock()
	s.partial.WriteString(text)
	head := s.partial.String()
	s.mu.Unlock()

	if couldBeSilent(head) {
		return
	}
	s.typing(ctx)
}

// couldBeSilent reports whether the streamed head may still turn into a
// NO_REPLY reply, in which case the relay stays quiet.
func couldBeSilent(head string) bool {
	head = strings.TrimSpace(head)
	if len(head) <= len(agent.NoReplySentinel) {
		return strings.HasPrefix(agent.NoReplySentinel, head)
	}
	return strings.HasPrefix(head, agent.NoReplySentinel)
}

func (s *stream) typing(ctx context.Context) {
	s.mu.Lock()
	due := time.Since(s.lastTyping) >= typingInterval
	if due {
		s.lastTyping = time.Now()
	}
	s.mu.Unlock()
	if due {
		s.relay.surface.Typing(ctx, s.channelID)
	}
}

// postFinal posts the final assistant text, split to the surface limit, and
// publishes a surface.output.message.created event per posted message.
func (s *stream) postFinal(ctx context.Context, text string) {
	defer s.stop("final text delivered")

	if agent.IsSilentReply(text) {
		slog.Debug("silent reply suppressed", "request_id", s.requestID)
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	s.mu.Lock()
	replyTo := s.replyTo
	s.mu.Unlock()

	for _, chunk := range splitText(text, maxSurfaceTextLen) {
		msgID, err := s.relay.surface.SendText(ctx, s.channelID, chunk, channels.SendOptions{ReplyTo: replyTo})
		if err != nil {
			slog.Error("surface send failed", "request_id", s.requestID, "error", err)
			return
		}
		// Only the first chunk replies to the trigger.
		replyTo = ""
		s.publishOutputCreated(ctx, msgID)
	}
}

func (s *stream) postBinary(ctx context.Context, atts []bus.OutputAttachment) {
	for _, att := range atts {
		if len(att.Data) == 0 {
			continue
		}
		name := att.Name
		if name == "" {
			name = "attachment"
		}
		msgID, err := s.relay.surface.SendFile(ctx, s.channelID, name, att.Data, channels.SendOptions{})
		if err != nil {
			slog.Error("surface file send failed", "request_id", s.requestID, "name", name, "error", err)
			continue
		}
		s.publishOutputCreated(ctx, msgID)
	}
}

func (s *stream) publishOutputCreated(ctx context.Context, messageID string) {
	ev := bus.SurfaceOutputCreated{MsgRef: bus.MsgRef{
		Platform:  sessions.PlatformDiscord,
		ChannelID: s.channelID,
		MessageID: messageID,
	}}
	headers := bus.RequestHeaders(s.requestID, s.sessionID, sessions.PlatformDiscord)
	if err := bus.PublishEvent(ctx, s.relay.bus, bus.TopicSurface, bus.TypeSurfaceOutputCreated, headers, ev); err != nil {
		slog.Warn("surface output event publish failed", "request_id", s.requestID, "error", err)
	}
}

func (s *stream) resetIdle(timeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = time.AfterFunc(timeout, func() {
		slog.Warn("output stream idle, aborting relay", "request_id", s.requestID)
		s.stop("idle timeout")
	})
}

// stop tears the stream down; further output events are ignored.
func (s *stream) stop(reason string) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	if s.graceTimer != nil {
		s.graceTimer.Stop()
	}
	s.mu.Unlock()

	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	s.relay.removeStream(s.requestID)
	slog.Debug("output stream closed", "request_id", s.requestID, "reason", reason)
}

// splitText cuts text into chunks of at most limit runes, preferring newline
// boundaries and falling back to hard cuts.
func splitText(text string, limit int) []string {
	var out []string
	for len(text) > limit {
		cut := strings.LastIndex(text[:limit], "\n")
		if cut < limit/2 {
			cut = limit
		}
		out = append(out, strings.TrimRight(text[:cut], "\n"))
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}
