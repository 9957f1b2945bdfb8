// Package router maps surface events to routing decisions.
//
// It consumes adapter events, classifies each against the session mode and
// per-session active-request state, optionally consults the LLM gate, and
// publishes request commands with a queue mode. Lifecycle and surface-output
// subscriptions keep the active-request state and output chain current.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/courier/internal/bus"
	"github.com/nextlevelbuilder/courier/internal/channels"
	"github.com/nextlevelbuilder/courier/internal/compose"
	"github.com/nextlevelbuilder/courier/internal/config"
	"github.com/nextlevelbuilder/courier/internal/providers"
	"github.com/nextlevelbuilder/courier/internal/sessions"
)

// Config wires a Router.
type Config struct {
	Bus       bus.Bus
	Surface   channels.Surface
	Reloader  *config.Reloader
	Providers *providers.Registry

	// ExpandBotMessage maps a bot surface message id to stored model messages
	// (composition forks from the stored transcript when it hits).
	ExpandBotMessage func(ctx context.Context, messageID string) ([]providers.Message, bool)

	// Suppress, when set, is consulted first; true drops the event.
	Suppress func(*bus.AdapterMessage) bool
}

// Router routes adapter events into request commands.
type Router struct {
	bus      bus.Bus
	surface  channels.Surface
	reloader *config.Reloader
	gate     *gate
	expand   func(ctx context.Context, messageID string) ([]providers.Message, bool)
	suppress func(*bus.AdapterMessage) bool
	dedupe   *dedupeCache

	mu      sync.Mutex
	active  map[string]*activeState
	buffers map[string]*debounceBuffer
	pending map[string][]bus.AdapterMessage
}

// activeState tracks the running request of a session and the ids of the bot
// messages it has produced so far (the active output chain).
type activeState struct {
	requestID string
	outputIDs map[string]bool
}

type debounceBuffer struct {
	messages []bus.AdapterMessage
	timer    *time.Timer
}

// New creates a Router.
func New(cfg Config) *Router {
	return &Router{
		bus:      cfg.Bus,
		surface:  cfg.Surface,
		reloader: cfg.Reloader,
		gate:     &gate{providers: cfg.Providers},
		expand:   cfg.ExpandBotMessage,
		suppress: cfg.Suppress,
		dedupe:   newDedupeCache(),
		active:   make(map[string]*activeState),
		buffers:  make(map[string]*debounceBuffer),
		pending:  make(map[string][]bus.AdapterMessage),
	}
}

// Start subscribes the router to the event topics through one subscription.
// A single ordered dispatch loop guarantees surface-output bookkeeping lands
// before later adapter events for the same session are classified.
func (r *Router) Start(ctx context.Context) error {
	if _, err := r.bus.Subscribe(bus.TopicEvents, r.handleEvent); err != nil {
		return fmt.Errorf("subscribe %s: %w", bus.TopicEvents, err)
	}
	return nil
}

// handleEvent fans one bus event to its per-type handler.
func (r *Router) handleEvent(ctx context.Context, env *bus.Envelope) error {
	switch env.Type {
	case bus.TypeAdapterMessageCreated:
		return r.handleAdapter(ctx, env)
	case bus.TypeRequestLifecycle:
		return r.handleLifecycle(ctx, env)
	case bus.TypeSurfaceOutputCreated:
		return r.handleSurfaceOutput(ctx, env)
	}
	return nil
}

// Routing decisions.
type decision int

const (
	decideSkip decision = iota
	decideStartPrompt
	decideQueuePrompt
	decideSteer
	decideInterrupt
	decideFollowUp
	decideBuffer
	decidePendingBatch
)

// trigger is the classified shape of one adapter event.
type trigger struct {
	isDM          bool
	mode          string
	mention       bool
	replyToBot    bool
	replyToActive bool
	hasActive     bool
	interrupt     bool
}

// classify applies the routing decision table.
func classify(tr trigger) decision {
	steerOrInterrupt := decideSteer
	if tr.interrupt {
		steerOrInterrupt = decideInterrupt
	}

	if tr.mode == config.ModeActive || tr.isDM {
		switch {
		case tr.mention:
			if tr.hasActive {
				return steerOrInterrupt
			}
			return decideStartPrompt
		case tr.replyToActive:
			if tr.hasActive {
				return decideFollowUp
			}
			return decideStartPrompt
		case tr.replyToBot:
			if tr.hasActive {
				return decideQueuePrompt
			}
			return decideStartPrompt
		default:
			if tr.hasActive {
				return decideFollowUp
			}
			if tr.isDM {
				return decideFollowUp
			}
			return decideBuffer
		}
	}

	// Mention mode: only mentions and bot replies are candidates.
	switch {
	case tr.mention:
		if !tr.hasActive {
			return decideStartPrompt
		}
		if tr.replyToActive {
			return steerOrInterrupt
		}
		return decideQueuePrompt
	case tr.replyToActive:
		return decidePendingBatch
	case tr.replyToBot:
		if tr.hasActive {
			return decideQueuePrompt
		}
		return decideStartPrompt
	default:
		return decideSkip
	}
}

// handleAdapter routes one adapter event. Logic errors ack; only undecodable
// envelopes would refuse, and adapter events carry no required headers.
func (r *Router) handleAdapter(ctx context.Context, env *bus.Envelope) error {
	if env.Type != bus.TypeAdapterMessageCreated {
		return nil
	}
	var msg bus.AdapterMessage
	if err := env.Decode(&msg); err != nil {
		slog.Error("undecodable adapter event", "error", err)
		return nil
	}
	if r.suppress != nil && r.suppress(&msg) {
		return nil
	}
	if !r.dedupe.firstSeen(&msg) {
		slog.Debug("duplicate adapter event dropped", "message_id", msg.MessageID)
		return nil
	}
	raw := msg.Raw.Discord
	if raw != nil && raw.BotUserID != "" && msg.UserID == raw.BotUserID {
		return nil
	}
	if !raw.Chat() {
		return nil
	}

	cfg := r.reloader.ReloadIfNeeded()
	if !cfg.Surface.Discord.ChannelAllowed(msg.ChannelID) {
		return nil
	}
	r.route(ctx, cfg, msg)
	return nil
}

func (r *Router) route(ctx context.Context, cfg *config.Config, msg bus.AdapterMessage) {
	raw := msg.Raw.Discord
	sessionID := sessions.Key(msg.Platform, msg.ChannelID)
	parentSession := ""
	if raw != nil && raw.ParentChannelID != "" {
		parentSession = sessions.Key(msg.Platform, raw.ParentChannelID)
	}

	isDM := raw != nil && raw.IsDMBased
	mode := cfg.SessionMode(sessionID, parentSession)

	mention := raw != nil && raw.MentionsBot
	replyToID := ""
	replyToBot := false
	botID := ""
	if raw != nil {
		replyToID = raw.ReplyToMessageID
		replyToBot = raw.ReplyToBot
		botID = raw.BotUserID
	}
	if replyToID == "" && msg.Raw.Reference != nil {
		replyToID = msg.Raw.Reference.MessageID
	}

	r.mu.Lock()
	act := r.active[sessionID]
	hasActive := act != nil
	activeRequestID := ""
	replyToActive := false
	if hasActive {
		activeRequestID = act.requestID
		replyToActive = act.outputIDs[replyToID]
	}
	r.mu.Unlock()

	stripped := stripLeadingMention(msg.Text, botID, cfg.Surface.Discord.BotName)
	d, directiveText := extractDirectives(stripped)

	// A reply to the bot that @-mentions someone else may reference the bot's
	// answer rather than address the bot. Ask the gate; fail open on error.
	if replyToBot && !mention && mentionsOtherUser(msg.Text, botID) &&
		cfg.SessionGateEnabled(sessionID, parentSession) {
		verdict, err := r.gate.check(ctx, cfg.Surface.Router.ActiveGate.Timeout(),
			gateDirectReply, msg.UserName+": "+msg.Text)
		if err != nil {
			slog.Warn("direct-reply gate failed open", "session_id", sessionID, "error", err)
		} else if !verdict.Forward {
			slog.Debug("direct-reply gate skipped message",
				"session_id", sessionID, "reason", verdict.Reason)
			return
		}
	}

	dec := classify(trigger{
		isDM:          isDM,
		mode:          mode,
		mention:       mention,
		replyToBot:    replyToBot,
		replyToActive: replyToActive,
		hasActive:     hasActive,
		interrupt:     d.interrupt,
	})

	// Any trigger other than plain buffering pre-empts an open debounce buffer.
	if dec != decideBuffer {
		r.discardBuffer(sessionID)
	}

	switch dec {
	case decideSkip:
	case decideBuffer:
		r.bufferMessage(cfg, sessionID, msg)
	case decideStartPrompt, decideQueuePrompt:
		r.publishPrompt(ctx, cfg, msg, promptSpec{
			sessionID:     sessionID,
			parentSession: parentSession,
			mention:       mention,
			isDM:          isDM,
			mode:          mode,
			modelOverride: d.modelOverride,
			setActive:     dec == decideStartPrompt,
		})
	case decideSteer, decideInterrupt:
		r.steerActive(ctx, sessionID, activeRequestID, msg, directiveText,
			dec == decideInterrupt, replyToActive, mode)
	case decideFollowUp:
		r.publishFollowUp(ctx, cfg, sessionID, parentSession, activeRequestID, msg, d.modelOverride)
	case decidePendingBatch:
		r.mu.Lock()
		r.pending[sessionID] = append(r.pending[sessionID], msg)
		r.mu.Unlock()
	}
}

type promptSpec struct {
	sessionID     string
	parentSession string
	mention       bool
	isDM          bool
	mode          string
	modelOverride string
	setActive     bool
}

// publishPrompt composes and publishes a new prompt request anchored at msg.
func (r *Router) publishPrompt(ctx context.Context, cfg *config.Config, msg bus.AdapterMessage, spec promptSpec) {
	trig := surfaceMessage(msg)
	comp := r.composer(cfg)

	triggerType := bus.TriggerActive
	switch {
	case spec.isDM:
		triggerType = bus.TriggerDM
	case trig.ReplyToMessageID != "":
		triggerType = bus.TriggerReply
	case spec.mention:
		triggerType = bus.TriggerMention
	}

	// An explicit reply anywhere in the trigger's merge block upgrades a
	// non-reply mention to a reply-anchored chain.
	if spec.mention && trig.ReplyToMessageID == "" && (spec.mode == config.ModeActive || spec.isDM) {
		if anchor := r.mergeBlockReplyAnchor(ctx, trig); anchor != "" {
			trig.ReplyToMessageID = anchor
			triggerType = bus.TriggerReply
		}
	}

	var msgs []providers.Message
	var err error
	switch {
	case trig.ReplyToMessageID != "":
		msgs, err = comp.FromReplyChain(ctx, trig)
	case spec.mention:
		msgs, err = comp.FromMentionThread(ctx, trig)
	default:
		msgs, err = comp.RecentChannelMessages(ctx, msg.ChannelID, 0, &trig, triggerType)
	}
	if err != nil || len(msgs) == 0 {
		if err != nil {
			slog.Warn("composition failed, using bare trigger", "session_id", spec.sessionID, "error", err)
		}
		msgs = []providers.Message{providers.UserText(msg.Text)}
	}

	requestID := sessions.AnchoredRequestID(spec.sessionID, msg.MessageID)
	raw := bus.RequestRaw{
		TriggerType:     triggerType,
		ChainMessageIDs: []string{msg.MessageID},
		ParentSessionID: spec.parentSession,
	}
	if d := msg.Raw.Discord; d != nil {
		raw.SessionModelOverride = d.SessionModelOverride
	}

	if spec.setActive {
		r.setActive(spec.sessionID, requestID)
	}
	r.publishRequest(ctx, requestID, spec.sessionID, bus.RequestMessage{
		Queue:         bus.QueuePrompt,
		Messages:      msgs,
		ModelOverride: spec.modelOverride,
		Raw:           raw,
	})
}

// steerActive sends a steer or interrupt at the running request and reanchors
// the relay output.
func (r *Router) steerActive(ctx context.Context, sessionID, activeRequestID string, msg bus.AdapterMessage, text string, interrupt, replyToActive bool, mode string) {
	queue := bus.QueueSteer
	reanchorMode := bus.ReanchorSteer
	if interrupt {
		queue = bus.QueueInterrupt
		reanchorMode = bus.ReanchorInterrupt
	}
	if text == "" {
		// A bare mention or bare directive: the command tokens are stripped
		// from model text, so stand in a neutral instruction instead.
		if interrupt {
			text = "Stop the current task."
		} else {
			text = "Check the recent messages in this channel."
		}
	}

	// A non-reply mention steer inherits the previous reply anchor and starts
	// a fresh output chain; a reply steer reanchors to the steering message.
	cmd := bus.ReanchorCommand{InheritReplyTo: true, Mode: reanchorMode}
	if replyToActive {
		cmd = bus.ReanchorCommand{
			ReplyTo: &bus.MsgRef{Platform: msg.Platform, ChannelID: msg.ChannelID, MessageID: msg.MessageID},
			Mode:    reanchorMode,
		}
	} else {
		r.clearOutputChain(sessionID)
	}

	// In mention mode a steering reply releases the buffered non-mention
	// replies as follow-ups so they reach the same run.
	var batch []bus.AdapterMessage
	if mode == config.ModeMention {
		r.mu.Lock()
		batch = r.pending[sessionID]
		delete(r.pending, sessionID)
		r.mu.Unlock()
	}

	headers := bus.RequestHeaders(activeRequestID, sessionID, msg.Platform)
	if err := bus.PublishEvent(ctx, r.bus, bus.TopicCmdSurface, bus.TypeSurfaceReanchor, headers, cmd); err != nil {
		slog.Warn("reanchor publish failed", "request_id", activeRequestID, "error", err)
	}
	r.publishRequest(ctx, activeRequestID, sessionID, bus.RequestMessage{
		Queue:    queue,
		Messages: []providers.Message{providers.UserText(text)},
	})
	for _, b := range batch {
		r.publishRequest(ctx, activeRequestID, sessionID, bus.RequestMessage{
			Queue:    bus.QueueFollowUp,
			Messages: []providers.Message{providers.UserText(b.Text)},
		})
	}
}

// publishFollowUp folds a plain message into the running request, or starts a
// fresh request when the session is idle (DM case).
func (r *Router) publishFollowUp(ctx context.Context, cfg *config.Config, sessionID, parentSession, activeRequestID string, msg bus.AdapterMessage, modelOverride string) {
	requestID := activeRequestID
	if requestID == "" {
		requestID = sessions.AnchoredRequestID(sessionID, msg.MessageID)
	}

	trig := surfaceMessage(msg)
	msgs, err := r.composer(cfg).FromReplyChain(ctx, trig)
	if err != nil || len(msgs) == 0 {
		msgs = []providers.Message{providers.UserText(msg.Text)}
	}

	raw := bus.RequestRaw{TriggerType: bus.TriggerDM, ParentSessionID: parentSession}
	if d := msg.Raw.Discord; d != nil {
		raw.SessionModelOverride = d.SessionModelOverride
	}
	r.publishRequest(ctx, requestID, sessionID, bus.RequestMessage{
		Queue:         bus.QueueFollowUp,
		Messages:      msgs,
		ModelOverride: modelOverride,
		Raw:           raw,
	})
}

// bufferMessage opens or extends the session's debounce buffer.
func (r *Router) bufferMessage(cfg *config.Config, sessionID string, msg bus.AdapterMessage) {
	debounce := cfg.Surface.Router.ActiveDebounce()

	r.mu.Lock()
	defer r.mu.Unlock()
	buf := r.buffers[sessionID]
	if buf == nil {
		buf = &debounceBuffer{}
		r.buffers[sessionID] = buf
	}
	buf.messages = append(buf.messages, msg)
	if buf.timer != nil {
		buf.timer.Stop()
	}
	buf.timer = time.AfterFunc(debounce, func() { r.flushBuffer(sessionID) })
}

func (r *Router) discardBuffer(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if buf := r.buffers[sessionID]; buf != nil {
		if buf.timer != nil {
			buf.timer.Stop()
		}
		delete(r.buffers, sessionID)
	}
}

// flushBuffer runs when the debounce timer fires: gate the batch and start a
// prompt anchored at the newest buffered message on forward.
func (r *Router) flushBuffer(sessionID string) {
	ctx := context.Background()

	r.mu.Lock()
	buf := r.buffers[sessionID]
	delete(r.buffers, sessionID)
	r.mu.Unlock()
	if buf == nil || len(buf.messages) == 0 {
		return
	}

	cfg := r.reloader.ReloadIfNeeded()
	newest := buf.messages[len(buf.messages)-1]
	parentSession := ""
	if d := newest.Raw.Discord; d != nil && d.ParentChannelID != "" {
		parentSession = sessions.Key(newest.Platform, d.ParentChannelID)
	}

	gateReason := ""
	if cfg.SessionGateEnabled(sessionID, parentSession) {
		entries := make([]gateEntry, 0, len(buf.messages))
		for _, m := range buf.messages {
			entries = append(entries, gateEntry{author: m.UserName, text: m.Text})
		}
		verdict, err := r.gate.check(ctx, cfg.Surface.Router.ActiveGate.Timeout(),
			gateActiveBatch, renderGateBatch(entries))
		if err != nil {
			// Active-batch gating fails closed.
			slog.Warn("active-batch gate failed closed", "session_id", sessionID, "error", err)
			return
		}
		if !verdict.Forward {
			slog.Debug("active-batch gate skipped burst", "session_id", sessionID, "reason", verdict.Reason)
			return
		}
		gateReason = verdict.Reason
	}

	trig := surfaceMessage(newest)
	msgs, err := r.composer(cfg).RecentChannelMessages(ctx, newest.ChannelID, 8, &trig, bus.TriggerActive)
	if err != nil || len(msgs) == 0 {
		if err != nil {
			slog.Warn("burst composition failed, using bare trigger", "session_id", sessionID, "error", err)
		}
		msgs = []providers.Message{providers.UserText(newest.Text)}
	}

	raw := bus.RequestRaw{
		TriggerType:     bus.TriggerActive,
		ParentSessionID: parentSession,
		GateReason:      gateReason,
	}

	// A request may have started while the burst was debouncing. Queue the
	// flush behind it instead of stealing its active output chain.
	r.mu.Lock()
	act := r.active[sessionID]
	r.mu.Unlock()

	var requestID string
	if act != nil {
		requestID = sessions.QueuedBehindRequestID(act.requestID)
		raw.BufferedForActiveRequestID = act.requestID
	} else {
		requestID = sessions.GateRequestID()
		r.setActive(sessionID, requestID)
	}
	r.publishRequest(ctx, requestID, sessionID, bus.RequestMessage{
		Queue:    bus.QueuePrompt,
		Messages: msgs,
		Raw:      raw,
	})
}

// handleLifecycle tracks request state transitions. Terminal states free the
// session and flush the pending mention-reply batch as a new prompt.
func (r *Router) handleLifecycle(ctx context.Context, env *bus.Envelope) error {
	if env.Type != bus.TypeRequestLifecycle {
		return nil
	}
	h, err := bus.RequestHeaderValues(env)
	if err != nil {
		return err
	}
	var lc bus.RequestLifecycle
	if err := env.Decode(&lc); err != nil {
		slog.Warn("undecodable lifecycle event", "request_id", h.RequestID, "error", err)
		return nil
	}

	switch {
	case lc.State == bus.StateRunning:
		r.setActive(h.SessionID, h.RequestID)
	case lc.State.Terminal():
		var batch []bus.AdapterMessage
		r.mu.Lock()
		if act := r.active[h.SessionID]; act != nil && act.requestID == h.RequestID {
			delete(r.active, h.SessionID)
			batch = r.pending[h.SessionID]
			delete(r.pending, h.SessionID)
		}
		r.mu.Unlock()
		if len(batch) > 0 {
			r.flushPendingAsPrompt(ctx, h.SessionID, batch)
		}
	}
	return nil
}

// flushPendingAsPrompt re-composes buffered mention-replies into one prompt
// once the request they replied to has finished.
func (r *Router) flushPendingAsPrompt(ctx context.Context, sessionID string, batch []bus.AdapterMessage) {
	cfg := r.reloader.ReloadIfNeeded()
	newest := batch[len(batch)-1]
	trig := surfaceMessage(newest)

	msgs, err := r.composer(cfg).RecentChannelMessages(ctx, newest.ChannelID, 0, &trig, bus.TriggerReply)
	if err != nil || len(msgs) == 0 {
		msgs = []providers.Message{providers.UserText(newest.Text)}
	}

	requestID := sessions.AnchoredRequestID(sessionID, newest.MessageID)
	r.setActive(sessionID, requestID)
	r.publishRequest(ctx, requestID, sessionID, bus.RequestMessage{
		Queue:    bus.QueuePrompt,
		Messages: msgs,
		Raw:      bus.RequestRaw{TriggerType: bus.TriggerReply, ChainMessageIDs: messageIDs(batch)},
	})
}

// handleSurfaceOutput accumulates the active output chain.
func (r *Router) handleSurfaceOutput(ctx context.Context, env *bus.Envelope) error {
	if env.Type != bus.TypeSurfaceOutputCreated {
		return nil
	}
	requestID, err := env.Header(bus.HeaderRequestID)
	if err != nil {
		return err
	}
	sessionID, err := env.Header(bus.HeaderSessionID)
	if err != nil {
		return err
	}
	var ev bus.SurfaceOutputCreated
	if err := env.Decode(&ev); err != nil {
		slog.Warn("undecodable surface output event", "request_id", requestID, "error", err)
		return nil
	}

	r.mu.Lock()
	if act := r.active[sessionID]; act != nil && act.requestID == requestID {
		act.outputIDs[ev.MsgRef.MessageID] = true
	}
	r.mu.Unlock()
	return nil
}

func (r *Router) setActive(sessionID, requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if act := r.active[sessionID]; act != nil && act.requestID == requestID {
		return
	}
	r.active[sessionID] = &activeState{requestID: requestID, outputIDs: make(map[string]bool)}
}

func (r *Router) clearOutputChain(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if act := r.active[sessionID]; act != nil {
		act.outputIDs = make(map[string]bool)
	}
}

func (r *Router) publishRequest(ctx context.Context, requestID, sessionID string, req bus.RequestMessage) {
	headers := bus.RequestHeaders(requestID, sessionID, sessions.PlatformDiscord)
	if err := bus.PublishEvent(ctx, r.bus, bus.TopicCmdRequest, bus.TypeRequestMessage, headers, req); err != nil {
		slog.Error("request publish failed", "request_id", requestID, "queue", req.Queue, "error", err)
	}
}

// composer builds a Composer bound to the current config.
func (r *Router) composer(cfg *config.Config) *compose.Composer {
	aliases := make(map[string]string)
	for alias, u := range cfg.Entity.Users {
		if u.Discord != "" {
			aliases[u.Discord] = alias
		}
	}
	return compose.New(r.surface, compose.Config{
		BotName: cfg.Surface.Discord.BotName,
		Aliases: aliases,
		TransformUserText: func(s string) string {
			_, rest := extractDirectives(s)
			return rest
		},
		ExpandBotMessage: r.expand,
	})
}

// mergeBlockReplyAnchor scans the trigger author's merge block (same-author
// run with gaps within the merge window) for an explicit reply and returns
// that message's id, or empty when none exists.
func (r *Router) mergeBlockReplyAnchor(ctx context.Context, trig channels.Message) string {
	recent, err := r.surface.RecentMessages(ctx, trig.ChannelID, 25)
	if err != nil {
		return ""
	}

	last := trig
	anchor := ""
	for i := len(recent) - 1; i >= 0; i-- {
		m := recent[i]
		if m.MessageID == trig.MessageID || m.TS.After(trig.TS) {
			continue
		}
		if m.AuthorID != trig.AuthorID || last.TS.Sub(m.TS) > 7*time.Minute {
			break
		}
		if m.ReplyToMessageID != "" {
			anchor = m.MessageID
		}
		last = m
	}
	return anchor
}

// surfaceMessage converts an adapter event into the composition message shape.
func surfaceMessage(m bus.AdapterMessage) channels.Message {
	out := channels.Message{
		Platform:   m.Platform,
		ChannelID:  m.ChannelID,
		MessageID:  m.MessageID,
		AuthorID:   m.UserID,
		AuthorName: m.UserName,
		Text:       m.Text,
		TS:         m.TS,
		IsChat:     true,
	}
	if d := m.Raw.Discord; d != nil {
		out.ReplyToMessageID = d.ReplyToMessageID
		out.IsChat = d.Chat()
		for _, a := range d.Attachments {
			out.Attachments = append(out.Attachments, channels.Attachment{
				URL:         a.URL,
				Filename:    a.Filename,
				ContentType: a.ContentType,
				Size:        a.Size,
			})
		}
	}
	if out.ReplyToMessageID == "" && m.Raw.Reference != nil {
		out.ReplyToMessageID = m.Raw.Reference.MessageID
	}
	return out
}

func messageIDs(msgs []bus.AdapterMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.MessageID
	}
	return out
}
