package router

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/courier/internal/bus"
	"github.com/nextlevelbuilder/courier/internal/channels"
	"github.com/nextlevelbuilder/courier/internal/config"
	"github.com/nextlevelbuilder/courier/internal/providers"
)

const testBotID = "999"

// fakeSurface serves canned channel state for composition.
type fakeSurface struct {
	recent   map[string][]channels.Message
	messages map[string]channels.Message
}

func (f *fakeSurface) Name() string                  { return "discord" }
func (f *fakeSurface) BotUserID() string             { return testBotID }
func (f *fakeSurface) Run(ctx context.Context) error { return nil }
func (f *fakeSurface) Close() error                  { return nil }

func (f *fakeSurface) Message(ctx context.Context, channelID, messageID string) (*channels.Message, error) {
	if m, ok := f.messages[messageID]; ok {
		return &m, nil
	}
	return nil, nil
}

func (f *fakeSurface) RecentMessages(ctx context.Context, channelID string, limit int) ([]channels.Message, error) {
	return f.recent[channelID], nil
}

func (f *fakeSurface) Reactions(ctx context.Context, channelID, messageID string) ([]string, error) {
	return nil, nil
}

func (f *fakeSurface) SendText(ctx context.Context, channelID, text string, opts channels.SendOptions) (string, error) {
	return "", nil
}

func (f *fakeSurface) SendFile(ctx context.Context, channelID, filename string, data []byte, opts channels.SendOptions) (string, error) {
	return "", nil
}

func (f *fakeSurface) Download(ctx context.Context, url string, maxBytes int64) ([]byte, error) {
	return nil, fmt.Errorf("no files in fake surface")
}

func (f *fakeSurface) Typing(ctx context.Context, channelID string) {}

// jsonProvider answers every call with a fixed text (the gate verdict).
type jsonProvider struct {
	output string
	fail   error
}

func (p *jsonProvider) Name() string { return "fake" }

func (p *jsonProvider) Capability(model string) (providers.Capability, bool) {
	return providers.Capability{ContextLimit: 100000, OutputLimit: 4096}, true
}

func (p *jsonProvider) Stream(ctx context.Context, req providers.Request) (<-chan providers.StreamPart, error) {
	if p.fail != nil {
		return nil, p.fail
	}
	ch := make(chan providers.StreamPart, 4)
	ch <- providers.StreamPart{Type: providers.StreamTextDelta, Text: p.output}
	ch <- providers.StreamPart{Type: providers.StreamFinish, FinishReason: providers.FinishStop}
	close(ch)
	return ch, nil
}

type routerEnv struct {
	router   *Router
	bus      *bus.MemoryBus
	surface  *fakeSurface
	requests chan *bus.Envelope
	commands chan *bus.Envelope
}

func newRouterEnv(t *testing.T, cfg *config.Config, gateProvider providers.Provider) *routerEnv {
	t.Helper()

	reg := providers.NewRegistry()
	if gateProvider != nil {
		reg.Register(gateProvider)
		if err := reg.SetSlot("fast", "fake/gate-model"); err != nil {
			t.Fatal(err)
		}
	}

	mb := bus.NewMemoryBus()
	t.Cleanup(mb.Close)
	surface := &fakeSurface{
		recent:   make(map[string][]channels.Message),
		messages: make(map[string]channels.Message),
	}

	r := New(Config{
		Bus:       mb,
		Surface:   surface,
		Reloader:  config.Static(cfg),
		Providers: reg,
	})
	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	env := &routerEnv{
		router:   r,
		bus:      mb,
		surface:  surface,
		requests: make(chan *bus.Envelope, 32),
		commands: make(chan *bus.Envelope, 32),
	}
	collect := func(topic string, dst chan *bus.Envelope) {
		if _, err := mb.Subscribe(topic, func(ctx context.Context, ev *bus.Envelope) error {
			dst <- ev
			return nil
		}); err != nil {
			t.Fatal(err)
		}
	}
	collect(bus.TopicCmdRequest, env.requests)
	collect(bus.TopicCmdSurface, env.commands)
	return env
}

func (e *routerEnv) deliver(t *testing.T, msg bus.AdapterMessage) {
	t.Helper()
	ev, err := bus.NewEnvelope(bus.TypeAdapterMessageCreated, nil, msg)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.router.handleAdapter(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
}

func (e *routerEnv) nextRequest(t *testing.T) (*bus.Envelope, bus.RequestMessage) {
	t.Helper()
	select {
	case ev := <-e.requests:
		var req bus.RequestMessage
		if err := ev.Decode(&req); err != nil {
			t.Fatal(err)
		}
		return ev, req
	case <-time.After(2 * time.Second):
		t.Fatal("no request published")
		return nil, bus.RequestMessage{}
	}
}

func (e *routerEnv) expectNoRequest(t *testing.T) {
	t.Helper()
	select {
	case ev := <-e.requests:
		t.Fatalf("unexpected request published: %s", ev.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func adapterMsg(channelID, messageID, userID, text string, mod func(*bus.RawDiscord)) bus.AdapterMessage {
	raw := &bus.RawDiscord{BotUserID: testBotID}
	if mod != nil {
		mod(raw)
	}
	return bus.AdapterMessage{
		Platform:  "discord",
		ChannelID: channelID,
		MessageID: messageID,
		UserID:    userID,
		UserName:  "alice",
		Text:      text,
		TS:        time.Now().UTC(),
		Raw:       bus.RawEnvelope{Discord: raw},
	}
}

func mentionCfg() *config.Config {
	return &config.Config{}
}

func activeCfg(debounceMs int) *config.Config {
	return &config.Config{
		Surface: config.SurfaceConfig{
			Router: config.RouterConfig{
				DefaultMode:      config.ModeActive,
				ActiveDebounceMs: debounceMs,
			},
		},
	}
}

// TestClassifyDecisionTable covers the routing table rows.
func TestClassifyDecisionTable(t *testing.T) {
	tests := []struct {
		name string
		tr   trigger
		want decision
	}{
		{"active plain idle channel", trigger{mode: config.ModeActive}, decideBuffer},
		{"active plain idle dm", trigger{mode: config.ModeActive, isDM: true}, decideFollowUp},
		{"active plain with active", trigger{mode: config.ModeActive, hasActive: true}, decideFollowUp},
		{"active mention idle", trigger{mode: config.ModeActive, mention: true}, decideStartPrompt},
		{"active mention with active", trigger{mode: config.ModeActive, mention: true, hasActive: true}, decideSteer},
		{"active mention interrupt", trigger{mode: config.ModeActive, mention: true, hasActive: true, interrupt: true}, decideInterrupt},
		{"active reply to output", trigger{mode: config.ModeActive, replyToBot: true, replyToActive: true, hasActive: true}, decideFollowUp},
		{"active reply+mention to output", trigger{mode: config.ModeActive, mention: true, replyToBot: true, replyToActive: true, hasActive: true}, decideSteer},
		{"active reply to old bot msg", trigger{mode: config.ModeActive, replyToBot: true, hasActive: true}, decideQueuePrompt},
		{"active reply to old bot msg idle", trigger{mode: config.ModeActive, replyToBot: true}, decideStartPrompt},
		{"mention plain", trigger{mode: config.ModeMention}, decideSkip},
		{"mention plain with active", trigger{mode: config.ModeMention, hasActive: true}, decideSkip},
		{"mention mention idle", trigger{mode: config.ModeMention, mention: true}, decideStartPrompt},
		{"mention mention with active", trigger{mode: config.ModeMention, mention: true, hasActive: true}, decideQueuePrompt},
		{"mention reply+mention to output", trigger{mode: config.ModeMention, mention: true, replyToBot: true, replyToActive: true, hasActive: true}, decideSteer},
		{"mention reply to output no mention", trigger{mode: config.ModeMention, replyToBot: true, replyToActive: true, hasActive: true}, decidePendingBatch},
		{"mention reply to old bot msg idle", trigger{mode: config.ModeMention, replyToBot: true}, decideStartPrompt},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.tr); got != tt.want {
				t.Errorf("classify(%+v) = %d, want %d", tt.tr, got, tt.want)
			}
		})
	}
}

// TestMentionStartsAnchoredPrompt checks the happy-path mention trigger.
func TestMentionStartsAnchoredPrompt(t *testing.T) {
	env := newRouterEnv(t, mentionCfg(), nil)
	env.deliver(t, adapterMsg("chan1", "m1", "u1", "<@999> hello", func(r *bus.RawDiscord) {
		r.MentionsBot = true
	}))

	ev, req := env.nextRequest(t)
	id, _ := ev.Header(bus.HeaderRequestID)
	if id != "discord:chan1:m1" {
		t.Errorf("request id = %q", id)
	}
	if req.Queue != bus.QueuePrompt || req.Raw.TriggerType != bus.TriggerMention {
		t.Errorf("queue=%s trigger=%s", req.Queue, req.Raw.TriggerType)
	}
	if len(req.Messages) == 0 || !strings.Contains(req.Messages[len(req.Messages)-1].Text(), "hello") {
		t.Errorf("composed messages missing trigger text: %+v", req.Messages)
	}
}

// TestPlainMessageSkippedInMentionMode verifies mention mode ignores chatter.
func TestPlainMessageSkippedInMentionMode(t *testing.T) {
	env := newRouterEnv(t, mentionCfg(), nil)
	env.deliver(t, adapterMsg("chan1", "m1", "u1", "just chatting", nil))
	env.expectNoRequest(t)
}

// TestSelfMessageSkipped verifies the bot never routes its own messages.
func TestSelfMessageSkipped(t *testing.T) {
	env := newRouterEnv(t, mentionCfg(), nil)
	env.deliver(t, adapterMsg("chan1", "m1", testBotID, "<@999> echo", func(r *bus.RawDiscord) {
		r.MentionsBot = true
	}))
	env.expectNoRequest(t)
}

// TestActivePlainBuffersAndFlushes checks the debounce path without a gate.
func TestActivePlainBuffersAndFlushes(t *testing.T) {
	env := newRouterEnv(t, activeCfg(5), nil)
	env.deliver(t, adapterMsg("chan1", "m1", "u1", "first", nil))
	env.deliver(t, adapterMsg("chan1", "m2", "u1", "second", nil))

	ev, req := env.nextRequest(t)
	id, _ := ev.Header(bus.HeaderRequestID)
	if !strings.HasPrefix(id, "req:") {
		t.Errorf("gate-forwarded id = %q", id)
	}
	if req.Queue != bus.QueuePrompt || req.Raw.TriggerType != bus.TriggerActive {
		t.Errorf("queue=%s trigger=%s", req.Queue, req.Raw.TriggerType)
	}
	env.expectNoRequest(t)
}

// TestBufferPreemptedByMention verifies a mention discards the open buffer.
func TestBufferPreemptedByMention(t *testing.T) {
	env := newRouterEnv(t, activeCfg(200), nil)
	env.deliver(t, adapterMsg("chan1", "m1", "u1", "plain", nil))
	env.deliver(t, adapterMsg("chan1", "m2", "u1", "<@999> now answer", func(r *bus.RawDiscord) {
		r.MentionsBot = true
	}))

	ev, _ := env.nextRequest(t)
	id, _ := ev.Header(bus.HeaderRequestID)
	if id != "discord:chan1:m2" {
		t.Errorf("request id = %q", id)
	}
	// The discarded buffer must not flush later.
	time.Sleep(300 * time.Millisecond)
	env.expectNoRequest(t)
}

// TestActiveBatchGateForwardAndSkip drives the flush through the gate.
func TestActiveBatchGateForwardAndSkip(t *testing.T) {
	cfg := activeCfg(5)
	cfg.Surface.Router.ActiveGate = config.GateConfig{Enabled: true, TimeoutMs: 500}

	t.Run("forward", func(t *testing.T) {
		env := newRouterEnv(t, cfg, &jsonProvider{output: `{"forward": true, "reason": "question for the bot"}`})
		env.deliver(t, adapterMsg("chan1", "m1", "u1", "can the bot help?", nil))
		_, req := env.nextRequest(t)
		if req.Raw.GateReason != "question for the bot" {
			t.Errorf("gate reason = %q", req.Raw.GateReason)
		}
	})

	t.Run("skip", func(t *testing.T) {
		env := newRouterEnv(t, cfg, &jsonProvider{output: `{"forward": false}`})
		env.deliver(t, adapterMsg("chan1", "m1", "u1", "unrelated chatter", nil))
		env.expectNoRequest(t)
	})

	t.Run("error fails closed", func(t *testing.T) {
		env := newRouterEnv(t, cfg, &jsonProvider{fail: fmt.Errorf("gate down")})
		env.deliver(t, adapterMsg("chan1", "m1", "u1", "anything", nil))
		env.expectNoRequest(t)
	})
}

// TestDirectReplyGateFailsOpen: a gate error must not swallow a reply trigger.
func TestDirectReplyGateFailsOpen(t *testing.T) {
	cfg := mentionCfg()
	cfg.Surface.Router.ActiveGate = config.GateConfig{Enabled: true, TimeoutMs: 500}
	env := newRouterEnv(t, cfg, &jsonProvider{fail: fmt.Errorf("gate down")})

	env.deliver(t, adapterMsg("chan1", "m2", "u1", "<@111> look at this answer", func(r *bus.RawDiscord) {
		r.ReplyToBot = true
		r.ReplyToMessageID = "b1"
	}))
	_, req := env.nextRequest(t)
	if req.Queue != bus.QueuePrompt {
		t.Errorf("queue = %s", req.Queue)
	}
}

// TestSteerOnMentionWithActiveRequest verifies steer plus reanchor.
func TestSteerOnMentionWithActiveRequest(t *testing.T) {
	env := newRouterEnv(t, activeCfg(5), nil)
	env.router.setActive("discord:chan1", "req-active")

	env.deliver(t, adapterMsg("chan1", "m3", "u1", "<@999> actually do it in Go", func(r *bus.RawDiscord) {
		r.MentionsBot = true
	}))

	ev, req := env.nextRequest(t)
	id, _ := ev.Header(bus.HeaderRequestID)
	if id != "req-active" || req.Queue != bus.QueueSteer {
		t.Errorf("id=%q queue=%s", id, req.Queue)
	}
	if got := req.Messages[0].Text(); got != "actually do it in Go" {
		t.Errorf("steer text = %q", got)
	}

	select {
	case cmd := <-env.commands:
		var re bus.ReanchorCommand
		if err := cmd.Decode(&re); err != nil {
			t.Fatal(err)
		}
		if !re.InheritReplyTo || re.Mode != bus.ReanchorSteer {
			t.Errorf("reanchor = %+v", re)
		}
	case <-time.After(time.Second):
		t.Fatal("no reanchor command")
	}
}

// TestInterruptDirective routes !interrupt at the running request.
func TestInterruptDirective(t *testing.T) {
	env := newRouterEnv(t, activeCfg(5), nil)
	env.router.setActive("discord:chan1", "req-active")

	env.deliver(t, adapterMsg("chan1", "m3", "u1", "<@999> !interrupt stop, wrong file", func(r *bus.RawDiscord) {
		r.MentionsBot = true
	}))

	ev, req := env.nextRequest(t)
	id, _ := ev.Header(bus.HeaderRequestID)
	if id != "req-active" || req.Queue != bus.QueueInterrupt {
		t.Errorf("id=%q queue=%s", id, req.Queue)
	}
	if got := req.Messages[0].Text(); got != "stop, wrong file" {
		t.Errorf("interrupt text = %q", got)
	}
}

// TestReplyToActiveOutputBecomesFollowUp folds a plain reply into the run.
func TestReplyToActiveOutputBecomesFollowUp(t *testing.T) {
	env := newRouterEnv(t, activeCfg(5), nil)
	env.router.setActive("discord:chan1", "req-active")
	env.router.mu.Lock()
	env.router.active["discord:chan1"].outputIDs["bot-msg-1"] = true
	env.router.mu.Unlock()

	env.deliver(t, adapterMsg("chan1", "m4", "u1", "also add tests", func(r *bus.RawDiscord) {
		r.ReplyToBot = true
		r.ReplyToMessageID = "bot-msg-1"
	}))

	ev, req := env.nextRequest(t)
	id, _ := ev.Header(bus.HeaderRequestID)
	if id != "req-active" || req.Queue != bus.QueueFollowUp {
		t.Errorf("id=%q queue=%s", id, req.Queue)
	}
}

// TestReplyToOldBotMessageForksQueuedPrompt: replies outside the active
// output chain start their own queued request.
func TestReplyToOldBotMessageForksQueuedPrompt(t *testing.T) {
	env := newRouterEnv(t, activeCfg(5), nil)
	env.router.setActive("discord:chan1", "req-active")

	env.deliver(t, adapterMsg("chan1", "m5", "u1", "back to this older idea", func(r *bus.RawDiscord) {
		r.ReplyToBot = true
		r.ReplyToMessageID = "bot-old-1"
	}))

	ev, req := env.nextRequest(t)
	id, _ := ev.Header(bus.HeaderRequestID)
	if id != "discord:chan1:m5" || req.Queue != bus.QueuePrompt {
		t.Errorf("id=%q queue=%s", id, req.Queue)
	}
}

// TestPendingBatchFlushesOnTerminalLifecycle: mention-mode replies to the
// active output wait out the run and re-compose as one prompt.
func TestPendingBatchFlushesOnTerminalLifecycle(t *testing.T) {
	env := newRouterEnv(t, mentionCfg(), nil)
	env.router.setActive("discord:chan1", "req-active")
	env.router.mu.Lock()
	env.router.active["discord:chan1"].outputIDs["bot-msg-1"] = true
	env.router.mu.Unlock()

	env.deliver(t, adapterMsg("chan1", "m6", "u1", "one more thing", func(r *bus.RawDiscord) {
		r.ReplyToBot = true
		r.ReplyToMessageID = "bot-msg-1"
	}))
	env.expectNoRequest(t)

	lifecycle, err := bus.NewEnvelope(bus.TypeRequestLifecycle,
		bus.RequestHeaders("req-active", "discord:chan1", "discord"),
		bus.RequestLifecycle{State: bus.StateResolved, TS: time.Now().UTC()})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.router.handleLifecycle(context.Background(), lifecycle); err != nil {
		t.Fatal(err)
	}

	ev, req := env.nextRequest(t)
	id, _ := ev.Header(bus.HeaderRequestID)
	if id != "discord:chan1:m6" || req.Queue != bus.QueuePrompt {
		t.Errorf("id=%q queue=%s", id, req.Queue)
	}
}

// TestModelOverrideDirective strips !m: and carries the override.
func TestModelOverrideDirective(t *testing.T) {
	env := newRouterEnv(t, mentionCfg(), nil)
	env.deliver(t, adapterMsg("chan1", "m1", "u1", "<@999> !m:anthropic/claude-opus hi there", func(r *bus.RawDiscord) {
		r.MentionsBot = true
	}))

	_, req := env.nextRequest(t)
	if req.ModelOverride != "anthropic/claude-opus" {
		t.Errorf("model override = %q", req.ModelOverride)
	}
	tail := req.Messages[len(req.Messages)-1].Text()
	if strings.Contains(tail, "!m:") {
		t.Errorf("directive leaked into model text: %q", tail)
	}
}

// TestMergeBlockReplyAnchorUpgrade: a reply anywhere in the author's recent
// run anchors a non-reply mention to that chain.
func TestMergeBlockReplyAnchorUpgrade(t *testing.T) {
	env := newRouterEnv(t, activeCfg(5), nil)
	now := time.Now().UTC()

	parent := channels.Message{
		Platform: "discord", ChannelID: "chan1", MessageID: "p1",
		AuthorID: "u2", AuthorName: "bob", Text: "original question",
		TS: now.Add(-10 * time.Minute), IsChat: true,
	}
	replyInBlock := channels.Message{
		Platform: "discord", ChannelID: "chan1", MessageID: "m7",
		AuthorID: "u1", AuthorName: "alice", Text: "re that question",
		TS: now.Add(-2 * time.Minute), ReplyToMessageID: "p1", IsChat: true,
	}
	env.surface.messages["p1"] = parent
	env.surface.messages["m7"] = replyInBlock
	env.surface.recent["chan1"] = []channels.Message{parent, replyInBlock}

	env.deliver(t, adapterMsg("chan1", "m8", "u1", "<@999> what do you think?", func(r *bus.RawDiscord) {
		r.MentionsBot = true
	}))

	_, req := env.nextRequest(t)
	if req.Raw.TriggerType != bus.TriggerReply {
		t.Errorf("trigger type = %q, want reply upgrade", req.Raw.TriggerType)
	}
	var all strings.Builder
	for _, m := range req.Messages {
		all.WriteString(m.Text())
		all.WriteString("\n")
	}
	if !strings.Contains(all.String(), "original question") {
		t.Errorf("chain missing anchored parent: %s", all.String())
	}
}

// TestSuppressionHook drops events before any routing.
func TestSuppressionHook(t *testing.T) {
	reg := providers.NewRegistry()
	mb := bus.NewMemoryBus()
	t.Cleanup(mb.Close)

	r := New(Config{
		Bus:       mb,
		Surface:   &fakeSurface{recent: map[string][]channels.Message{}, messages: map[string]channels.Message{}},
		Reloader:  config.Static(mentionCfg()),
		Providers: reg,
		Suppress:  func(m *bus.AdapterMessage) bool { return m.Text == "suppressed" },
	})

	requests := make(chan *bus.Envelope, 4)
	if _, err := mb.Subscribe(bus.TopicCmdRequest, func(ctx context.Context, ev *bus.Envelope) error {
		requests <- ev
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	ev, _ := bus.NewEnvelope(bus.TypeAdapterMessageCreated, nil,
		adapterMsg("chan1", "m1", "u1", "suppressed", func(rd *bus.RawDiscord) { rd.MentionsBot = true }))
	if err := r.handleAdapter(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	select {
	case <-requests:
		t.Fatal("suppressed event was routed")
	case <-time.After(100 * time.Millisecond):
	}
}

// TestLifecycleMissingHeadersRefuseAck keeps redelivery semantics.
func TestLifecycleMissingHeadersRefuseAck(t *testing.T) {
	env := newRouterEnv(t, mentionCfg(), nil)
	ev, err := bus.NewEnvelope(bus.TypeRequestLifecycle,
		map[string]string{bus.HeaderRequestID: "req-1"},
		bus.RequestLifecycle{State: bus.StateResolved, TS: time.Now().UTC()})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.router.handleLifecycle(context.Background(), ev); err == nil {
		t.Error("missing session header must refuse ack")
	}
}

// TestDuplicateDeliveryRoutedOnce: a redelivered surface message publishes
// exactly one request command.
func TestDuplicateDeliveryRoutedOnce(t *testing.T) {
	env := newRouterEnv(t, mentionCfg(), nil)
	msg := adapterMsg("chan1", "m1", "u1", "<@999> hello", func(r *bus.RawDiscord) {
		r.MentionsBot = true
	})
	env.deliver(t, msg)
	env.deliver(t, msg)

	env.nextRequest(t)
	env.expectNoRequest(t)
}

// TestBufferFlushQueuesBehindActiveRequest: a request that starts while a
// burst is debouncing keeps its session; the flush queues behind it instead
// of stealing the active output chain.
func TestBufferFlushQueuesBehindActiveRequest(t *testing.T) {
	env := newRouterEnv(t, activeCfg(30), nil)
	env.deliver(t, adapterMsg("chan1", "m1", "u1", "start of a burst", nil))

	lifecycle, err := bus.NewEnvelope(bus.TypeRequestLifecycle,
		bus.RequestHeaders("discord:chan1:old", "discord:chan1", "discord"),
		bus.RequestLifecycle{State: bus.StateRunning, TS: time.Now().UTC()})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.router.handleLifecycle(context.Background(), lifecycle); err != nil {
		t.Fatal(err)
	}

	ev, req := env.nextRequest(t)
	id, _ := ev.Header(bus.HeaderRequestID)
	if id != "queued:discord:chan1:old" {
		t.Errorf("flushed request id = %q", id)
	}
	if req.Raw.BufferedForActiveRequestID != "discord:chan1:old" {
		t.Errorf("bufferedForActiveRequestId = %q", req.Raw.BufferedForActiveRequestID)
	}

	env.router.mu.Lock()
	act := env.router.active["discord:chan1"]
	env.router.mu.Unlock()
	if act == nil || act.requestID != "discord:chan1:old" {
		t.Errorf("active request displaced by flush: %+v", act)
	}
}

// TestBareInterruptSendsNeutralText: a mention that is only directive tokens
// must not reach the model as raw mention text.
func TestBareInterruptSendsNeutralText(t *testing.T) {
	env := newRouterEnv(t, activeCfg(5), nil)
	env.router.setActive("discord:chan1", "req-active")

	env.deliver(t, adapterMsg("chan1", "m3", "u1", "<@999> !interrupt", func(r *bus.RawDiscord) {
		r.MentionsBot = true
	}))

	ev, req := env.nextRequest(t)
	id, _ := ev.Header(bus.HeaderRequestID)
	if id != "req-active" || req.Queue != bus.QueueInterrupt {
		t.Fatalf("id=%q queue=%s", id, req.Queue)
	}
	text := req.Messages[0].Text()
	if strings.Contains(text, "!interrupt") || strings.Contains(text, "<@") {
		t.Errorf("directive tokens reached the model: %q", text)
	}
	if strings.TrimSpace(text) == "" {
		t.Error("interrupt carried no instruction text")
	}
}

// TestOutputEventOrderedBeforeReply: published through the bus, an output
// message lands in the active chain before a reply to it is classified, so
// the reply folds into the run instead of forking a new request.
func TestOutputEventOrderedBeforeReply(t *testing.T) {
	env := newRouterEnv(t, activeCfg(5), nil)
	ctx := context.Background()
	h := bus.RequestHeaders("discord:chan1:m0", "discord:chan1", "discord")

	if err := bus.PublishEvent(ctx, env.bus, bus.TopicRequest, bus.TypeRequestLifecycle, h,
		bus.RequestLifecycle{State: bus.StateRunning, TS: time.Now().UTC()}); err != nil {
		t.Fatal(err)
	}
	if err := bus.PublishEvent(ctx, env.bus, bus.TopicSurface, bus.TypeSurfaceOutputCreated, h,
		bus.SurfaceOutputCreated{MsgRef: bus.MsgRef{Platform: "discord", ChannelID: "chan1", MessageID: "bot-1"}}); err != nil {
		t.Fatal(err)
	}
	if err := bus.PublishEvent(ctx, env.bus, bus.TopicAdapter, bus.TypeAdapterMessageCreated, nil,
		adapterMsg("chan1", "m9", "u1", "keep going with that", func(r *bus.RawDiscord) {
			r.ReplyToBot = true
			r.ReplyToMessageID = "bot-1"
		})); err != nil {
		t.Fatal(err)
	}

	ev, req := env.nextRequest(t)
	id, _ := ev.Header(bus.HeaderRequestID)
	if id != "discord:chan1:m0" || req.Queue != bus.QueueFollowUp {
		t.Errorf("id=%q queue=%s, want follow-up to the running request", id, req.Queue)
	}
}
