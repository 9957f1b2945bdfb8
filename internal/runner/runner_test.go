package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/courier/internal/bus"
	"github.com/nextlevelbuilder/courier/internal/config"
	"github.com/nextlevelbuilder/courier/internal/providers"
	"github.com/nextlevelbuilder/courier/internal/store"
	"github.com/nextlevelbuilder/courier/internal/tools"
)

// textProvider replies with a fixed text per call and records the request
// messages it saw. A non-nil gate blocks each call until released.
type textProvider struct {
	mu      sync.Mutex
	replies []string
	calls   [][]providers.Message
	fail    error
	gate    chan struct{}
}

func (p *textProvider) Name() string { return "fake" }

func (p *textProvider) Capability(model string) (providers.Capability, bool) {
	return providers.Capability{ContextLimit: 200000, OutputLimit: 8192}, true
}

func (p *textProvider) Stream(ctx context.Context, req providers.Request) (<-chan providers.StreamPart, error) {
	p.mu.Lock()
	p.calls = append(p.calls, providers.CloneMessages(req.Messages))
	n := len(p.calls)
	fail := p.fail
	gate := p.gate
	p.mu.Unlock()

	ch := make(chan providers.StreamPart, 8)
	go func() {
		defer close(ch)
		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				ch <- providers.StreamPart{Type: providers.StreamAbort}
				return
			}
		}
		if fail != nil {
			ch <- providers.StreamPart{Type: providers.StreamError, Err: fail}
			return
		}
		reply := fmt.Sprintf("reply %d", n)
		p.mu.Lock()
		if len(p.replies) > 0 {
			reply = p.replies[0]
			p.replies = p.replies[1:]
		}
		p.mu.Unlock()
		ch <- providers.StreamPart{Type: providers.StreamTextStart}
		ch <- providers.StreamPart{Type: providers.StreamTextDelta, Text: reply}
		ch <- providers.StreamPart{Type: providers.StreamTextEnd}
		ch <- providers.StreamPart{
			Type:         providers.StreamFinish,
			FinishReason: providers.FinishStop,
			Usage:        &providers.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
		}
	}()
	return ch, nil
}

type testEnv struct {
	runner   *Runner
	bus      *bus.MemoryBus
	store    *store.MemoryStore
	provider *textProvider
	events   chan *bus.Envelope
}

func newTestEnv(t *testing.T, provider *textProvider) *testEnv {
	t.Helper()

	reg := providers.NewRegistry()
	reg.Register(provider)
	if err := reg.SetSlot("main", "fake/test-model"); err != nil {
		t.Fatal(err)
	}
	if err := reg.SetSlot("fast", "fake/test-model"); err != nil {
		t.Fatal(err)
	}

	mb := bus.NewMemoryBus()
	t.Cleanup(mb.Close)
	st := store.NewMemoryStore()

	r := New(Config{
		Bus:       mb,
		Store:     st,
		Providers: reg,
		Tools:     tools.NewRegistry(),
		Reloader:  config.Static(&config.Config{}),
	})
	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	events := make(chan *bus.Envelope, 64)
	for _, topic := range []string{bus.TopicRequest, "out.req.>"} {
		_, err := mb.Subscribe(topic, func(ctx context.Context, ev *bus.Envelope) error {
			events <- ev
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	return &testEnv{runner: r, bus: mb, store: st, provider: provider, events: events}
}

func (e *testEnv) publishRequest(t *testing.T, requestID, sessionID string, req bus.RequestMessage) {
	t.Helper()
	err := bus.PublishEvent(context.Background(), e.bus, bus.TopicCmdRequest,
		bus.TypeRequestMessage, bus.RequestHeaders(requestID, sessionID, "discord"), req)
	if err != nil {
		t.Fatal(err)
	}
}

// waitFor drains events until match returns true, failing after two seconds.
func (e *testEnv) waitFor(t *testing.T, desc string, match func(*bus.Envelope) bool) *bus.Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-e.events:
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", desc)
		}
	}
}

func lifecycleState(t *testing.T, ev *bus.Envelope) bus.LifecycleState {
	t.Helper()
	var lc bus.RequestLifecycle
	if err := ev.Decode(&lc); err != nil {
		t.Fatal(err)
	}
	return lc.State
}

func promptReq(text string) bus.RequestMessage {
	return bus.RequestMessage{
		Queue:    bus.QueuePrompt,
		Messages: []providers.Message{providers.UserText(text)},
	}
}

// TestExecutePublishesLifecycleAndFinal walks one request through
// queued, running, the final response text, and resolved.
func TestExecutePublishesLifecycleAndFinal(t *testing.T) {
	env := newTestEnv(t, &textProvider{replies: []string{"hello there"}})
	env.publishRequest(t, "req-1", "discord:chan1", promptReq("hi"))

	var states []bus.LifecycleState
	var finalText string
	env.waitFor(t, "resolved lifecycle", func(ev *bus.Envelope) bool {
		switch ev.Type {
		case bus.TypeRequestLifecycle:
			states = append(states, lifecycleState(t, ev))
			return states[len(states)-1] == bus.StateResolved
		case bus.TypeOutputResponseText:
			var out bus.OutputResponseText
			if err := ev.Decode(&out); err != nil {
				t.Fatal(err)
			}
			finalText = out.Text
		}
		return false
	})

	want := []bus.LifecycleState{bus.StateQueued, bus.StateRunning, bus.StateResolved}
	if len(states) != len(want) {
		t.Fatalf("lifecycle states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("state[%d] = %s, want %s", i, states[i], want[i])
		}
	}
	if finalText != "hello there" {
		t.Errorf("final text = %q", finalText)
	}

	// The transcript is persisted after the run.
	snap, err := env.store.Load(context.Background(), "discord:chan1")
	if err != nil || snap == nil {
		t.Fatalf("snapshot missing: %v", err)
	}
	if len(snap.Messages) != 2 {
		t.Errorf("snapshot has %d messages, want 2", len(snap.Messages))
	}
}

// TestFIFOPerSession holds the first request mid-stream and checks the second
// does not start until the first resolves.
func TestFIFOPerSession(t *testing.T) {
	gate := make(chan struct{})
	provider := &textProvider{gate: gate}
	env := newTestEnv(t, provider)

	env.publishRequest(t, "req-a", "discord:chan1", promptReq("first"))
	env.waitFor(t, "req-a running", func(ev *bus.Envelope) bool {
		id, _ := ev.Header(bus.HeaderRequestID)
		return ev.Type == bus.TypeRequestLifecycle && id == "req-a" &&
			lifecycleState(t, ev) == bus.StateRunning
	})

	env.publishRequest(t, "req-b", "discord:chan1", promptReq("second"))
	env.waitFor(t, "req-b queued", func(ev *bus.Envelope) bool {
		id, _ := ev.Header(bus.HeaderRequestID)
		return ev.Type == bus.TypeRequestLifecycle && id == "req-b" &&
			lifecycleState(t, ev) == bus.StateQueued
	})

	provider.mu.Lock()
	calls := len(provider.calls)
	provider.mu.Unlock()
	if calls != 1 {
		t.Fatalf("second request started while first held: %d calls", calls)
	}

	close(gate)
	var order []string
	env.waitFor(t, "both resolved", func(ev *bus.Envelope) bool {
		if ev.Type != bus.TypeRequestLifecycle || lifecycleState(t, ev) != bus.StateResolved {
			return false
		}
		id, _ := ev.Header(bus.HeaderRequestID)
		order = append(order, id)
		return len(order) == 2
	})
	if order[0] != "req-a" || order[1] != "req-b" {
		t.Errorf("resolution order = %v", order)
	}
}

// TestConcurrentSessionsRunIndependently verifies a held session does not
// block another session's queue.
func TestConcurrentSessionsRunIndependently(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	provider := &textProvider{gate: gate}
	env := newTestEnv(t, provider)

	env.publishRequest(t, "req-a", "discord:chan1", promptReq("held"))
	env.waitFor(t, "req-a running", func(ev *bus.Envelope) bool {
		id, _ := ev.Header(bus.HeaderRequestID)
		return ev.Type == bus.TypeRequestLifecycle && id == "req-a" &&
			lifecycleState(t, ev) == bus.StateRunning
	})

	// Second session uses an unblocked provider path: release via its own gate
	// is not possible with a shared provider, so just assert it reaches running.
	env.publishRequest(t, "req-b", "discord:chan2", promptReq("other session"))
	env.waitFor(t, "req-b running", func(ev *bus.Envelope) bool {
		id, _ := ev.Header(bus.HeaderRequestID)
		return ev.Type == bus.TypeRequestLifecycle && id == "req-b" &&
			lifecycleState(t, ev) == bus.StateRunning
	})
}

// TestFailurePublishesErrorTextAndFailedState checks the synthetic final text
// and failed lifecycle on a provider error.
func TestFailurePublishesErrorTextAndFailedState(t *testing.T) {
	env := newTestEnv(t, &textProvider{fail: errors.New("model exploded")})
	env.publishRequest(t, "req-1", "discord:chan1", promptReq("hi"))

	var finalText string
	env.waitFor(t, "failed lifecycle", func(ev *bus.Envelope) bool {
		switch ev.Type {
		case bus.TypeOutputResponseText:
			var out bus.OutputResponseText
			if err := ev.Decode(&out); err != nil {
				t.Fatal(err)
			}
			finalText = out.Text
		case bus.TypeRequestLifecycle:
			return lifecycleState(t, ev) == bus.StateFailed
		}
		return false
	})

	if !strings.HasPrefix(finalText, "Error: ") || !strings.Contains(finalText, "model exploded") {
		t.Errorf("failure text = %q", finalText)
	}
}

// TestMalformedHeadersRefuseAck verifies missing required headers return an
// error so the bus redelivers instead of dropping.
func TestMalformedHeadersRefuseAck(t *testing.T) {
	env := newTestEnv(t, &textProvider{})

	ev, err := bus.NewEnvelope(bus.TypeRequestMessage,
		map[string]string{bus.HeaderRequestID: "req-1"}, promptReq("hi"))
	if err != nil {
		t.Fatal(err)
	}
	if err := env.runner.handleRequestMessage(context.Background(), ev); !errors.Is(err, bus.ErrMalformedEnvelope) {
		t.Errorf("expected ErrMalformedEnvelope, got %v", err)
	}
}

// TestUndecodablePayloadIsAcked verifies a garbage payload is logged and
// dropped rather than redelivered forever.
func TestUndecodablePayloadIsAcked(t *testing.T) {
	env := newTestEnv(t, &textProvider{})

	ev := &bus.Envelope{
		ID:      "x",
		Type:    bus.TypeRequestMessage,
		Headers: bus.RequestHeaders("req-1", "discord:chan1", "discord"),
		Payload: json.RawMessage(`{"queue": 42}`),
	}
	if err := env.runner.handleRequestMessage(context.Background(), ev); err != nil {
		t.Errorf("undecodable payload should ack, got %v", err)
	}
}

// TestSnapshotRestoreForBareTrigger checks a single-message request resumes
// from the stored session transcript.
func TestSnapshotRestoreForBareTrigger(t *testing.T) {
	provider := &textProvider{}
	env := newTestEnv(t, provider)

	prior := []providers.Message{
		providers.UserText("earlier question"),
		providers.AssistantText("earlier answer"),
	}
	if err := env.store.Save(context.Background(), store.Snapshot{
		SessionID: "discord:chan1", Messages: prior,
	}); err != nil {
		t.Fatal(err)
	}

	env.publishRequest(t, "req-1", "discord:chan1", promptReq("and now?"))
	env.waitFor(t, "resolved", func(ev *bus.Envelope) bool {
		return ev.Type == bus.TypeRequestLifecycle && lifecycleState(t, ev) == bus.StateResolved
	})

	provider.mu.Lock()
	defer provider.mu.Unlock()
	if len(provider.calls) != 1 {
		t.Fatalf("%d provider calls", len(provider.calls))
	}
	got := provider.calls[0]
	if len(got) != 3 {
		t.Fatalf("model saw %d messages, want 3 (restored pair + trigger)", len(got))
	}
	if got[0].Text() != "earlier question" || got[2].Text() != "and now?" {
		t.Errorf("unexpected restore order: %q ... %q", got[0].Text(), got[2].Text())
	}
}

// TestComposedHistorySkipsSnapshotRestore checks a request that already
// carries assistant context does not also load the stored snapshot.
func TestComposedHistorySkipsSnapshotRestore(t *testing.T) {
	provider := &textProvider{}
	env := newTestEnv(t, provider)

	if err := env.store.Save(context.Background(), store.Snapshot{
		SessionID: "discord:chan1",
		Messages:  []providers.Message{providers.UserText("stored")},
	}); err != nil {
		t.Fatal(err)
	}

	env.publishRequest(t, "req-1", "discord:chan1", bus.RequestMessage{
		Queue: bus.QueuePrompt,
		Messages: []providers.Message{
			providers.UserText("from the reply chain"),
			providers.AssistantText("chain answer"),
			providers.UserText("trigger"),
		},
	})
	env.waitFor(t, "resolved", func(ev *bus.Envelope) bool {
		return ev.Type == bus.TypeRequestLifecycle && lifecycleState(t, ev) == bus.StateResolved
	})

	provider.mu.Lock()
	defer provider.mu.Unlock()
	for _, m := range provider.calls[0] {
		if m.Text() == "stored" {
			t.Error("stored snapshot leaked into composed request")
		}
	}
}

// TestModelOverridePrecedence checks request override beats the session raw
// override.
func TestModelOverridePrecedence(t *testing.T) {
	provider := &textProvider{}
	env := newTestEnv(t, provider)

	env.publishRequest(t, "req-1", "discord:chan1", bus.RequestMessage{
		Queue:         bus.QueuePrompt,
		Messages:      []providers.Message{providers.UserText("hi")},
		ModelOverride: "fake/override-model",
		Raw:           bus.RequestRaw{SessionModelOverride: "fake/session-model"},
	})
	env.waitFor(t, "resolved", func(ev *bus.Envelope) bool {
		return ev.Type == bus.TypeRequestLifecycle && lifecycleState(t, ev) == bus.StateResolved
	})
	// The provider records calls regardless of model id; resolution succeeding
	// through the registry with the override spec is the assertion here.
	provider.mu.Lock()
	defer provider.mu.Unlock()
	if len(provider.calls) != 1 {
		t.Fatalf("%d provider calls", len(provider.calls))
	}
}

// TestExpandBotMessageFallsBackToStoredSnapshot maps a surface output message
// id with no in-memory transcript (process restart shape)
// back to the stored transcript of its session.
func TestExpandBotMessageFallsBackToStoredSnapshot(t *testing.T) {
	env := newTestEnv(t, &textProvider{})
	ctx := context.Background()

	msgs := []providers.Message{
		providers.UserText("q"),
		providers.AssistantText("a"),
	}
	if err := env.store.Save(ctx, store.Snapshot{SessionID: "discord:chan1", Messages: msgs}); err != nil {
		t.Fatal(err)
	}

	ev, err := bus.NewEnvelope(bus.TypeSurfaceOutputCreated,
		bus.RequestHeaders("req-1", "discord:chan1", "discord"),
		bus.SurfaceOutputCreated{MsgRef: bus.MsgRef{Platform: "discord", ChannelID: "chan1", MessageID: "m42"}})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.runner.handleSurfaceOutput(ctx, ev); err != nil {
		t.Fatal(err)
	}

	got, ok := env.runner.ExpandBotMessage(ctx, "m42")
	if !ok || len(got) != 2 {
		t.Fatalf("expand failed: ok=%v len=%d", ok, len(got))
	}
	if _, ok := env.runner.ExpandBotMessage(ctx, "unknown"); ok {
		t.Error("unknown message id expanded")
	}
}

func TestSnapshotIndexEvictsOldest(t *testing.T) {
	idx := newSnapshotIndex()
	for i := 0; i < snapshotIndexCap+1; i++ {
		idx.record(fmt.Sprintf("m%d", i), "req", "s")
	}
	if _, ok := idx.refFor("m0"); ok {
		t.Error("oldest entry not evicted")
	}
	if _, ok := idx.refFor(fmt.Sprintf("m%d", snapshotIndexCap)); !ok {
		t.Error("newest entry missing")
	}

	for i := 0; i < transcriptIndexCap+1; i++ {
		idx.recordTranscript(fmt.Sprintf("r%d", i), []providers.Message{providers.UserText("q")})
	}
	if _, ok := idx.transcriptFor("r0"); ok {
		t.Error("oldest transcript not evicted")
	}
	if _, ok := idx.transcriptFor(fmt.Sprintf("r%d", transcriptIndexCap)); !ok {
		t.Error("newest transcript missing")
	}
}

func TestMergedUserText(t *testing.T) {
	got := mergedUserText([]providers.Message{
		providers.UserText("  one  "),
		providers.AssistantText("ignored"),
		providers.UserText("two"),
		providers.UserText("   "),
	})
	if got != "one\n\ntwo" {
		t.Errorf("mergedUserText = %q", got)
	}
}

func TestFinalAssistantTextSanitizes(t *testing.T) {
	got := finalAssistantText([]providers.Message{
		providers.UserText("q"),
		providers.AssistantText("<think>hidden</think>visible answer"),
	})
	if got != "visible answer" {
		t.Errorf("finalAssistantText = %q", got)
	}
	if got := finalAssistantText([]providers.Message{providers.UserText("q")}); got != "" {
		t.Errorf("no assistant message should yield empty, got %q", got)
	}
}

// TestExpandBotMessageForksOlderTranscript: replying to an earlier bot answer
// must expand to the transcript as it stood when that answer was produced,
// not the session's latest state.
func TestExpandBotMessageForksOlderTranscript(t *testing.T) {
	env := newTestEnv(t, &textProvider{replies: []string{"first answer", "second answer"}})
	ctx := context.Background()

	waitResolved := func(requestID string) {
		env.waitFor(t, "resolved "+requestID, func(ev *bus.Envelope) bool {
			if ev.Type != bus.TypeRequestLifecycle {
				return false
			}
			id, err := ev.Header(bus.HeaderRequestID)
			return err == nil && id == requestID && lifecycleState(t, ev) == bus.StateResolved
		})
	}
	surfaceCreated := func(requestID, messageID string) {
		ev, err := bus.NewEnvelope(bus.TypeSurfaceOutputCreated,
			bus.RequestHeaders(requestID, "discord:chan1", "discord"),
			bus.SurfaceOutputCreated{MsgRef: bus.MsgRef{Platform: "discord", ChannelID: "chan1", MessageID: messageID}})
		if err != nil {
			t.Fatal(err)
		}
		if err := env.runner.handleSurfaceOutput(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}

	env.publishRequest(t, "discord:chan1:m1", "discord:chan1", promptReq("first question"))
	waitResolved("discord:chan1:m1")
	surfaceCreated("discord:chan1:m1", "bot-1")

	env.publishRequest(t, "discord:chan1:m2", "discord:chan1", promptReq("second question"))
	waitResolved("discord:chan1:m2")
	surfaceCreated("discord:chan1:m2", "bot-2")

	old, ok := env.runner.ExpandBotMessage(ctx, "bot-1")
	if !ok {
		t.Fatal("first bot message did not expand")
	}
	if len(old) != 2 || old[1].Text() != "first answer" {
		t.Fatalf("old fork transcript = %d messages (%+v), want the first exchange only", len(old), old)
	}

	latest, ok := env.runner.ExpandBotMessage(ctx, "bot-2")
	if !ok || len(latest) != 4 {
		t.Fatalf("latest transcript = %d messages, want 4", len(latest))
	}
}
