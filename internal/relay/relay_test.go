package relay

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/courier/internal/bus"
	"github.com/nextlevelbuilder/courier/internal/channels"
	"github.com/nextlevelbuilder/courier/internal/config"
)

// recordingSurface captures outbound sends.
type recordingSurface struct {
	mu      sync.Mutex
	sent    []sentMessage
	files   []string
	typing  int
	nextMsg int
}

type sentMessage struct {
	channelID string
	text      string
	replyTo   string
}

func (f *recordingSurface) Name() string                  { return "discord" }
func (f *recordingSurface) BotUserID() string             { return "999" }
func (f *recordingSurface) Run(ctx context.Context) error { return nil }
func (f *recordingSurface) Close() error                  { return nil }

func (f *recordingSurface) Message(ctx context.Context, channelID, messageID string) (*channels.Message, error) {
	return nil, nil
}

func (f *recordingSurface) RecentMessages(ctx context.Context, channelID string, limit int) ([]channels.Message, error) {
	return nil, nil
}

func (f *recordingSurface) Reactions(ctx context.Context, channelID, messageID string) ([]string, error) {
	return nil, nil
}

func (f *recordingSurface) SendText(ctx context.Context, channelID, text string, opts channels.SendOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextMsg++
	f.sent = append(f.sent, sentMessage{channelID: channelID, text: text, replyTo: opts.ReplyTo})
	return fmt.Sprintf("bot-%d", f.nextMsg), nil
}

func (f *recordingSurface) SendFile(ctx context.Context, channelID, filename string, data []byte, opts channels.SendOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextMsg++
	f.files = append(f.files, filename)
	return fmt.Sprintf("bot-%d", f.nextMsg), nil
}

func (f *recordingSurface) Download(ctx context.Context, url string, maxBytes int64) ([]byte, error) {
	return nil, fmt.Errorf("no downloads")
}

func (f *recordingSurface) Typing(ctx context.Context, channelID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing++
}

func (f *recordingSurface) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type relayEnv struct {
	relay   *Relay
	bus     *bus.MemoryBus
	surface *recordingSurface
	created chan *bus.Envelope
}

func newRelayEnv(t *testing.T, cfg *config.Config) *relayEnv {
	t.Helper()
	mb := bus.NewMemoryBus()
	t.Cleanup(mb.Close)
	surface := &recordingSurface{}

	r := New(Config{Bus: mb, Surface: surface, Reloader: config.Static(cfg)})
	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	created := make(chan *bus.Envelope, 16)
	if _, err := mb.Subscribe(bus.TopicSurface, func(ctx context.Context, ev *bus.Envelope) error {
		created <- ev
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	return &relayEnv{relay: r, bus: mb, surface: surface, created: created}
}

func (e *relayEnv) openStream(t *testing.T, requestID, sessionID string) {
	t.Helper()
	ev, err := bus.NewEnvelope(bus.TypeRequestReply,
		bus.RequestHeaders(requestID, sessionID, "discord"), struct{}{})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.relay.handleRequestEvent(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
}

func (e *relayEnv) publishOutput(t *testing.T, requestID, sessionID, eventType string, payload any) {
	t.Helper()
	err := bus.PublishEvent(context.Background(), e.bus, bus.OutputTopic(requestID),
		eventType, bus.RequestHeaders(requestID, sessionID, "discord"), payload)
	if err != nil {
		t.Fatal(err)
	}
}

func (e *relayEnv) waitSent(t *testing.T, n int) []sentMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.surface.sentCount() >= n {
			e.surface.mu.Lock()
			defer e.surface.mu.Unlock()
			return append([]sentMessage(nil), e.surface.sent...)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d sent messages, have %d", n, e.surface.sentCount())
	return nil
}

// TestFinalTextPostedAsReply walks the normal output path end to end.
func TestFinalTextPostedAsReply(t *testing.T) {
	env := newRelayEnv(t, &config.Config{})
	env.openStream(t, "discord:chan1:m1", "discord:chan1")

	env.publishOutput(t, "discord:chan1:m1", "discord:chan1",
		bus.TypeOutputDeltaText, bus.OutputTextDelta{Text: "working on it"})
	env.publishOutput(t, "discord:chan1:m1", "discord:chan1",
		bus.TypeOutputResponseText, bus.OutputResponseText{Text: "done, see above"})

	sent := env.waitSent(t, 1)
	if sent[0].channelID != "chan1" || sent[0].text != "done, see above" {
		t.Errorf("sent = %+v", sent[0])
	}
	if sent[0].replyTo != "m1" {
		t.Errorf("reply anchor = %q, want trigger message", sent[0].replyTo)
	}

	select {
	case ev := <-env.created:
		var created bus.SurfaceOutputCreated
		if err := ev.Decode(&created); err != nil {
			t.Fatal(err)
		}
		if created.MsgRef.MessageID != "bot-1" || created.MsgRef.ChannelID != "chan1" {
			t.Errorf("created = %+v", created.MsgRef)
		}
	case <-time.After(time.Second):
		t.Fatal("no surface.output.message.created event")
	}
}

// TestGateForwardedRequestHasNoAnchor: req:<uuid> ids carry no trigger
// message, so the post is not a reply.
func TestGateForwardedRequestHasNoAnchor(t *testing.T) {
	env := newRelayEnv(t, &config.Config{})
	env.openStream(t, "req:abc-123", "discord:chan1")
	env.publishOutput(t, "req:abc-123", "discord:chan1",
		bus.TypeOutputResponseText, bus.OutputResponseText{Text: "hello"})

	sent := env.waitSent(t, 1)
	if sent[0].replyTo != "" {
		t.Errorf("reply anchor = %q, want none", sent[0].replyTo)
	}
}

// TestSilentReplySuppressed: NO_REPLY final text posts nothing.
func TestSilentReplySuppressed(t *testing.T) {
	env := newRelayEnv(t, &config.Config{})
	env.openStream(t, "discord:chan1:m1", "discord:chan1")
	env.publishOutput(t, "discord:chan1:m1", "discord:chan1",
		bus.TypeOutputResponseText, bus.OutputResponseText{Text: "NO_REPLY"})

	time.Sleep(150 * time.Millisecond)
	if env.surface.sentCount() != 0 {
		t.Errorf("silent reply was posted: %+v", env.surface.sent)
	}
}

// TestReanchorMovesReply: a steer reanchor points the final post at the
// steering message.
func TestReanchorMovesReply(t *testing.T) {
	env := newRelayEnv(t, &config.Config{})
	env.openStream(t, "discord:chan1:m1", "discord:chan1")

	cmd, err := bus.NewEnvelope(bus.TypeSurfaceReanchor,
		bus.RequestHeaders("discord:chan1:m1", "discord:chan1", "discord"),
		bus.ReanchorCommand{
			ReplyTo: &bus.MsgRef{Platform: "discord", ChannelID: "chan1", MessageID: "m9"},
			Mode:    bus.ReanchorSteer,
		})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.relay.handleReanchor(context.Background(), cmd); err != nil {
		t.Fatal(err)
	}

	env.publishOutput(t, "discord:chan1:m1", "discord:chan1",
		bus.TypeOutputResponseText, bus.OutputResponseText{Text: "redone"})
	sent := env.waitSent(t, 1)
	if sent[0].replyTo != "m9" {
		t.Errorf("reply anchor = %q, want steering message", sent[0].replyTo)
	}
}

// TestIdleWatchdogAbortsStream: no output within the timeout closes the
// stream and later output is ignored.
func TestIdleWatchdogAbortsStream(t *testing.T) {
	cfg := &config.Config{}
	cfg.Agent.RelayIdleTimeoutMs = 30
	env := newRelayEnv(t, cfg)
	env.openStream(t, "discord:chan1:m1", "discord:chan1")

	time.Sleep(120 * time.Millisecond)
	env.publishOutput(t, "discord:chan1:m1", "discord:chan1",
		bus.TypeOutputResponseText, bus.OutputResponseText{Text: "too late"})

	time.Sleep(150 * time.Millisecond)
	if env.surface.sentCount() != 0 {
		t.Errorf("post-timeout output was posted: %+v", env.surface.sent)
	}
}

// TestBinaryAttachmentsSent posts artifact files to the surface.
func TestBinaryAttachmentsSent(t *testing.T) {
	env := newRelayEnv(t, &config.Config{})
	env.openStream(t, "discord:chan1:m1", "discord:chan1")
	env.publishOutput(t, "discord:chan1:m1", "discord:chan1",
		bus.TypeOutputResponseBinary, bus.OutputResponseBinary{
			Attachments: []bus.OutputAttachment{{Name: "report.pdf", Data: []byte("pdfpdf")}},
		})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		env.surface.mu.Lock()
		n := len(env.surface.files)
		env.surface.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("attachment never sent")
}

func TestAnchorMessageID(t *testing.T) {
	tests := []struct {
		requestID string
		sessionID string
		want      string
	}{
		{"discord:chan1:m1", "discord:chan1", "m1"},
		{"req:uuid-1", "discord:chan1", ""},
		{"queued:discord:chan1:m1", "discord:chan1", ""},
	}
	for _, tt := range tests {
		if got := anchorMessageID(tt.requestID, tt.sessionID); got != tt.want {
			t.Errorf("anchorMessageID(%q, %q) = %q, want %q", tt.requestID, tt.sessionID, got, tt.want)
		}
	}
}

func TestCouldBeSilent(t *testing.T) {
	tests := []struct {
		head string
		want bool
	}{
		{"", true},
		{"NO_", true},
		{"NO_REPLY", true},
		{"NO_REPLY and more", true},
		{"Nope", false},
		{"Here you go", false},
	}
	for _, tt := range tests {
		if got := couldBeSilent(tt.head); got != tt.want {
			t.Errorf("couldBeSilent(%q) = %v, want %v", tt.head, got, tt.want)
		}
	}
}

func TestSplitText(t *testing.T) {
	long := strings.Repeat("line one\n", 400) // ~3600 chars
	chunks := splitText(long, 2000)
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(chunks))
	}
	for _, c := range chunks {
		if len(c) > 2000 {
			t.Errorf("chunk over limit: %d", len(c))
		}
	}

	if got := splitText("short", 2000); len(got) != 1 || got[0] != "short" {
		t.Errorf("short text mangled: %v", got)
	}

	hard := strings.Repeat("x", 4500)
	chunks = splitText(hard, 2000)
	if len(chunks) != 3 {
		t.Errorf("unbreakable text chunks = %d, want 3", len(chunks))
	}
}
