// Package runner serializes request execution per session.
//
// It consumes cmd.request.message, keeps a FIFO per session, drives one agent
// at a time per session, and publishes lifecycle transitions plus per-request
// output events for the relay.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/courier/internal/agent"
	"github.com/nextlevelbuilder/courier/internal/bus"
	"github.com/nextlevelbuilder/courier/internal/config"
	"github.com/nextlevelbuilder/courier/internal/providers"
	"github.com/nextlevelbuilder/courier/internal/store"
	"github.com/nextlevelbuilder/courier/internal/tools"
)

// Config wires a Runner.
type Config struct {
	Bus       bus.Bus
	Store     store.TranscriptStore
	Providers *providers.Registry
	Tools     *tools.Registry
	Reloader  *config.Reloader
}

// Runner owns per-session execution state.
type Runner struct {
	bus       bus.Bus
	store     store.TranscriptStore
	providers *providers.Registry
	tools     *tools.Registry
	reloader  *config.Reloader

	mu       sync.Mutex
	sessions map[string]*session

	// snapshotIndex maps surface output message ids back to sessions so
	// composition can fork from stored transcripts.
	snapIdx *snapshotIndex
}

type session struct {
	mu              sync.Mutex
	running         bool
	activeRequestID string
	queue           []*enqueued
	agent           *agent.Agent
}

type enqueued struct {
	requestID string
	sessionID string
	client    string
	req       bus.RequestMessage
}

// New creates a Runner.
func New(cfg Config) *Runner {
	return &Runner{
		bus:       cfg.Bus,
		store:     cfg.Store,
		providers: cfg.Providers,
		tools:     cfg.Tools,
		reloader:  cfg.Reloader,
		sessions:  make(map[string]*session),
		snapIdx:   newSnapshotIndex(),
	}
}

// Start subscribes the runner to its command topic.
func (r *Runner) Start(ctx context.Context) error {
	_, err := r.bus.QueueSubscribe(bus.TopicCmdRequest, "runner", r.handleRequestMessage)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", bus.TopicCmdRequest, err)
	}
	_, err = r.bus.QueueSubscribe(bus.TopicSurface, "runner-surface", r.handleSurfaceOutput)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", bus.TopicSurface, err)
	}
	return nil
}

// ExpandBotMessage resolves a surface bot message id to the model messages of
// the request that produced it, so composition forks from the transcript as
// it stood when that answer was posted. An evicted or pre-restart transcript
// falls back to the session's latest stored snapshot.
func (r *Runner) ExpandBotMessage(ctx context.Context, messageID string) ([]providers.Message, bool) {
	ref, ok := r.snapIdx.refFor(messageID)
	if !ok {
		return nil, false
	}
	if msgs, ok := r.snapIdx.transcriptFor(ref.requestID); ok {
		return msgs, true
	}
	snap, err := r.store.Load(ctx, ref.sessionID)
	if err != nil || snap == nil {
		return nil, false
	}
	return snap.Messages, true
}

func (r *Runner) session(id string) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.sessions[id]
	if !ok {
		st = &session{}
		r.sessions[id] = st
	}
	return st
}

// handleSurfaceOutput records which request produced each bot output message.
func (r *Runner) handleSurfaceOutput(ctx context.Context, env *bus.Envelope) error {
	if env.Type != bus.TypeSurfaceOutputCreated {
		return nil
	}
	h, err := bus.RequestHeaderValues(env)
	if err != nil {
		return err
	}
	var ev bus.SurfaceOutputCreated
	if err := env.Decode(&ev); err != nil {
		slog.Warn("bad surface output event", "error", err)
		return nil
	}
	r.snapIdx.record(ev.MsgRef.MessageID, h.RequestID, h.SessionID)
	return nil
}

// handleRequestMessage is the cmd.request consumer. Missing headers return an
// error (no ack, redelivery); logic errors are logged and acked.
func (r *Runner) handleRequestMessage(ctx context.Context, env *bus.Envelope) error {
	headers, err := bus.RequestHeaderValues(env)
	if err != nil {
		return err
	}
	var req bus.RequestMessage
	if err := env.Decode(&req); err != nil {
		slog.Error("undecodable request message", "request_id", headers.RequestID, "error", err)
		return nil
	}

	st := r.session(headers.SessionID)
	st.mu.Lock()
	if st.running && headers.RequestID == st.activeRequestID && st.agent != nil {
		agt := st.agent
		st.mu.Unlock()
		r.applyDirective(ctx, agt, headers, req)
		return nil
	}

	st.queue = append(st.queue, &enqueued{
		requestID: headers.RequestID,
		sessionID: headers.SessionID,
		client:    headers.Client,
		req:       req,
	})
	start := !st.running
	if start {
		st.running = true
	}
	st.mu.Unlock()

	r.publishLifecycle(ctx, headers, bus.StateQueued, "")
	if start {
		go r.drain(context.WithoutCancel(ctx), headers.SessionID, st)
	}
	return nil
}

// applyDirective routes a follow-on command at the running agent.
func (r *Runner) applyDirective(ctx context.Context, agt *agent.Agent, h bus.Headers, req bus.RequestMessage) {
	text := mergedUserText(req.Messages)
	switch req.Queue {
	case bus.QueueSteer:
		agt.Steer(text)
	case bus.QueueFollowUp:
		agt.FollowUp(text)
	case bus.QueuePrompt:
		// A prompt aimed at the running request folds into its stream.
		slog.Info("prompt for running request coerced to followUp", "request_id", h.RequestID)
		agt.FollowUp(text)
	case bus.QueueInterrupt:
		ictx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := agt.Interrupt(ictx, text); err != nil {
			slog.Warn("interrupt not applied", "request_id", h.RequestID, "error", err)
		}
	default:
		slog.Warn("unknown queue mode", "queue", req.Queue, "request_id", h.RequestID)
	}
}

// drain runs queued requests for one session until the queue empties.
func (r *Runner) drain(ctx context.Context, sessionID string, st *session) {
	for {
		st.mu.Lock()
		if len(st.queue) == 0 {
			st.running = false
			st.activeRequestID = ""
			st.agent = nil
			st.mu.Unlock()
			return
		}
		next := st.queue[0]
		st.queue = st.queue[1:]
		st.activeRequestID = next.requestID
		st.mu.Unlock()

		r.execute(ctx, st, next)
	}
}

// execute runs one request to completion and publishes its outcome.
func (r *Runner) execute(ctx context.Context, st *session, e *enqueued) {
	headers := bus.Headers{RequestID: e.requestID, SessionID: e.sessionID, Client: e.client}
	r.publishLifecycle(ctx, headers, bus.StateRunning, "")
	r.publishReplySignal(ctx, headers)

	cfg := r.reloader.Current()
	agt, compactorErr := r.buildAgent(ctx, cfg, e)
	if compactorErr != nil {
		slog.Error("agent construction failed", "request_id", e.requestID, "error", compactorErr)
		r.publishFailure(ctx, headers, compactorErr)
		return
	}

	st.mu.Lock()
	st.agent = agt
	st.mu.Unlock()

	pub := newOutputPublisher(r.bus, headers)
	agt.Subscribe(pub.onEvent)

	err := agt.Prompt(ctx, e.req.Messages)

	r.snapIdx.recordTranscript(e.requestID, agt.Messages())

	final := finalAssistantText(agt.Messages())
	if err != nil {
		slog.Warn("request failed", "request_id", e.requestID, "error", err)
		r.publishFailure(ctx, headers, err)
	} else {
		pub.publishFinal(ctx, final)
		r.publishLifecycle(ctx, headers, bus.StateResolved, "")
	}

	r.persist(ctx, e, agt)
}

// buildAgent constructs the engine for one request with the resolved model,
// system prompt, tools and compaction wiring.
func (r *Runner) buildAgent(ctx context.Context, cfg *config.Config, e *enqueued) (*agent.Agent, error) {
	spec := e.req.ModelOverride
	if spec == "" {
		spec = e.req.Raw.SessionModelOverride
	}
	if spec == "" {
		spec = cfg.SessionModel(e.sessionID, e.req.Raw.ParentSessionID)
	}
	provider, model, err := r.providers.Resolve(spec, "main")
	if err != nil {
		return nil, fmt.Errorf("resolve model %q: %w", spec, err)
	}

	system := cfg.Agent.SystemPrompt
	if extra := cfg.SessionAdditionalPrompts(e.sessionID, e.req.Raw.ParentSessionID); len(extra) > 0 {
		system = strings.TrimSpace(system + "\n\n" + strings.Join(extra, "\n\n"))
	}

	agt := agent.New(agent.Config{
		Provider:    provider,
		Model:       model,
		System:      system,
		Tools:       r.tools,
		MaxTokens:   cfg.Agent.MaxTokens,
		Temperature: cfg.Agent.Temperature,
	})

	fastProvider, fastModel, err := r.providers.Resolve("", "fast")
	if err != nil {
		// No fast slot: summarize with the request's own model.
		fastProvider, fastModel = provider, model
	}
	agent.NewCompactor(agt, agent.CompactorConfig{
		SummaryProvider:             fastProvider,
		SummaryModel:                fastModel,
		ThresholdFraction:           cfg.Agent.CompactionThresholdFraction,
		OverflowRecoveryMaxAttempts: cfg.Agent.OverflowRecoveryMaxAttempts,
	})

	// Resume from the stored snapshot when the request carries no composed
	// history of its own.
	if len(e.req.Messages) > 0 && !hasHistory(e.req.Messages) {
		if snap, err := r.store.Load(ctx, e.sessionID); err == nil && snap != nil && len(snap.Messages) > 0 {
			if err := agt.ReplaceMessages(snap.Messages); err != nil {
				slog.Warn("snapshot restore failed", "session_id", e.sessionID, "error", err)
			}
		}
	}
	return agt, nil
}

// hasHistory reports whether the composed request already carries context
// beyond the trigger (assistant messages from chains or snapshots).
func hasHistory(msgs []providers.Message) bool {
	for _, m := range msgs {
		if m.Role == providers.RoleAssistant {
			return true
		}
	}
	return len(msgs) > 1
}

func (r *Runner) persist(ctx context.Context, e *enqueued, agt *agent.Agent) {
	if r.store == nil {
		return
	}
	err := r.store.Save(ctx, store.Snapshot{
		SessionID: e.sessionID,
		Messages:  agt.Messages(),
	})
	if err != nil {
		slog.Warn("snapshot save failed", "session_id", e.sessionID, "error", err)
	}
}

func (r *Runner) publishLifecycle(ctx context.Context, h bus.Headers, state bus.LifecycleState, detail string) {
	err := bus.PublishEvent(ctx, r.bus, bus.TopicRequest, bus.TypeRequestLifecycle,
		h.Map(), bus.RequestLifecycle{State: state, Detail: detail, TS: time.Now().UTC()})
	if err != nil {
		slog.Warn("lifecycle publish failed", "request_id", h.RequestID, "state", state, "error", err)
	}
}

func (r *Runner) publishReplySignal(ctx context.Context, h bus.Headers) {
	err := bus.PublishEvent(ctx, r.bus, bus.TopicRequest, bus.TypeRequestReply,
		h.Map(), struct{}{})
	if err != nil {
		slog.Warn("reply signal publish failed", "request_id", h.RequestID, "error", err)
	}
}

// publishFailure emits the failed lifecycle and a synthetic final text.
func (r *Runner) publishFailure(ctx context.Context, h bus.Headers, cause error) {
	pub := newOutputPublisher(r.bus, h)
	pub.publishFinal(ctx, "Error: "+cause.Error())
	r.publishLifecycle(ctx, h, bus.StateFailed, cause.Error())
}

// mergedUserText joins the text of user messages for directive application.
func mergedUserText(msgs []providers.Message) string {
	var parts []string
	for _, m := range msgs {
		if m.Role != providers.RoleUser {
			continue
		}
		if t := strings.TrimSpace(m.Text()); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n\n")
}

// finalAssistantText returns the sanitized text of the last assistant message.
func finalAssistantText(msgs []providers.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == providers.RoleAssistant {
			return agent.SanitizeAssistantText(msgs[i].Text())
		}
	}
	return ""
}

// snapshotIndex resolves a surface bot message back to the transcript of the
// request that produced it. Message ids map to (request, session); request
// ids map to the transcript captured when the request finished. Both maps are
// bounded; an evicted transcript degrades to the session's stored snapshot.
type snapshotIndex struct {
	mu          sync.Mutex
	messages    map[string]snapshotRef
	msgOrder    []string
	transcripts map[string][]providers.Message
	reqOrder    []string
}

type snapshotRef struct {
	requestID string
	sessionID string
}

const (
	snapshotIndexCap   = 4096
	transcriptIndexCap = 512
)

func newSnapshotIndex() *snapshotIndex {
	return &snapshotIndex{
		messages:    make(map[string]snapshotRef),
		transcripts: make(map[string][]providers.Message),
	}
}

// recordTranscript captures a finished request's transcript.
func (s *snapshotIndex) recordTranscript(requestID string, msgs []providers.Message) {
	if requestID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.transcripts[requestID]; !ok {
		s.reqOrder = append(s.reqOrder, requestID)
		if len(s.reqOrder) > transcriptIndexCap {
			delete(s.transcripts, s.reqOrder[0])
			s.reqOrder = s.reqOrder[1:]
		}
	}
	s.transcripts[requestID] = providers.CloneMessages(msgs)
}

// record maps a posted bot message to the request and session it came from.
func (s *snapshotIndex) record(messageID, requestID, sessionID string) {
	if messageID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[messageID]; !ok {
		s.msgOrder = append(s.msgOrder, messageID)
		if len(s.msgOrder) > snapshotIndexCap {
			delete(s.messages, s.msgOrder[0])
			s.msgOrder = s.msgOrder[1:]
		}
	}
	s.messages[messageID] = snapshotRef{requestID: requestID, sessionID: sessionID}
}

func (s *snapshotIndex) refFor(messageID string) (snapshotRef, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.messages[messageID]
	return ref, ok
}

func (s *snapshotIndex) transcriptFor(requestID string) ([]providers.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs, ok := s.transcripts[requestID]
	if !ok {
		return nil, false
	}
	return providers.CloneMessages(msgs), true
}
