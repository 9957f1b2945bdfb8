package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/courier/internal/providers"
	"github.com/nextlevelbuilder/courier/internal/tools"
)

// SteeringMode controls how many queued steering messages drain per check.
type SteeringMode string

const (
	SteerOneAtATime SteeringMode = "one-at-a-time"
	SteerAll        SteeringMode = "all"
)

// FollowUpMode controls how many queued follow-ups drain at turn end.
type FollowUpMode string

const (
	FollowUpOneAtATime FollowUpMode = "one-at-a-time"
	FollowUpAll        FollowUpMode = "all"
)

// ErrorDecision is a turn-error handler's verdict.
type ErrorDecision int

const (
	DecisionFail ErrorDecision = iota
	DecisionRetry
)

// TurnErrorHandler inspects a failed turn. attempt counts consecutive failures
// starting at 1. Returning DecisionRetry reruns the turn.
type TurnErrorHandler func(err error, attempt int) ErrorDecision

// TransformFunc is the outbound message hook run before each model call.
// Returning replace=true makes the result the authoritative transcript
// (messages_reset{compaction} is emitted); otherwise it only shapes this call.
// The result must not end with an assistant message.
type TransformFunc func(ctx context.Context, msgs []providers.Message) (out []providers.Message, replace bool, err error)

// Engine errors.
var (
	ErrAlreadyRunning   = errors.New("agent already running")
	ErrNotRunning       = errors.New("agent not running")
	ErrInterruptPending = errors.New("interrupt already pending")
	ErrBusyStreaming    = errors.New("transcript locked while streaming or tools pending")
)

// skippedBySteeringText is the synthesized tool result for calls abandoned
// when a steering message pre-empts the rest of a tool batch.
const skippedBySteeringText = "Skipped due to steering message"

// Config configures an Agent.
type Config struct {
	Provider    providers.Provider
	Model       string
	System      string
	Tools       *tools.Registry
	MaxTokens   int
	Temperature float64
	Options     map[string]any

	SteeringMode SteeringMode // default one-at-a-time
	FollowUpMode FollowUpMode // default one-at-a-time
	MaxTurns     int          // default 40
}

// Agent drives the streaming turn loop for one request at a time.
//
// All transcript mutations happen on the goroutine driving Prompt; Steer,
// FollowUp, Interrupt and Abort are safe from other goroutines and take
// effect at the engine's next check point.
type Agent struct {
	cfg Config

	mu          sync.Mutex
	subscribers []Subscriber
	transform   TransformFunc
	errHandler  TurnErrorHandler

	running    bool
	inTurn     bool
	transcript []providers.Message
	totalUsage providers.Usage

	steering  []string
	followUps []string

	pendingInterrupt *interruptReq
	cancelTurn       context.CancelCauseFunc
	runSeq           int
}

type interruptReq struct {
	msg  string
	done chan error
}

// Abort-signal causes.
var (
	causeInterrupt = errors.New("turn interrupted")
	causeManual    = errors.New("turn aborted")
)

// New creates an Agent.
func New(cfg Config) *Agent {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 40
	}
	if cfg.SteeringMode == "" {
		cfg.SteeringMode = SteerOneAtATime
	}
	if cfg.FollowUpMode == "" {
		cfg.FollowUpMode = FollowUpOneAtATime
	}
	return &Agent{cfg: cfg}
}

// Subscribe registers an event subscriber. Not safe to call concurrently with
// a running prompt; wire subscribers before the first Prompt.
func (a *Agent) Subscribe(s Subscriber) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subscribers = append(a.subscribers, s)
}

// SetTransform installs the outbound message hook.
func (a *Agent) SetTransform(tf TransformFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.transform = tf
}

// SetTurnErrorHandler installs the turn-error handler.
func (a *Agent) SetTurnErrorHandler(h TurnErrorHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errHandler = h
}

// Messages returns a clone of the canonical transcript.
func (a *Agent) Messages() []providers.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return providers.CloneMessages(a.transcript)
}

// TotalUsage returns accumulated usage across all turns.
func (a *Agent) TotalUsage() providers.Usage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totalUsage
}

// ReplaceMessages swaps the canonical transcript. Forbidden while a turn is
// streaming or tool calls are pending.
func (a *Agent) ReplaceMessages(msgs []providers.Message) error {
	a.mu.Lock()
	if a.inTurn {
		a.mu.Unlock()
		return ErrBusyStreaming
	}
	if !IsValidTranscript(msgs) {
		a.mu.Unlock()
		return fmt.Errorf("replacement transcript is not valid")
	}
	prev := len(a.transcript)
	a.transcript = providers.CloneMessages(msgs)
	snapshot := providers.CloneMessages(a.transcript)
	a.mu.Unlock()

	a.emit(Event{
		Type:                 EventMessagesReset,
		ResetReason:          ResetReasonReplace,
		Messages:             snapshot,
		PreviousMessageCount: prev,
	})
	return nil
}

// Steer queues a steering message, applied after the currently executing tool
// call completes (remaining calls in the batch are skipped).
func (a *Agent) Steer(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.steering = append(a.steering, text)
}

// FollowUp queues a follow-up user message, applied when a turn finishes
// without tool calls.
func (a *Agent) FollowUp(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.followUps = append(a.followUps, text)
}

// Interrupt aborts the current turn, rewinds the transcript to the last valid
// boundary, appends message as the new user tail, and resumes. Blocks until
// the rewind is applied. Only one interrupt may be pending.
func (a *Agent) Interrupt(ctx context.Context, message string) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return ErrNotRunning
	}
	if a.pendingInterrupt != nil {
		a.mu.Unlock()
		return ErrInterruptPending
	}
	req := &interruptReq{msg: message, done: make(chan error, 1)}
	a.pendingInterrupt = req
	cancel := a.cancelTurn
	a.mu.Unlock()

	if cancel != nil {
		cancel(causeInterrupt)
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Abort stops the run without rewinding (turn_abort{manual}).
func (a *Agent) Abort() {
	a.mu.Lock()
	cancel := a.cancelTurn
	a.mu.Unlock()
	if cancel != nil {
		cancel(causeManual)
	}
}

// Prompt appends messages to the transcript and drives the turn loop until
// idle. Blocks for the whole run; one run at a time is enforced.
func (a *Agent) Prompt(ctx context.Context, msgs []providers.Message) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return ErrAlreadyRunning
	}
	a.running = true
	a.runSeq++
	a.transcript = append(a.transcript, providers.CloneMessages(msgs)...)
	a.mu.Unlock()

	err := a.run(ctx)

	a.mu.Lock()
	a.running = false
	a.cancelTurn = nil
	pending := a.pendingInterrupt
	a.pendingInterrupt = nil
	a.mu.Unlock()
	if pending != nil {
		pending.done <- fmt.Errorf("run ended before interrupt applied")
	}
	return err
}

func (a *Agent) run(ctx context.Context) error {
	a.emit(Event{Type: EventAgentStart})

	var finalErr error
	failStreak := 0

loop:
	for turn := 0; turn < a.cfg.MaxTurns; turn++ {
		// An interrupt that landed between turns needs no stream abort;
		// apply the rewind directly.
		if a.takePendingInterrupt(AbortPhaseModel, true) {
			continue
		}
		if ctx.Err() != nil {
			a.emit(Event{Type: EventTurnAbort, AbortReason: AbortReasonManual, AbortPhase: AbortPhaseModel})
			break loop
		}

		turnCtx, cancel := context.WithCancelCause(ctx)
		a.mu.Lock()
		a.cancelTurn = cancel
		a.mu.Unlock()

		res := a.runTurn(turnCtx)

		a.mu.Lock()
		a.cancelTurn = nil
		a.mu.Unlock()
		cancel(nil)

		switch res.kind {
		case turnOK:
			failStreak = 0
			if res.continueLoop {
				continue
			}
			break loop

		case turnAbortedInterrupt:
			a.emit(Event{Type: EventTurnAbort, AbortReason: AbortReasonInterrupt, AbortPhase: res.phase, Detail: res.detail})
			a.takePendingInterrupt(res.phase, false)
			continue

		case turnAbortedManual:
			a.emit(Event{Type: EventTurnAbort, AbortReason: AbortReasonManual, AbortPhase: res.phase, Detail: res.detail})
			break loop

		case turnFailed:
			failStreak++
			a.mu.Lock()
			handler := a.errHandler
			a.mu.Unlock()
			if handler != nil && handler(res.err, failStreak) == DecisionRetry {
				slog.Info("turn error, retrying", "attempt", failStreak, "error", res.err)
				continue
			}
			finalErr = res.err
			break loop
		}
	}

	a.emit(Event{
		Type:       EventAgentEnd,
		Transcript: a.Messages(),
		TotalUsage: a.usageSnapshot(),
		Err:        finalErr,
	})
	return finalErr
}

// takePendingInterrupt applies a pending interrupt: rewind to the last valid
// boundary, emit messages_reset{interrupt}, append the interrupt user message.
// When emitAbort is set the turn_abort event is emitted here too (between-turn
// interrupts have no aborted stream to report it from).
func (a *Agent) takePendingInterrupt(phase string, emitAbort bool) bool {
	a.mu.Lock()
	req := a.pendingInterrupt
	a.pendingInterrupt = nil
	if req == nil {
		a.mu.Unlock()
		return false
	}

	if emitAbort {
		a.mu.Unlock()
		a.emit(Event{Type: EventTurnAbort, AbortReason: AbortReasonInterrupt, AbortPhase: phase})
		a.mu.Lock()
	}

	boundary := LastValidBoundary(a.transcript)
	dropped := len(a.transcript) - boundary
	a.transcript = a.transcript[:boundary]
	a.transcript = append(a.transcript, providers.UserText(req.msg))
	snapshot := providers.CloneMessages(a.transcript)
	a.mu.Unlock()

	a.emit(Event{
		Type:                EventMessagesReset,
		ResetReason:         ResetReasonInterrupt,
		Messages:            snapshot,
		DroppedMessageCount: dropped,
	})
	req.done <- nil
	return true
}

type turnResultKind int

const (
	turnOK turnResultKind = iota
	turnAbortedInterrupt
	turnAbortedManual
	turnFailed
)

type turnResult struct {
	kind         turnResultKind
	phase        string
	detail       string
	err          error
	continueLoop bool
}

func (a *Agent) abortKind(ctx context.Context, phase string) turnResult {
	a.mu.Lock()
	interrupted := a.pendingInterrupt != nil
	a.mu.Unlock()
	if interrupted || errors.Is(context.Cause(ctx), causeInterrupt) {
		return turnResult{kind: turnAbortedInterrupt, phase: phase}
	}
	return turnResult{kind: turnAbortedManual, phase: phase}
}

func (a *Agent) runTurn(ctx context.Context) turnResult {
	a.emit(Event{Type: EventTurnStart})
	turnStart := len(a.transcript)

	// Outbound view: clone, then let the transform (compaction) reshape it.
	outbound := providers.CloneMessages(a.transcript)
	a.mu.Lock()
	tf := a.transform
	a.mu.Unlock()
	if tf != nil {
		out, replace, err := tf(ctx, outbound)
		if err != nil {
			return turnResult{kind: turnFailed, err: fmt.Errorf("transform messages: %w", err)}
		}
		if out != nil {
			if len(out) > 0 && out[len(out)-1].Role == providers.RoleAssistant {
				return turnResult{kind: turnFailed, err: fmt.Errorf("transform yielded assistant-terminated outbound list")}
			}
			if replace {
				a.mu.Lock()
				prev := len(a.transcript)
				a.transcript = providers.CloneMessages(out)
				snapshot := providers.CloneMessages(a.transcript)
				a.mu.Unlock()
				a.emit(Event{
					Type:                 EventMessagesReset,
					ResetReason:          ResetReasonCompaction,
					Messages:             snapshot,
					PreviousMessageCount: prev,
				})
				turnStart = len(snapshot)
			}
			outbound = out
		}
	}

	// The model proposes; the engine executes. Only schemas go out.
	var defs []providers.ToolDefinition
	if a.cfg.Tools != nil {
		defs = a.cfg.Tools.Definitions()
	}

	a.setInTurn(true)
	defer a.setInTurn(false)

	parts, err := a.cfg.Provider.Stream(ctx, providers.Request{
		Model:       a.cfg.Model,
		System:      a.cfg.System,
		Messages:    outbound,
		Tools:       defs,
		MaxTokens:   a.cfg.MaxTokens,
		Temperature: a.cfg.Temperature,
		Options:     a.cfg.Options,
	})
	if err != nil {
		return turnResult{kind: turnFailed, err: err}
	}

	assistant, finishReason, usage, streamRes := a.consumeStream(ctx, parts)
	if streamRes != nil {
		return *streamRes
	}

	if usage != nil {
		a.mu.Lock()
		a.totalUsage.Add(*usage)
		a.mu.Unlock()
	}

	a.appendMessage(assistant)

	if finishReason == providers.FinishToolCalls {
		if res := a.executeToolBatch(ctx, assistant.ToolCalls()); res != nil {
			return *res
		}
		a.emitTurnEnd(finishReason, turnStart, usage)
		return turnResult{kind: turnOK, continueLoop: true}
	}

	// No tool calls: drain follow-ups; the run ends when there are none.
	followUps := a.drainFollowUps()
	for _, text := range followUps {
		a.appendMessage(providers.UserText(text))
	}
	a.emitTurnEnd(finishReason, turnStart, usage)
	// Subscribers may queue a follow-up in reaction to turn_end (the
	// compaction nudge). Re-check so it still extends this run and the next
	// model call happens on the compacted transcript.
	if len(followUps) == 0 {
		followUps = a.drainFollowUps()
		for _, text := range followUps {
			a.appendMessage(providers.UserText(text))
		}
	}
	return turnResult{kind: turnOK, continueLoop: len(followUps) > 0}
}

// consumeStream accumulates the streamed assistant message. Contiguous text
// and reasoning runs merge into single parts. Returns a non-nil turnResult on
// abort or stream error.
func (a *Agent) consumeStream(ctx context.Context, parts <-chan providers.StreamPart) (providers.Message, string, *providers.Usage, *turnResult) {
	assistant := providers.Message{Role: providers.RoleAssistant}
	finishReason := providers.FinishStop
	var usage *providers.Usage
	started := false
	finished := false

	appendText := func(partType providers.PartType, text string) {
		n := len(assistant.Parts)
		if n > 0 && assistant.Parts[n-1].Type == partType {
			assistant.Parts[n-1].Text += text
			return
		}
		assistant.Parts = append(assistant.Parts, providers.Part{Type: partType, Text: text})
	}

	for part := range parts {
		if !started {
			started = true
			a.emit(Event{Type: EventMessageStart, Message: &providers.Message{Role: providers.RoleAssistant}})
		}

		switch part.Type {
		case providers.StreamTextStart, providers.StreamTextEnd:
			// boundaries only; content arrives in deltas

		case providers.StreamTextDelta:
			appendText(providers.PartText, part.Text)
			snapshot := part
			a.emit(Event{Type: EventMessageUpdate, StreamPart: &snapshot})

		case providers.StreamReasoningDelta:
			appendText(providers.PartReasoning, part.Text)
			snapshot := part
			a.emit(Event{Type: EventMessageUpdate, StreamPart: &snapshot})

		case providers.StreamToolCall:
			assistant.Parts = append(assistant.Parts, providers.Part{
				Type:       providers.PartToolCall,
				ToolCallID: part.ToolCallID,
				ToolName:   part.ToolName,
				Args:       part.Args,
			})
			snapshot := part
			a.emit(Event{Type: EventMessageUpdate, StreamPart: &snapshot})

		case providers.StreamFinish:
			finishReason = part.FinishReason
			usage = part.Usage
			finished = true

		case providers.StreamAbort:
			res := a.abortKind(ctx, AbortPhaseModel)
			return assistant, "", nil, &res

		case providers.StreamError:
			res := turnResult{kind: turnFailed, err: part.Err}
			return assistant, "", nil, &res
		}
	}

	if !finished {
		// Channel closed without a terminal part: treat as abort.
		res := a.abortKind(ctx, AbortPhaseModel)
		return assistant, "", nil, &res
	}
	return assistant, finishReason, usage, nil
}

// executeToolBatch runs the turn's tool calls in model order. Returns a
// non-nil turnResult when the batch ends the turn abnormally.
func (a *Agent) executeToolBatch(ctx context.Context, calls []providers.Part) *turnResult {
	for i, call := range calls {
		toolMsg := a.executeOneTool(ctx, call)
		a.appendMessage(toolMsg)

		// Steering pre-empts the rest of the batch.
		if steering := a.drainSteering(); len(steering) > 0 {
			for _, skipped := range calls[i+1:] {
				a.appendMessage(providers.Message{Role: providers.RoleTool, Parts: []providers.Part{{
					Type:       providers.PartErrorText,
					ToolCallID: skipped.ToolCallID,
					ToolName:   skipped.ToolName,
					Text:       skippedBySteeringText,
				}}})
			}
			for _, text := range steering {
				a.appendMessage(providers.UserText(text))
			}
			return nil
		}

		if ctx.Err() != nil {
			res := a.abortKind(ctx, AbortPhaseTools)
			return &res
		}
	}
	return nil
}

func (a *Agent) executeOneTool(ctx context.Context, call providers.Part) providers.Message {
	a.emit(Event{Type: EventToolExecutionStart, ToolName: call.ToolName, ToolCallID: call.ToolCallID})

	errorResult := func(text string) providers.Message {
		a.emit(Event{Type: EventToolExecutionEnd, ToolName: call.ToolName, ToolCallID: call.ToolCallID, IsError: true, Detail: text})
		return providers.Message{Role: providers.RoleTool, Parts: []providers.Part{{
			Type:       providers.PartErrorText,
			ToolCallID: call.ToolCallID,
			ToolName:   call.ToolName,
			Text:       text,
		}}}
	}

	if a.cfg.Tools == nil {
		return errorResult((&tools.ErrUnknownTool{Name: call.ToolName}).Error())
	}
	tool, ok := a.cfg.Tools.Get(call.ToolName)
	if !ok {
		return errorResult((&tools.ErrUnknownTool{Name: call.ToolName}).Error())
	}

	tcall := tools.Call{ID: call.ToolCallID, Name: call.ToolName, Args: call.Args}
	if tool.NeedsApproval != nil && !tool.NeedsApproval(ctx, tcall) {
		return errorResult(fmt.Sprintf("tool %q denied by approval policy", call.ToolName))
	}

	output, err := tool.Execute(ctx, call.Args, func(chunk string) {
		a.emit(Event{Type: EventToolExecutionUpdate, ToolName: call.ToolName, ToolCallID: call.ToolCallID, Chunk: chunk})
	})
	if err != nil {
		slog.Warn("tool error", "tool", call.ToolName, "error", err)
		return errorResult(err.Error())
	}

	a.emit(Event{Type: EventToolExecutionEnd, ToolName: call.ToolName, ToolCallID: call.ToolCallID})
	return providers.Message{Role: providers.RoleTool, Parts: []providers.Part{{
		Type:       providers.PartToolResult,
		ToolCallID: call.ToolCallID,
		ToolName:   call.ToolName,
		Output:     output,
	}}}
}

func (a *Agent) drainSteering() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.steering) == 0 {
		return nil
	}
	if a.cfg.SteeringMode == SteerAll {
		out := a.steering
		a.steering = nil
		return out
	}
	out := []string{a.steering[0]}
	a.steering = a.steering[1:]
	return out
}

func (a *Agent) drainFollowUps() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.followUps) == 0 {
		return nil
	}
	if a.cfg.FollowUpMode == FollowUpAll {
		out := a.followUps
		a.followUps = nil
		return out
	}
	out := []string{a.followUps[0]}
	a.followUps = a.followUps[1:]
	return out
}

func (a *Agent) appendMessage(msg providers.Message) {
	a.mu.Lock()
	a.transcript = append(a.transcript, msg)
	a.mu.Unlock()
	clone := msg.Clone()
	a.emit(Event{Type: EventMessageEnd, Message: &clone})
}

func (a *Agent) emitTurnEnd(finishReason string, turnStart int, usage *providers.Usage) {
	a.mu.Lock()
	newMessages := providers.CloneMessages(a.transcript[turnStart:])
	total := a.totalUsage
	a.mu.Unlock()
	a.emit(Event{
		Type:         EventTurnEnd,
		FinishReason: finishReason,
		NewMessages:  newMessages,
		Usage:        usage,
		TotalUsage:   &total,
	})
}

func (a *Agent) setInTurn(v bool) {
	a.mu.Lock()
	a.inTurn = v
	a.mu.Unlock()
}

func (a *Agent) usageSnapshot() *providers.Usage {
	a.mu.Lock()
	defer a.mu.Unlock()
	u := a.totalUsage
	return &u
}

func (a *Agent) emit(ev Event) {
	a.mu.Lock()
	subs := make([]Subscriber, len(a.subscribers))
	copy(subs, a.subscribers)
	a.mu.Unlock()
	for _, s := range subs {
		s(ev)
	}
}
