package agent

import (
	"github.com/nextlevelbuilder/courier/internal/providers"
)

// EventType discriminates engine events.
type EventType string

const (
	EventAgentStart EventType = "agent_start"
	EventAgentEnd   EventType = "agent_end"

	EventTurnStart EventType = "turn_start"
	EventTurnEnd   EventType = "turn_end"
	EventTurnAbort EventType = "turn_abort"

	EventMessagesReset EventType = "messages_reset"

	EventMessageStart  EventType = "message_start"
	EventMessageUpdate EventType = "message_update"
	EventMessageEnd    EventType = "message_end"

	EventToolExecutionStart  EventType = "tool_execution_start"
	EventToolExecutionUpdate EventType = "tool_execution_update"
	EventToolExecutionEnd    EventType = "tool_execution_end"
)

// Abort reasons and phases.
const (
	AbortReasonInterrupt = "interrupt"
	AbortReasonManual    = "manual"

	AbortPhaseModel = "model"
	AbortPhaseTools = "tools"
)

// Reset reasons.
const (
	ResetReasonInterrupt  = "interrupt"
	ResetReasonReplace    = "replace"
	ResetReasonCompaction = "compaction"
)

// Event is one engine event. Flat variant struct; Type decides which fields
// are populated. Message slices are clones; subscribers own them.
type Event struct {
	Type EventType

	// agent_end
	Transcript []providers.Message
	Err        error

	// turn_end
	FinishReason string
	NewMessages  []providers.Message
	Usage        *providers.Usage
	TotalUsage   *providers.Usage

	// turn_abort
	AbortReason string
	AbortPhase  string
	Detail      string

	// messages_reset: authoritative transcript replacement downstream
	ResetReason          string
	Messages             []providers.Message
	DroppedMessageCount  int
	PreviousMessageCount int

	// message_start / message_update / message_end
	Message    *providers.Message
	StreamPart *providers.StreamPart

	// tool_execution_*
	ToolName   string
	ToolCallID string
	Chunk      string
	IsError    bool
}

// Subscriber receives engine events on the driving goroutine; it must not
// block and must treat messages_reset as authoritative.
type Subscriber func(Event)
