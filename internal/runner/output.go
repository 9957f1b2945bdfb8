package runner

import (
	"context"
	"log/slog"

	"github.com/nextlevelbuilder/courier/internal/agent"
	"github.com/nextlevelbuilder/courier/internal/bus"
	"github.com/nextlevelbuilder/courier/internal/providers"
)

// outputPublisher mirrors engine events onto the per-request output topic.
// The relay is the only consumer; publish failures are logged and dropped so
// a flaky bus never stalls the turn.
type outputPublisher struct {
	bus     bus.Bus
	topic   string
	headers map[string]string
	reqID   string
}

func newOutputPublisher(b bus.Bus, h bus.Headers) *outputPublisher {
	return &outputPublisher{
		bus:     b,
		topic:   bus.OutputTopic(h.RequestID),
		headers: h.Map(),
		reqID:   h.RequestID,
	}
}

// onEvent is an agent.Subscriber. It runs on the engine goroutine and must
// not block, so publishes use a background context.
func (p *outputPublisher) onEvent(ev agent.Event) {
	ctx := context.Background()
	switch ev.Type {
	case agent.EventMessageUpdate:
		if ev.StreamPart == nil || ev.StreamPart.Text == "" {
			return
		}
		if ev.StreamPart.Type == providers.StreamTextDelta {
			p.publish(ctx, bus.TypeOutputDeltaText, bus.OutputTextDelta{Text: ev.StreamPart.Text})
		}
	case agent.EventToolExecutionStart:
		p.publish(ctx, bus.TypeOutputToolCall, bus.OutputToolCall{
			ToolName:   ev.ToolName,
			ToolCallID: ev.ToolCallID,
			Phase:      bus.ToolPhaseStart,
		})
	case agent.EventToolExecutionUpdate:
		p.publish(ctx, bus.TypeOutputToolCall, bus.OutputToolCall{
			ToolName:   ev.ToolName,
			ToolCallID: ev.ToolCallID,
			Phase:      bus.ToolPhaseUpdate,
			Detail:     ev.Chunk,
		})
	case agent.EventToolExecutionEnd:
		p.publish(ctx, bus.TypeOutputToolCall, bus.OutputToolCall{
			ToolName:   ev.ToolName,
			ToolCallID: ev.ToolCallID,
			Phase:      bus.ToolPhaseEnd,
			IsError:    ev.IsError,
		})
	}
}

// publishFinal emits the final assistant text for the request.
func (p *outputPublisher) publishFinal(ctx context.Context, text string) {
	p.publish(ctx, bus.TypeOutputResponseText, bus.OutputResponseText{Text: text})
}

func (p *outputPublisher) publish(ctx context.Context, eventType string, payload any) {
	if err := bus.PublishEvent(ctx, p.bus, p.topic, eventType, p.headers, payload); err != nil {
		slog.Warn("output publish failed", "request_id", p.reqID, "type", eventType, "error", err)
	}
}
