// Package bus provides the internal event bus the routing core communicates over.
//
// Every message is an Envelope published to a topic. Handlers ack implicitly by
// returning nil; returning an error wrapping ErrMalformedEnvelope refuses the ack
// so the bus redelivers. Any other handler error is the handler's own problem;
// by contract handlers log and swallow logic errors rather than poisoning the topic.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Topic names. out.req.<id> is per-request; use OutputTopic to build it.
const (
	TopicAdapter    = "evt.adapter"
	TopicSurface    = "evt.surface"
	TopicRequest    = "evt.request"
	TopicCmdRequest = "cmd.request"
	TopicCmdSurface = "cmd.surface"

	// TopicEvents matches every evt.* topic. One subscription on it sees
	// adapter, surface, and request events in publish order.
	TopicEvents = "evt.>"
)

// Event types carried on the topics above.
const (
	TypeAdapterMessageCreated = "adapter.message.created"
	TypeSurfaceOutputCreated  = "surface.output.message.created"
	TypeRequestLifecycle      = "request.lifecycle.changed"
	TypeRequestReply          = "request.reply"
	TypeRequestMessage        = "request.message"
	TypeSurfaceReanchor       = "surface.output.reanchor"

	TypeOutputDeltaText      = "agent.output.delta.text"
	TypeOutputToolCall       = "agent.output.tool.call"
	TypeOutputResponseText   = "agent.output.response.text"
	TypeOutputResponseBinary = "agent.output.response.binary"
)

// Required header keys.
const (
	HeaderRequestID     = "request_id"
	HeaderSessionID     = "session_id"
	HeaderRequestClient = "request_client"
)

// OutputTopic returns the per-request output topic for a request ID.
func OutputTopic(requestID string) string {
	return "out.req." + requestID
}

// ErrMalformedEnvelope marks an envelope that must not be acked.
// Subscriptions see it and schedule redelivery instead of dropping the event.
var ErrMalformedEnvelope = errors.New("malformed bus envelope")

// Envelope is the unit of exchange on the bus.
type Envelope struct {
	ID      string            `json:"id"`
	Type    string            `json:"type"`
	TS      time.Time         `json:"ts"`
	Headers map[string]string `json:"headers,omitempty"`
	Payload json.RawMessage   `json:"payload,omitempty"`
}

// NewEnvelope builds an envelope with a fresh ID and marshaled payload.
func NewEnvelope(eventType string, headers map[string]string, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return &Envelope{
		ID:      uuid.NewString(),
		Type:    eventType,
		TS:      time.Now().UTC(),
		Headers: headers,
		Payload: data,
	}, nil
}

// Header returns a required header, or an error wrapping ErrMalformedEnvelope.
func (e *Envelope) Header(key string) (string, error) {
	if v := e.Headers[key]; v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%w: %s missing header %q", ErrMalformedEnvelope, e.Type, key)
}

// Decode unmarshals the payload into dst.
func (e *Envelope) Decode(dst any) error {
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedEnvelope, e.Type, err)
	}
	return nil
}

// Handler processes one envelope. A nil return acks the envelope.
type Handler func(ctx context.Context, ev *Envelope) error

// Subscription is an active topic subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Bus is the event bus the core components communicate over.
// Subjects support NATS-style wildcards ("out.req.*", "evt.>").
type Bus interface {
	// Publish sends an envelope to a topic.
	Publish(ctx context.Context, topic string, ev *Envelope) error

	// Subscribe delivers every matching envelope to handler.
	Subscribe(topic string, handler Handler) (Subscription, error)

	// QueueSubscribe delivers each matching envelope to one member of the group.
	QueueSubscribe(topic, group string, handler Handler) (Subscription, error)

	// Close tears the bus down; outstanding subscriptions become invalid.
	Close()
}

// PublishEvent marshals payload and publishes in one step.
func PublishEvent(ctx context.Context, b Bus, topic, eventType string, headers map[string]string, payload any) error {
	ev, err := NewEnvelope(eventType, headers, payload)
	if err != nil {
		return err
	}
	return b.Publish(ctx, topic, ev)
}

// RequestHeaders builds the standard header set for request-scoped events.
func RequestHeaders(requestID, sessionID, client string) map[string]string {
	h := map[string]string{
		HeaderRequestID: requestID,
		HeaderSessionID: sessionID,
	}
	if client != "" {
		h[HeaderRequestClient] = client
	}
	return h
}

// Headers is the parsed standard header set of a request-scoped envelope.
type Headers struct {
	RequestID string
	SessionID string
	Client    string
}

// Map renders the headers back to envelope form.
func (h Headers) Map() map[string]string {
	return RequestHeaders(h.RequestID, h.SessionID, h.Client)
}

// RequestHeaderValues extracts the required request headers, returning an
// ErrMalformedEnvelope-wrapped error when one is missing.
func RequestHeaderValues(e *Envelope) (Headers, error) {
	requestID, err := e.Header(HeaderRequestID)
	if err != nil {
		return Headers{}, err
	}
	sessionID, err := e.Header(HeaderSessionID)
	if err != nil {
		return Headers{}, err
	}
	client, err := e.Header(HeaderRequestClient)
	if err != nil {
		return Headers{}, err
	}
	return Headers{RequestID: requestID, SessionID: sessionID, Client: client}, nil
}
