package bus

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"
)

// redelivery schedule for envelopes a handler refused to ack.
const (
	memoryMaxRedeliveries = 5
	memoryRedeliveryDelay = 50 * time.Millisecond
)

// MemoryBus is the in-process Bus. Subjects support NATS-style wildcards
// ("*" one token, ">" tail). Delivery is asynchronous per subscription; a
// handler returning an error wrapping ErrMalformedEnvelope gets the envelope
// redelivered with backoff up to memoryMaxRedeliveries times.
type MemoryBus struct {
	mu            sync.RWMutex
	subscriptions map[string][]*memorySubscription
	queues        map[string]*queueGroup
	closed        bool
	wg            sync.WaitGroup
}

type memorySubscription struct {
	bus     *MemoryBus
	subject string
	pattern *regexp.Regexp
	handler Handler
	queue   string

	mu     sync.Mutex
	active bool

	// delivery serializer: per-subscription ordered dispatch
	deliverCh chan *Envelope
	done      chan struct{}
}

type queueGroup struct {
	mu          sync.Mutex
	subscribers []*memorySubscription
	nextIndex   int
}

// NewMemoryBus creates an in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subscriptions: make(map[string][]*memorySubscription),
		queues:        make(map[string]*queueGroup),
	}
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, ev *Envelope) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("bus closed")
	}

	var targets []*memorySubscription
	deliveredQueues := make(map[string]bool)

	for pattern, subs := range b.subscriptions {
		for _, sub := range subs {
			if !sub.IsValid() || !subjectMatches(topic, pattern, sub.pattern) {
				continue
			}
			if sub.queue != "" {
				queueKey := sub.queue + ":" + sub.subject
				if deliveredQueues[queueKey] {
					continue
				}
				deliveredQueues[queueKey] = true
				if qg, ok := b.queues[queueKey]; ok {
					if member := qg.next(); member != nil {
						targets = append(targets, member)
					}
				}
				continue
			}
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.deliverCh <- ev:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (qg *queueGroup) next() *memorySubscription {
	qg.mu.Lock()
	defer qg.mu.Unlock()
	for range qg.subscribers {
		sub := qg.subscribers[qg.nextIndex%len(qg.subscribers)]
		qg.nextIndex++
		if sub.IsValid() {
			return sub
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(topic string, handler Handler) (Subscription, error) {
	return b.subscribe(topic, "", handler)
}

func (b *MemoryBus) QueueSubscribe(topic, group string, handler Handler) (Subscription, error) {
	if group == "" {
		return nil, fmt.Errorf("empty queue group")
	}
	return b.subscribe(topic, group, handler)
}

func (b *MemoryBus) subscribe(topic, group string, handler Handler) (Subscription, error) {
	pattern, err := compileSubject(topic)
	if err != nil {
		return nil, err
	}

	sub := &memorySubscription{
		bus:       b,
		subject:   topic,
		pattern:   pattern,
		handler:   handler,
		queue:     group,
		active:    true,
		deliverCh: make(chan *Envelope, 256),
		done:      make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("bus closed")
	}
	b.subscriptions[topic] = append(b.subscriptions[topic], sub)
	if group != "" {
		queueKey := group + ":" + topic
		qg, ok := b.queues[queueKey]
		if !ok {
			qg = &queueGroup{}
			b.queues[queueKey] = qg
		}
		qg.mu.Lock()
		qg.subscribers = append(qg.subscribers, sub)
		qg.mu.Unlock()
	}
	b.mu.Unlock()

	b.wg.Add(1)
	go sub.run()
	return sub, nil
}

// run dispatches envelopes in order. Refused acks are redelivered inline so
// ordering within the subscription is preserved.
func (s *memorySubscription) run() {
	defer s.bus.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.deliverCh:
			s.dispatch(ev)
		}
	}
}

func (s *memorySubscription) dispatch(ev *Envelope) {
	for attempt := 0; ; attempt++ {
		err := s.handler(context.Background(), ev)
		if err == nil {
			return
		}
		if attempt >= memoryMaxRedeliveries {
			slog.Error("bus: dropping envelope after redelivery budget",
				"subject", s.subject, "type", ev.Type, "id", ev.ID, "error", err)
			return
		}
		slog.Warn("bus: handler refused ack, redelivering",
			"subject", s.subject, "type", ev.Type, "attempt", attempt+1, "error", err)
		select {
		case <-s.done:
			return
		case <-time.After(memoryRedeliveryDelay << attempt):
		}
	}
}

func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil
	}
	s.active = false
	s.mu.Unlock()
	close(s.done)

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.subscriptions[s.subject]
	for i, sub := range subs {
		if sub == s {
			s.bus.subscriptions[s.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if s.queue != "" {
		queueKey := s.queue + ":" + s.subject
		if qg, ok := s.bus.queues[queueKey]; ok {
			qg.mu.Lock()
			for i, sub := range qg.subscribers {
				if sub == s {
					qg.subscribers = append(qg.subscribers[:i], qg.subscribers[i+1:]...)
					break
				}
			}
			qg.mu.Unlock()
		}
	}
	return nil
}

func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (b *MemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*memorySubscription
	for _, subs := range b.subscriptions {
		all = append(all, subs...)
	}
	b.mu.Unlock()

	for _, sub := range all {
		_ = sub.Unsubscribe()
	}
	b.wg.Wait()
}

// subjectMatches checks a concrete subject against a subscription pattern.
func subjectMatches(subject, pattern string, compiled *regexp.Regexp) bool {
	if subject == pattern {
		return true
	}
	if compiled == nil {
		return false
	}
	return compiled.MatchString(subject)
}

// compileSubject translates NATS-style wildcards into a regexp.
// Returns nil for literal subjects (exact match only).
func compileSubject(subject string) (*regexp.Regexp, error) {
	if !strings.ContainsAny(subject, "*>") {
		return nil, nil
	}
	tokens := strings.Split(subject, ".")
	var sb strings.Builder
	sb.WriteString("^")
	for i, tok := range tokens {
		if i > 0 {
			sb.WriteString(`\.`)
		}
		switch tok {
		case "*":
			sb.WriteString(`[^.]+`)
		case ">":
			if i != len(tokens)-1 {
				return nil, fmt.Errorf("invalid subject %q: '>' must be last", subject)
			}
			sb.WriteString(`.+`)
		default:
			sb.WriteString(regexp.QuoteMeta(tok))
		}
	}
	sb.WriteString("$")
	return regexp.Compile(sb.String())
}
