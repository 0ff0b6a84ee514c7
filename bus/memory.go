package bus

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
)

// MemoryBus implements MessageBus using in-memory channels.
// Useful for testing and single-process scenarios.
type MemoryBus struct {
	config Config

	mu          sync.RWMutex
	subs        map[string][]*memorySub
	queueGroups map[string]map[string][]*memorySub // subject -> queue -> subs
	closed      atomic.Bool

	replyMu   sync.Mutex
	replySubs map[string]chan *Message
	replySeq  atomic.Uint64
	queueSeq  atomic.Uint64
}

type memorySub struct {
	subject string
	queue   string
	bus     *MemoryBus

	mu     sync.Mutex // guards sends against close
	ch     chan *Message
	closed bool
}

// NewMemoryBus creates a new in-memory message bus.
func NewMemoryBus(cfg Config) *MemoryBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}

	return &MemoryBus{
		config:      cfg,
		subs:        make(map[string][]*memorySub),
		queueGroups: make(map[string]map[string][]*memorySub),
		replySubs:   make(map[string]chan *Message),
	}
}

// Publish sends a message to all subscribers.
func (b *MemoryBus) Publish(subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}

	msg := &Message{
		Subject: subject,
		Data:    data,
	}

	if b.deliverToReply(subject, msg) {
		return nil
	}
	b.deliver(subject, msg)
	return nil
}

// deliver fans msg out to plain subscribers and one member of each queue
// group. It reports how many subscribers accepted it.
func (b *MemoryBus) deliver(subject string, msg *Message) int {
	b.mu.RLock()
	subs := append([]*memorySub(nil), b.subs[subject]...)
	var groups [][]*memorySub
	for _, qsubs := range b.queueGroups[subject] {
		groups = append(groups, append([]*memorySub(nil), qsubs...))
	}
	b.mu.RUnlock()

	n := 0
	for _, sub := range subs {
		if sub.send(msg) {
			n++
		}
	}
	for _, qsubs := range groups {
		if b.deliverToOneInQueue(qsubs, msg) {
			n++
		}
	}
	return n
}

// deliverToOneInQueue hands msg to one queue member, rotating the starting
// member between calls.
func (b *MemoryBus) deliverToOneInQueue(subs []*memorySub, msg *Message) bool {
	if len(subs) == 0 {
		return false
	}
	start := int(b.queueSeq.Add(1) % uint64(len(subs)))
	for i := range subs {
		if subs[(start+i)%len(subs)].send(msg) {
			return true
		}
	}
	return false
}

// deliverToReply completes a pending Request waiting on subject.
func (b *MemoryBus) deliverToReply(subject string, msg *Message) bool {
	b.replyMu.Lock()
	ch, ok := b.replySubs[subject]
	if ok {
		delete(b.replySubs, subject)
	}
	b.replyMu.Unlock()

	if ok {
		ch <- msg // buffered, single use
	}
	return ok
}

// Subscribe creates a subscription to a subject.
func (b *MemoryBus) Subscribe(subject string) (Subscription, error) {
	return b.subscribe(subject, "")
}

// QueueSubscribe creates a queue subscription.
func (b *MemoryBus) QueueSubscribe(subject, queue string) (Subscription, error) {
	if queue == "" {
		return nil, ErrInvalidSubject
	}
	return b.subscribe(subject, queue)
}

func (b *MemoryBus) subscribe(subject, queue string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub := &memorySub{
		subject: subject,
		queue:   queue,
		ch:      make(chan *Message, b.config.BufferSize),
		bus:     b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if queue == "" {
		b.subs[subject] = append(b.subs[subject], sub)
		return sub, nil
	}
	if b.queueGroups[subject] == nil {
		b.queueGroups[subject] = make(map[string][]*memorySub)
	}
	b.queueGroups[subject][queue] = append(b.queueGroups[subject][queue], sub)
	return sub, nil
}

// Request sends a request and waits for reply.
func (b *MemoryBus) Request(ctx context.Context, subject string, data []byte) (*Message, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	replySubject := "_INBOX." + strconv.FormatUint(b.replySeq.Add(1), 10)
	replyCh := make(chan *Message, 1)

	b.replyMu.Lock()
	b.replySubs[replySubject] = replyCh
	b.replyMu.Unlock()

	cleanup := func() {
		b.replyMu.Lock()
		delete(b.replySubs, replySubject)
		b.replyMu.Unlock()
	}

	msg := &Message{
		Subject: subject,
		Data:    data,
		Reply:   replySubject,
	}
	if b.deliver(subject, msg) == 0 {
		cleanup()
		return nil, ErrNoResponders
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		cleanup()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

// Close shuts down the bus.
func (b *MemoryBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.close()
		}
	}
	for _, queues := range b.queueGroups {
		for _, subs := range queues {
			for _, sub := range subs {
				sub.close()
			}
		}
	}

	b.subs = nil
	b.queueGroups = nil

	return nil
}

// send delivers msg without blocking. A full buffer drops the message.
func (s *memorySub) send(msg *Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- msg:
		return true
	default:
		return false
	}
}

func (s *memorySub) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.ch)
	return true
}

// Messages returns the message channel.
func (s *memorySub) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe cancels the subscription.
func (s *memorySub) Unsubscribe() error {
	if !s.close() {
		return nil
	}

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if s.queue == "" {
		s.bus.subs[s.subject] = remove(s.bus.subs[s.subject], s)
	} else if s.bus.queueGroups[s.subject] != nil {
		s.bus.queueGroups[s.subject][s.queue] = remove(s.bus.queueGroups[s.subject][s.queue], s)
	}
	return nil
}

func remove(subs []*memorySub, target *memorySub) []*memorySub {
	for i, sub := range subs {
		if sub == target {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}
