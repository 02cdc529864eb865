package bus

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryBus is an in-process Bus implementation used in tests. It supports
// the same wildcard subject matching (`*` matches exactly one `.`-separated
// segment) as the NATS implementation. Each delivery runs its handler on a
// new goroutine, so messages on one subscription are not delivered in
// publish order.
type MemoryBus struct {
	mu       sync.RWMutex
	subs     map[string]map[string]Handler
	replyMu  sync.Mutex
	replies  map[string]chan []byte
	closed   bool
}

// NewMemoryBus creates an empty MemoryBus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs:    make(map[string]map[string]Handler),
		replies: make(map[string]chan []byte),
	}
}

type memorySub struct {
	bus     *MemoryBus
	subject string
	id      string
}

func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if handlers, ok := s.bus.subs[s.subject]; ok {
		delete(handlers, s.id)
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, subject string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrUnavailable
	}
	if b.subs[subject] == nil {
		b.subs[subject] = make(map[string]Handler)
	}
	id := uuid.New().String()
	b.subs[subject][id] = handler
	return &memorySub{bus: b, subject: subject, id: id}, nil
}

func (b *MemoryBus) Publish(ctx context.Context, subject string, data []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrUnavailable
	}
	for pattern, handlers := range b.subs {
		if !subjectMatches(pattern, subject) {
			continue
		}
		for _, h := range handlers {
			go h(ctx, Message{Subject: subject, Data: data})
		}
	}
	return nil
}

func (b *MemoryBus) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error) {
	replyHandle := uuid.New().String()
	ch := make(chan []byte, 1)

	b.replyMu.Lock()
	b.replies[replyHandle] = ch
	b.replyMu.Unlock()
	defer func() {
		b.replyMu.Lock()
		delete(b.replies, replyHandle)
		b.replyMu.Unlock()
	}()

	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return nil, ErrUnavailable
	}

	if err := b.publishWithReply(ctx, subject, data, replyHandle); err != nil {
		return nil, err
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-deadline.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ErrTimeout
	}
}

func (b *MemoryBus) publishWithReply(ctx context.Context, subject string, data []byte, replyHandle string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	matched := false
	for pattern, handlers := range b.subs {
		if !subjectMatches(pattern, subject) {
			continue
		}
		for _, h := range handlers {
			matched = true
			go h(ctx, Message{Subject: subject, Data: data, ReplyHandle: replyHandle})
		}
	}
	if !matched {
		return ErrUnavailable
	}
	return nil
}

func (b *MemoryBus) Reply(ctx context.Context, replyHandle string, data []byte) error {
	if replyHandle == "" {
		return nil
	}
	b.replyMu.Lock()
	ch, ok := b.replies[replyHandle]
	b.replyMu.Unlock()
	if !ok {
		return nil
	}
	select {
	case ch <- data:
	default:
	}
	return nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string]map[string]Handler)
	return nil
}

// subjectMatches reports whether subject matches pattern, where pattern
// segments may be `*` to match exactly one subject segment.
func subjectMatches(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	pSegs := strings.Split(pattern, ".")
	sSegs := strings.Split(subject, ".")
	if len(pSegs) != len(sSegs) {
		return false
	}
	for i, p := range pSegs {
		if p != "*" && p != sSegs[i] {
			return false
		}
	}
	return true
}
