package modules

import (
	"errors"
	"sync"

	"github.com/nats-io/nats.go"
)

// memBus delivers published messages synchronously to local subscribers.
type memBus struct {
	mu        sync.Mutex
	handlers  map[string][]*memSub
	published []*nats.Msg
	failNext  map[string]int
}

type memSub struct {
	bus     *memBus
	subject string
	handler nats.MsgHandler
	active  bool
}

func newMemBus() *memBus {
	return &memBus{
		handlers: make(map[string][]*memSub),
		failNext: make(map[string]int),
	}
}

func (b *memBus) Publish(subject string, data []byte) error {
	b.mu.Lock()
	if b.failNext[subject] > 0 {
		b.failNext[subject]--
		b.mu.Unlock()
		return errors.New("nats: connection closed")
	}
	msg := &nats.Msg{Subject: subject, Data: append([]byte{}, data...)}
	b.published = append(b.published, msg)
	var subs []*memSub
	for _, s := range b.handlers[subject] {
		if s.active {
			subs = append(subs, s)
		}
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.handler(msg)
	}
	return nil
}

func (b *memBus) Subscribe(subject string, handler nats.MsgHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &memSub{bus: b, subject: subject, handler: handler, active: true}
	b.handlers[subject] = append(b.handlers[subject], sub)
	return sub, nil
}

func (s *memSub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.active = false
	return nil
}

// messages returns the payloads published on a subject.
func (b *memBus) messages(subject string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out [][]byte
	for _, m := range b.published {
		if m.Subject == subject {
			out = append(out, m.Data)
		}
	}
	return out
}

func (b *memBus) failPublish(subject string, times int) {
	b.mu.Lock()
	b.failNext[subject] = times
	b.mu.Unlock()
}
