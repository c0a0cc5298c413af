package queue

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Broker. A group subscribing for the first time
// receives every message retained for the topic, so events published before
// the consumer started are not lost.
type Memory struct {
	mu              sync.Mutex
	topics          map[string]*memTopic
	redeliveryDelay time.Duration
	closed          bool
	stats           map[string]*MemoryStats
}

// MemoryStats counts broker activity for one topic.
type MemoryStats struct {
	Published int
	Acked     int
	Nacked    int
	Requeued  int
}

type memMessage struct {
	key         string
	body        []byte
	redelivered bool
}

type memTopic struct {
	log    []memMessage
	groups map[string]*memGroup
}

type memGroup struct {
	mu      sync.Mutex
	pending []memMessage
	signal  chan struct{}
}

// NewMemory creates an in-process broker. Requeued messages become visible
// again after redeliveryDelay.
func NewMemory(redeliveryDelay time.Duration) *Memory {
	return &Memory{
		topics:          make(map[string]*memTopic),
		redeliveryDelay: redeliveryDelay,
		stats:           make(map[string]*MemoryStats),
	}
}

var _ Broker = (*Memory)(nil)

// Publish appends the message to the topic and to every group's queue.
func (m *Memory) Publish(ctx context.Context, topic, key string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	msg := memMessage{key: key, body: append([]byte(nil), body...)}
	t := m.topic(topic)
	t.log = append(t.log, msg)
	for _, g := range t.groups {
		g.push(msg)
	}
	m.stat(topic).Published++
	return nil
}

// Subscribe starts delivering topic's messages for group.
func (m *Memory) Subscribe(ctx context.Context, topic, group string) (<-chan Delivery, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	t := m.topic(topic)
	g, ok := t.groups[group]
	if !ok {
		g = &memGroup{signal: make(chan struct{}, 1)}
		for _, msg := range t.log {
			g.push(msg)
		}
		t.groups[group] = g
	}
	m.mu.Unlock()

	out := make(chan Delivery)
	go m.pump(ctx, topic, g, out)
	return out, nil
}

func (m *Memory) pump(ctx context.Context, topic string, g *memGroup, out chan<- Delivery) {
	defer close(out)
	for {
		msg, ok := g.next(ctx)
		if !ok {
			return
		}

		d := NewDelivery(topic, msg.key, msg.body, msg.redelivered,
			func() error {
				m.count(topic, func(s *MemoryStats) { s.Acked++ })
				return nil
			},
			func(requeue bool) error {
				m.count(topic, func(s *MemoryStats) {
					s.Nacked++
					if requeue {
						s.Requeued++
					}
				})
				if requeue {
					msg.redelivered = true
					time.AfterFunc(m.redeliveryDelay, func() { g.push(msg) })
				}
				return nil
			},
		)

		select {
		case out <- d:
		case <-ctx.Done():
			g.pushFront(msg)
			return
		}
	}
}

// Stats returns a snapshot of the counters of topic.
func (m *Memory) Stats(topic string) MemoryStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.stat(topic)
}

// Close stops accepting publishes and subscriptions.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Memory) topic(name string) *memTopic {
	t, ok := m.topics[name]
	if !ok {
		t = &memTopic{groups: make(map[string]*memGroup)}
		m.topics[name] = t
	}
	return t
}

func (m *Memory) stat(topic string) *MemoryStats {
	s, ok := m.stats[topic]
	if !ok {
		s = &MemoryStats{}
		m.stats[topic] = s
	}
	return s
}

func (m *Memory) count(topic string, fn func(s *MemoryStats)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.stat(topic))
}

func (g *memGroup) push(msg memMessage) {
	g.mu.Lock()
	g.pending = append(g.pending, msg)
	g.mu.Unlock()
	g.wake()
}

func (g *memGroup) pushFront(msg memMessage) {
	g.mu.Lock()
	g.pending = append([]memMessage{msg}, g.pending...)
	g.mu.Unlock()
	g.wake()
}

func (g *memGroup) wake() {
	select {
	case g.signal <- struct{}{}:
	default:
	}
}

func (g *memGroup) next(ctx context.Context) (memMessage, bool) {
	for {
		g.mu.Lock()
		if len(g.pending) > 0 {
			msg := g.pending[0]
			g.pending = g.pending[1:]
			more := len(g.pending) > 0
			g.mu.Unlock()
			if more {
				g.wake()
			}
			return msg, true
		}
		g.mu.Unlock()

		select {
		case <-g.signal:
		case <-ctx.Done():
			return memMessage{}, false
		}
	}
}
