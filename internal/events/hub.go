// Package events fans out terminal output and agent stream events to every
// connected UI client.
package events

import (
	"log"
	"sync"
	"sync/atomic"
)

// Event types delivered to subscribers.
const (
	TypePTYOutput   = "pty-output"
	TypeAgentStream = "ops-agent-stream"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 512

// Event is one frame on the event stream.
type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// PTYOutput is the payload of a pty-output event.
type PTYOutput struct {
	SessionID string `json:"sessionId"`
	Chunk     string `json:"chunk"`
}

// Subscription receives events until Close is called.
type Subscription struct {
	C <-chan Event

	id      int
	ch      chan Event
	hub     *Hub
	dropped atomic.Int64
	once    sync.Once
}

// Dropped reports how many events were discarded because the subscriber
// fell behind.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s.id)
		s.hub.mu.Unlock()
		close(s.ch)
	})
}

// Hub delivers every published event to every subscriber in publish order.
// Publish never blocks: a subscriber whose queue is full misses the event.
type Hub struct {
	mu     sync.Mutex
	subs   map[int]*Subscription
	nextID int
	buffer int
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{subs: make(map[int]*Subscription), buffer: buffer}
}

func (h *Hub) Subscribe() *Subscription {
	ch := make(chan Event, h.buffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	sub := &Subscription{C: ch, id: h.nextID, ch: ch, hub: h}
	h.subs[sub.id] = sub
	return sub
}

// Publish sends an event of the given type to all subscribers.
func (h *Hub) Publish(typ string, payload interface{}) {
	ev := Event{Type: typ, Payload: payload}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		select {
		case sub.ch <- ev:
		default:
			if sub.dropped.Add(1) == 1 {
				log.Printf("[events] subscriber %d is lagging, dropping events", sub.id)
			}
		}
	}
}

// PublishOutput emits a pty-output event for sessionID.
func (h *Hub) PublishOutput(sessionID, chunk string) {
	h.Publish(TypePTYOutput, PTYOutput{SessionID: sessionID, Chunk: chunk})
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
