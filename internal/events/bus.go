// Package events implements the in-process pub/sub bus that carries capture
// progress and terminal events from the pipeline to subscribed clients.
// Topics are keyed by owning user ("user:<id>"). Publish never blocks: a
// subscriber whose buffer is full loses the event and its drop counter
// increments; disconnected clients resynchronize via the capture-list query.
package events

import (
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chirpneighbors/coordinator/internal/model"
)

// Event types delivered to subscribers.
const (
	TypeCaptureProgress  = "capture.progress"
	TypeCaptureProcessed = "capture.processed"
	TypeCaptureFailed    = "capture.failed"
)

// Event is the self-describing payload published on the bus and serialized to
// clients as one JSON frame.
type Event struct {
	Type       string    `json:"type"`
	CaptureID  string    `json:"capture_id"`
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
	Species    string    `json:"species,omitempty"`
	Confidence *float64  `json:"confidence,omitempty"`
	AssetURL   *string   `json:"asset_url,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Note       string    `json:"note,omitempty"`
}

// JSON serializes the event frame.
func (e *Event) JSON() ([]byte, error) { return json.Marshal(e) }

// UserTopic returns the bus topic for a user's events.
func UserTopic(userID string) string { return "user:" + userID }

// Terminal reports whether this event closes out a capture.
func (e *Event) Terminal() bool {
	return e.Type == TypeCaptureProcessed || e.Type == TypeCaptureFailed
}

// FromCapture builds an event snapshot of a capture, optionally joined with
// its species.
func FromCapture(typ string, c *model.Capture, sp *model.Species, at time.Time) *Event {
	ev := &Event{
		Type:       typ,
		CaptureID:  c.ID,
		Status:     string(c.Status),
		Timestamp:  at,
		Confidence: c.Confidence,
		Reason:     string(c.FailureReason),
		Note:       c.Note,
	}
	if sp != nil {
		ev.Species = sp.Code
		ev.AssetURL = sp.ImageURL
	}
	return ev
}

// DefaultSubscriberBuffer is each subscription's channel capacity.
const DefaultSubscriberBuffer = 64

// Subscription is one listener on a topic.
type Subscription struct {
	C       <-chan *Event
	ch      chan *Event
	topic   string
	dropped atomic.Int64
	cancel  func()
	once    sync.Once
}

// Dropped reports how many events this subscriber has lost to backpressure.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Cancel detaches the subscription and closes its channel. Idempotent.
func (s *Subscription) Cancel() { s.once.Do(s.cancel) }

// Bus is the in-process publish/subscribe fan-out. Per-topic subscriber lists
// are guarded by a reader-preferring lock; publish walks the list without ever
// blocking on a subscriber.
type Bus struct {
	mu      sync.RWMutex
	topics  map[string][]*Subscription
	closed  bool
	bufSize int
	logger  *log.Logger

	published atomic.Int64
	dropped   atomic.Int64
}

// NewBus creates an event bus. bufSize <= 0 uses DefaultSubscriberBuffer.
func NewBus(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = DefaultSubscriberBuffer
	}
	return &Bus{
		topics:  make(map[string][]*Subscription),
		bufSize: bufSize,
		logger:  log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
	}
}

// Subscribe attaches a listener to a topic. The returned subscription's
// channel is closed when cancelled or when the bus shuts down.
func (b *Bus) Subscribe(topic string) *Subscription {
	ch := make(chan *Event, b.bufSize)
	sub := &Subscription{C: ch, ch: ch, topic: topic}
	sub.cancel = func() { b.detach(sub) }

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.topics[topic] = append(b.topics[topic], sub)
	return sub
}

func (b *Bus) detach(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	subs := b.topics[sub.topic]
	for i, s := range subs {
		if s == sub {
			b.topics[sub.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.topics[sub.topic]) == 0 {
		delete(b.topics, sub.topic)
	}
	close(sub.ch)
}

// Publish delivers the event to every subscriber on the topic, best-effort.
func (b *Bus) Publish(topic string, ev *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.published.Add(1)
	for _, sub := range b.topics[topic] {
		select {
		case sub.ch <- ev:
		default:
			// Subscriber buffer full; drop rather than block the pipeline.
			sub.dropped.Add(1)
			b.dropped.Add(1)
		}
	}
}

// SubscriberCount reports listeners on a topic (all topics when topic == "").
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if topic != "" {
		return len(b.topics[topic])
	}
	n := 0
	for _, subs := range b.topics {
		n += len(subs)
	}
	return n
}

// Stats returns lifetime publish/drop counters.
func (b *Bus) Stats() (published, dropped int64) {
	return b.published.Load(), b.dropped.Load()
}

// Close shuts the bus down; all subscriber channels see stream-end.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for topic, subs := range b.topics {
		for _, sub := range subs {
			close(sub.ch)
		}
		delete(b.topics, topic)
	}
	b.logger.Printf("event bus closed")
}
