// Package realtime implements the single fan-out event bus of spec §9:
// cooldown_tick, snapshot_updated, event_log, cycle_stats, summary_report.
// The hub is NATS-backed for cross-process subscribers (browser bridge,
// other IS22 components) and best-effort for local in-process listeners
// — it never blocks a producer on a slow consumer.
package realtime

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// MessageKind is the fixed tag set carried on the hub (§9).
type MessageKind string

const (
	KindCooldownTick   MessageKind = "cooldown_tick"
	KindSnapshotUpdate MessageKind = "snapshot_updated"
	KindEventLog       MessageKind = "event_log"
	KindCycleStats     MessageKind = "cycle_stats"
	KindSummaryReport  MessageKind = "summary_report"
)

// Message is the envelope published on the hub subject.
type Message struct {
	Kind      MessageKind `json:"kind"`
	Subject   string      `json:"subject,omitempty"` // camera id, subnet, etc.
	Payload   any         `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// Hub wraps a NATS connection with the retry-with-backoff publish shape
// of the teacher's internal/nvr/nats_publisher.go, plus a local
// subscriber fan-out for in-process consumers (e.g. a websocket bridge)
// that must never be blocked by a slow network publish.
type Hub struct {
	conn       *nats.Conn
	subject    string
	maxRetries int

	mu   sync.RWMutex
	subs map[int]chan Message
	next int
}

func NewHub(conn *nats.Conn, subject string, maxRetries int) *Hub {
	return &Hub{
		conn:       conn,
		subject:    subject,
		maxRetries: maxRetries,
		subs:       make(map[int]chan Message),
	}
}

// Subscribe registers a local, best-effort listener. The returned cancel
// func must be called to stop receiving. A slow subscriber whose channel
// fills simply drops the message (§9 "subscribers that fall behind lose
// messages; never block producers").
func (h *Hub) Subscribe(buffer int) (<-chan Message, func()) {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Message, buffer)
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
		close(ch)
	}
}

// Publish broadcasts to local subscribers immediately (non-blocking) and
// to NATS with bounded retry, mirroring nats_publisher.go's Publish.
func (h *Hub) Publish(kind MessageKind, subject string, payload any) {
	msg := Message{Kind: kind, Subject: subject, Payload: payload, Timestamp: time.Now().UTC()}

	h.mu.RLock()
	for _, ch := range h.subs {
		select {
		case ch <- msg:
		default:
			// subscriber fell behind; drop rather than block (§9)
		}
	}
	h.mu.RUnlock()

	if h.conn == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("realtime: marshal %s: %v", kind, err)
		return
	}
	go h.publishNATS(data)
}

func (h *Hub) publishNATS(data []byte) {
	var err error
	for i := 0; i <= h.maxRetries; i++ {
		err = h.conn.Publish(h.subject, data)
		if err == nil {
			return
		}
		time.Sleep(time.Duration(i*100) * time.Millisecond)
	}
	log.Printf("realtime: publish failed after %d retries: %v", h.maxRetries, err)
}
