// Package events provides a publish/subscribe event bus for research and
// chat telemetry. Events flow from components (the research orchestrator,
// the chat loop, provider clients) to subscribers (the session protocol
// layer, which adapts them into wire frames). The bus is nil-safe: calling
// Publish on a nil *Bus is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceResearch identifies events from the research orchestrator.
	SourceResearch = "research"
	// SourceChat identifies events from the chat loop.
	SourceChat = "chat"
	// SourceMemory identifies events from the memory subsystem.
	SourceMemory = "memory"
	// SourceSearch identifies events from the search client.
	SourceSearch = "search"
)

// Kind constants describe the type of event within a source. These map
// directly onto the session protocol's status/progress/thought frames.
const (
	// KindStatus signals a run/session lifecycle transition.
	// Data: stage ("running"|"waiting"|"cancelled"|"completed"|"failed"),
	// message, detail?, meta?.
	KindStatus = "status"
	// KindProgress signals a Progress snapshot update.
	// Data: current_depth, total_depth, current_breadth, total_breadth,
	// total_queries, completed_queries, percent.
	KindProgress = "progress"
	// KindThought signals an intermediate reasoning/telemetry note.
	// Data: text, stage ("planning"|"searching"|"extracting"|"warning"|
	// "summarizing" from research; "thinking" from chat).
	KindThought = "thought"
	// KindComplete signals a run finished (successfully or not).
	// Data: run_id, success, learning_count, source_count, duration_ms.
	KindComplete = "complete"
)

// Event represents a single telemetry event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// RunID correlates events to a single ResearchRun or chat session,
	// when applicable.
	RunID string `json:"run_id,omitempty"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 256 matches the session protocol's
// minimum outbound queue depth.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
