// Package events provides the in-process event contract and a channel-based
// emitter. Event names are stable contracts consumed by observers (tests,
// the websocket stream, metrics); payloads are small JSON-friendly structs
// or maps.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Bus events.
const (
	MessageQueued    = "message:queued"
	MessageDropped   = "message:dropped"
	MessageDelivered = "message:delivered"
	MessageFailed    = "message:failed"
	MessageRetry     = "message:retry"
	MessageError     = "message:error"
)

// Workflow events.
const (
	WorkflowStarted    = "workflow:started"
	EvaluationProgress = "evaluation:progress"
	EvaluationTimeout  = "evaluation:timeout"
	EvaluationFailed   = "evaluation:failed"
	WorkflowComplete   = "workflow:complete"
	WorkflowFailed     = "workflow:failed"
)

// Orchestrator events.
const (
	AgentRecovered      = "agent:recovered"
	AgentRecoveryFailed = "agent:recovery:failed"
	HealthDegraded      = "health:degraded"
	OrchestratorStarted = "orchestrator:started"
	OrchestratorStopped = "orchestrator:shutdown"
)

// Event is one emitted occurrence delivered to subscribers.
type Event struct {
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// subscriber is one registered observer channel.
type subscriber struct {
	ch   chan Event
	name string // subscribed event name; empty means all events
}

// Emitter fans events out to subscriber channels. Emission never blocks:
// when a subscriber's buffer is full the event is dropped for that
// subscriber with a warning.
type Emitter struct {
	mu      sync.RWMutex
	subs    map[int]*subscriber
	nextID  int
	bufSize int
}

// DefaultSubscriberBuffer is the per-subscriber channel capacity.
const DefaultSubscriberBuffer = 64

// NewEmitter creates an emitter with the default subscriber buffer size.
func NewEmitter() *Emitter {
	return &Emitter{
		subs:    make(map[int]*subscriber),
		bufSize: DefaultSubscriberBuffer,
	}
}

// Subscribe registers an observer for one event name. The returned cancel
// function unsubscribes and closes the channel; it is safe to call twice.
func (e *Emitter) Subscribe(name string) (<-chan Event, func()) {
	return e.subscribe(name)
}

// SubscribeAll registers an observer for every event.
func (e *Emitter) SubscribeAll() (<-chan Event, func()) {
	return e.subscribe("")
}

func (e *Emitter) subscribe(name string) (<-chan Event, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextID
	e.nextID++
	sub := &subscriber{ch: make(chan Event, e.bufSize), name: name}
	e.subs[id] = sub

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Emit delivers an event to all matching subscribers without blocking.
func (e *Emitter) Emit(name string, payload any) {
	evt := Event{Name: name, Timestamp: time.Now(), Payload: payload}

	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, sub := range e.subs {
		if sub.name != "" && sub.name != name {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			slog.Warn("Event subscriber buffer full, dropping event",
				"event", name, "subscription", sub.name)
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
// Used by tests to poll instead of sleeping.
func (e *Emitter) SubscriberCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subs)
}
