package events

import (
	"log"
	"sync"
	"time"
)

// EventType identifies a discrete lifecycle or monitoring event.
type EventType string

const (
	DeploymentCreated    EventType = "deploymentCreated"
	DeploymentStarted    EventType = "deploymentStarted"
	DeploymentPaused     EventType = "deploymentPaused"
	DeploymentResumed    EventType = "deploymentResumed"
	DeploymentRolledBack EventType = "deploymentRolledBack"
	DeploymentCompleted  EventType = "deploymentCompleted"
	TrafficShifted       EventType = "trafficShifted"
	DriftDetected        EventType = "driftDetected"
)

// Event is a single ordered occurrence emitted by the control plane.
// Delivery/ack semantics beyond in-order handoff are the consumer's concern.
type Event struct {
	Type         EventType         `json:"type"`
	DeploymentID string            `json:"deployment_id,omitempty"`
	ModelID      string            `json:"model_id,omitempty"`
	Reason       string            `json:"reason,omitempty"`
	Fields       map[string]string `json:"fields,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}

// Sink receives published events. Implementations must not block for long;
// the bus dispatches from a single goroutine to preserve ordering.
type Sink interface {
	HandleEvent(e Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(e Event)

// HandleEvent calls f(e).
func (f SinkFunc) HandleEvent(e Event) { f(e) }

// Bus is an asynchronous, ordered publish mechanism decoupling event
// consumers (alerting, audit) from the decision engine's call stack.
// Events are dispatched to all sinks from one worker goroutine, so each
// sink observes events in publish order.
type Bus struct {
	mu      sync.RWMutex
	sinks   []Sink
	ch      chan Event
	stopCh  chan struct{}
	wg      sync.WaitGroup
	stopped bool

	dropped int64
}

// NewBus creates a bus with the given buffer size and starts its dispatch
// worker. Call Close to drain and stop.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	b := &Bus{
		ch:     make(chan Event, buffer),
		stopCh: make(chan struct{}),
	}
	b.wg.Add(1)
	go b.dispatch()
	return b
}

// Subscribe registers a sink for all subsequent events.
func (b *Bus) Subscribe(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Publish enqueues an event. Publishing never blocks the caller: if the
// buffer is full the event is dropped and counted, since lifecycle progress
// must not stall on a slow consumer.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	stopped := b.stopped
	b.mu.RUnlock()
	if stopped {
		return
	}

	select {
	case b.ch <- e:
	default:
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
		log.Printf("event bus: buffer full, dropped %s for %s", e.Type, e.DeploymentID)
	}
}

// Dropped returns the number of events dropped due to a full buffer.
func (b *Bus) Dropped() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

func (b *Bus) dispatch() {
	defer b.wg.Done()
	for {
		select {
		case e := <-b.ch:
			b.deliver(e)
		case <-b.stopCh:
			// Drain anything already buffered before exiting.
			for {
				select {
				case e := <-b.ch:
					b.deliver(e)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(e Event) {
	b.mu.RLock()
	sinks := make([]Sink, len(b.sinks))
	copy(sinks, b.sinks)
	b.mu.RUnlock()

	for _, s := range sinks {
		s.HandleEvent(e)
	}
}

// Close stops the dispatch worker after draining buffered events.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.mu.Unlock()

	close(b.stopCh)
	b.wg.Wait()
}
