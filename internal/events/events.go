// Package events carries engine decisions to external observers.
//
// The engine emits events synchronously through an Emitter that never blocks. The Async
// emitter fans events out to sinks (redis, postgres, websocket clients) from a single
// background goroutine.
package events

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/limiquantix/vmplacer/internal/domain"
)

// Kind identifies what happened.
type Kind string

const (
	KindTaskAdmitted        Kind = "task_admitted"
	KindAdmissionFailed     Kind = "admission_failed"
	KindTaskCompleted       Kind = "task_completed"
	KindSLAViolation        Kind = "sla_violation"
	KindPriorityEscalated   Kind = "priority_escalated"
	KindMigrationStarted    Kind = "migration_started"
	KindMigrationCompleted  Kind = "migration_completed"
	KindMachineWaking       Kind = "machine_waking"
	KindMachineSleeping     Kind = "machine_sleeping"
	KindMachineStateChanged Kind = "machine_state_changed"
	KindMemoryWarning       Kind = "memory_warning"
	KindShutdown            Kind = "shutdown"
)

// Event is one observable engine decision.
type Event struct {
	ID         string         `json:"id"`
	Kind       Kind           `json:"kind"`
	Time       domain.Time    `json:"time"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// New creates an event with a fresh ID.
func New(kind Kind, now domain.Time) Event {
	return Event{
		ID:         uuid.NewString(),
		Kind:       kind,
		Time:       now,
		Attributes: make(map[string]any),
	}
}

// With sets an attribute and returns the event for chaining.
func (e Event) With(key string, value any) Event {
	if e.Attributes == nil {
		e.Attributes = make(map[string]any)
	}
	e.Attributes[key] = value
	return e
}

// Task sets the task_id attribute.
func (e Event) Task(id domain.TaskID) Event { return e.With("task_id", uint32(id)) }

// VM sets the vm_id attribute.
func (e Event) VM(id domain.VMID) Event { return e.With("vm_id", uint32(id)) }

// Machine sets the machine_id attribute.
func (e Event) Machine(id domain.MachineID) Event { return e.With("machine_id", uint32(id)) }

// Emitter accepts events from the engine. Emit must not block.
type Emitter interface {
	Emit(e Event)
}

// Sink delivers events to an external system.
type Sink interface {
	Publish(ctx context.Context, e Event) error
}

// Discard drops every event.
type Discard struct{}

// Emit implements Emitter.
func (Discard) Emit(Event) {}

// Collector keeps every emitted event in memory.
type Collector struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements Emitter.
func (c *Collector) Emit(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

// Events returns a copy of the collected events.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

// Kinds returns the kinds of the collected events in emission order.
func (c *Collector) Kinds() []Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Kind, len(c.events))
	for i, e := range c.events {
		out[i] = e.Kind
	}
	return out
}

// Reset clears the collected events.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}
