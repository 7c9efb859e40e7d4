package engine

import (
	"github.com/limiquantix/vmplacer/internal/admission"
	"github.com/limiquantix/vmplacer/internal/domain"
	"github.com/limiquantix/vmplacer/internal/migration"
	"github.com/limiquantix/vmplacer/internal/sla"
)

// EventKind identifies an entry point of the engine.
type EventKind string

const (
	EventInitialize                  EventKind = "initialize"
	EventTaskArrived                 EventKind = "task_arrived"
	EventTaskCompleted               EventKind = "task_completed"
	EventMigrationCompleted          EventKind = "migration_completed"
	EventPeriodicTick                EventKind = "periodic_tick"
	EventMemoryWarning               EventKind = "memory_warning"
	EventSLAWarning                  EventKind = "sla_warning"
	EventMachineStateChangeCompleted EventKind = "machine_state_change_completed"
	EventShutdown                    EventKind = "shutdown"
)

// Event is one notification from the driver. Only the fields relevant to Kind are read.
type Event struct {
	Kind    EventKind
	Time    domain.Time
	Task    domain.TaskID
	VM      domain.VMID
	Machine domain.MachineID
}

// Result reports what the engine did while handling one event.
type Result struct {
	Event      Event
	Commands   []Command
	Admissions []admission.Outcome
	SLA        sla.Report
	// Completed lists migrations that finished during this event.
	Completed []migration.Migration
	// Evacuations lists migrations started in response to a memory warning.
	Evacuations []migration.Migration
	Slept       []domain.MachineID
}

// Woken returns every machine a wake command was issued for.
func (r Result) Woken() []domain.MachineID {
	var out []domain.MachineID
	for _, o := range r.Admissions {
		out = append(out, o.Woken...)
	}
	return out
}

// CommandOps returns the operation of each issued command, in order.
func (r Result) CommandOps() []CommandOp {
	out := make([]CommandOp, len(r.Commands))
	for i, c := range r.Commands {
		out[i] = c.Op
	}
	return out
}
