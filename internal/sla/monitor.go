package sla

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/limiquantix/vmplacer/internal/domain"
	"github.com/limiquantix/vmplacer/internal/migration"
	"github.com/limiquantix/vmplacer/internal/substrate"
)

// PriorityCommander changes the priority of a running task.
type PriorityCommander interface {
	SetTaskPriority(ctx context.Context, task domain.TaskID, priority domain.Priority) error
}

// Bindings locates the VM running each bound task.
type Bindings interface {
	Lookup(task domain.TaskID) (domain.VMID, bool)
	Tasks() []domain.TaskID
}

// Migrator moves an at-risk VM to a less loaded machine.
type Migrator interface {
	IsMigrating(vm domain.VMID) bool
	Evacuate(ctx context.Context, vm domain.VMID) (migration.Migration, bool, error)
}

// Escalation records one priority raise.
type Escalation struct {
	Task domain.TaskID
	From domain.Priority
	To   domain.Priority
}

// Report lists what a warning or sweep did.
type Report struct {
	Violations  []domain.TaskID
	Escalations []Escalation
	Migrations  []migration.Migration
}

func (r *Report) merge(o Report) {
	r.Violations = append(r.Violations, o.Violations...)
	r.Escalations = append(r.Escalations, o.Escalations...)
	r.Migrations = append(r.Migrations, o.Migrations...)
}

// Monitor watches bound tasks for deadline risk. It owns the engine's view of each
// task's priority and remembers which violations it has already reported.
type Monitor struct {
	policy    Policy
	tasks     substrate.Tasks
	commander PriorityCommander
	bindings  Bindings
	migrator  Migrator
	logger    *zap.Logger

	priorities map[domain.TaskID]domain.Priority
	reported   map[domain.TaskID]bool
	// owed holds violated tasks whose migration command was rejected.
	owed map[domain.TaskID]bool
}

// NewMonitor creates a new SLA Monitor.
func NewMonitor(
	policy Policy,
	tasks substrate.Tasks,
	commander PriorityCommander,
	bindings Bindings,
	migrator Migrator,
	logger *zap.Logger,
) *Monitor {
	return &Monitor{
		policy:     policy,
		tasks:      tasks,
		commander:  commander,
		bindings:   bindings,
		migrator:   migrator,
		logger:     logger.With(zap.String("component", "sla")),
		priorities: make(map[domain.TaskID]domain.Priority),
		reported:   make(map[domain.TaskID]bool),
		owed:       make(map[domain.TaskID]bool),
	}
}

// Track records the priority a task was admitted with. Priorities only rise: a lower
// value than the one held is ignored.
func (m *Monitor) Track(task domain.TaskID, priority domain.Priority) {
	if cur, ok := m.priorities[task]; ok && cur >= priority {
		return
	}
	m.priorities[task] = priority
}

// Forget drops all state for a completed task.
func (m *Monitor) Forget(task domain.TaskID) {
	delete(m.priorities, task)
	delete(m.reported, task)
	delete(m.owed, task)
}

// Priority returns the engine's current priority for a task.
func (m *Monitor) Priority(task domain.TaskID) (domain.Priority, bool) {
	p, ok := m.priorities[task]
	return p, ok
}

// Warning handles an explicit deadline-risk notification for a task: the task is
// escalated and, when bound to a VM that is not already migrating, its VM is moved.
func (m *Monitor) Warning(ctx context.Context, now domain.Time, id domain.TaskID) (Report, error) {
	var report Report

	t, err := m.tasks.Task(id)
	if err != nil {
		return report, fmt.Errorf("failed to read task %d: %w", id, err)
	}
	if t.Completed {
		return report, nil
	}

	m.logger.Warn("SLA risk reported",
		zap.Uint32("task_id", uint32(id)),
		zap.String("tier", t.Tier.String()),
		zap.Uint64("now", uint64(now)),
	)

	if esc, ok := m.escalate(ctx, t); ok {
		report.Escalations = append(report.Escalations, esc)
	}

	vm, bound := m.bindings.Lookup(id)
	if !bound {
		return report, nil
	}
	mig, err := m.rescue(ctx, id, vm)
	if err != nil {
		return report, err
	}
	if mig != nil {
		report.Migrations = append(report.Migrations, *mig)
	}
	return report, nil
}

// Sweep evaluates every bound task at now. A newly detected violation is reported once,
// escalated and its VM moved. Migrations owed from earlier rejected commands are retried.
func (m *Monitor) Sweep(ctx context.Context, now domain.Time) (Report, error) {
	var report Report

	for _, id := range m.bindings.Tasks() {
		r, err := m.evaluate(ctx, now, id)
		if err != nil {
			return report, err
		}
		report.merge(r)
	}
	return report, nil
}

func (m *Monitor) evaluate(ctx context.Context, now domain.Time, id domain.TaskID) (Report, error) {
	var report Report

	if m.reported[id] && !m.owed[id] {
		return report, nil
	}

	t, err := m.tasks.Task(id)
	if err != nil {
		return report, fmt.Errorf("failed to read task %d: %w", id, err)
	}

	if !m.reported[id] {
		if !m.policy.Violated(t, now) {
			return report, nil
		}
		m.reported[id] = true
		report.Violations = append(report.Violations, id)

		m.logger.Warn("SLA violation detected",
			zap.Uint32("task_id", uint32(id)),
			zap.String("tier", t.Tier.String()),
			zap.Uint64("deadline", uint64(m.policy.Deadline(t))),
			zap.Uint64("now", uint64(now)),
		)

		if esc, ok := m.escalate(ctx, t); ok {
			report.Escalations = append(report.Escalations, esc)
		}
	}

	vm, bound := m.bindings.Lookup(id)
	if !bound {
		return report, nil
	}
	mig, err := m.rescue(ctx, id, vm)
	if err != nil {
		return report, err
	}
	if mig != nil {
		report.Migrations = append(report.Migrations, *mig)
	}
	return report, nil
}

// escalate raises the task's priority through the escalation table. It never lowers it.
func (m *Monitor) escalate(ctx context.Context, t domain.Task) (Escalation, bool) {
	current, ok := m.priorities[t.ID]
	if !ok {
		current = t.Priority
	}
	next := m.policy.Escalate(t.Tier, current)
	if next <= current {
		return Escalation{}, false
	}

	if err := m.commander.SetTaskPriority(ctx, t.ID, next); err != nil {
		m.logger.Warn("Failed to escalate task priority",
			zap.Uint32("task_id", uint32(t.ID)),
			zap.String("priority", next.String()),
			zap.Error(err),
		)
		return Escalation{}, false
	}
	m.priorities[t.ID] = next

	m.logger.Info("Task priority escalated",
		zap.Uint32("task_id", uint32(t.ID)),
		zap.String("from", current.String()),
		zap.String("to", next.String()),
	)
	return Escalation{Task: t.ID, From: current, To: next}, true
}

// rescue moves the task's VM unless it is already migrating. A rejected command leaves
// the migration owed for the next sweep; an invariant violation is returned.
func (m *Monitor) rescue(ctx context.Context, task domain.TaskID, vm domain.VMID) (*migration.Migration, error) {
	if m.migrator.IsMigrating(vm) {
		delete(m.owed, task)
		return nil, nil
	}

	mig, ok, err := m.migrator.Evacuate(ctx, vm)
	if err != nil {
		if errors.Is(err, domain.ErrInvariant) {
			return nil, err
		}
		m.owed[task] = true
		m.logger.Warn("Migration for at-risk task deferred",
			zap.Uint32("task_id", uint32(task)),
			zap.Uint32("vm_id", uint32(vm)),
			zap.Error(err),
		)
		return nil, nil
	}
	delete(m.owed, task)
	if !ok {
		return nil, nil
	}
	return &mig, nil
}
