// Package admission handles task arrivals through to a placement outcome.
package admission

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/limiquantix/vmplacer/internal/catalog"
	"github.com/limiquantix/vmplacer/internal/domain"
	"github.com/limiquantix/vmplacer/internal/placement"
	"github.com/limiquantix/vmplacer/internal/sla"
	"github.com/limiquantix/vmplacer/internal/substrate"
)

// Catalog answers eligibility queries.
type Catalog interface {
	EligibleVMs(task domain.Task) ([]catalog.Candidate, []domain.MachineID, error)
	EligibleMachines(task domain.Task) ([]domain.Machine, []domain.MachineID, error)
}

// Policy chooses where a task runs.
type Policy interface {
	Decide(now domain.Time, task domain.Task, vms []catalog.Candidate, machines []domain.Machine) placement.Decision
}

// Waker wakes a powered-down machine.
type Waker interface {
	Wake(ctx context.Context, machine domain.MachineID) (bool, error)
}

// Commander is the subset of substrate commands admission issues.
type Commander interface {
	CreateVM(ctx context.Context, vmType domain.VMType, arch domain.CPUArch) (domain.VMID, error)
	AttachVM(ctx context.Context, vm domain.VMID, machine domain.MachineID) error
	AddTask(ctx context.Context, vm domain.VMID, task domain.TaskID, priority domain.Priority) error
	ShutdownVM(ctx context.Context, vm domain.VMID) error
}

// Bindings records task to VM bindings.
type Bindings interface {
	Bind(task domain.TaskID, vm domain.VMID) error
	Lookup(task domain.TaskID) (domain.VMID, bool)
}

// PriorityTracker remembers the priority a task was admitted with. A task escalated
// while it waited in the retry queue already has an entry.
type PriorityTracker interface {
	Track(task domain.TaskID, priority domain.Priority)
	Priority(task domain.TaskID) (domain.Priority, bool)
}

// Status is the result class of an admission.
type Status int

const (
	// StatusFailed means the task was not placed.
	StatusFailed Status = iota
	// StatusPlaced means the task runs on an existing VM.
	StatusPlaced
	// StatusPlacedNewVM means a VM was created for the task.
	StatusPlacedNewVM
)

func (s Status) String() string {
	switch s {
	case StatusPlaced:
		return "placed"
	case StatusPlacedNewVM:
		return "placed_new_vm"
	default:
		return "failed"
	}
}

// Outcome is the explicit result of one admission. Failures are outcomes, not errors.
type Outcome struct {
	Task     domain.TaskID
	Status   Status
	VM       domain.VMID
	Machine  domain.MachineID
	Priority domain.Priority
	Reason   string
	// Retryable marks failures caused by a rejected command rather than a lack of capacity.
	Retryable bool
	// Woken lists machines a wake command was issued for during this admission.
	Woken []domain.MachineID
}

// Placed reports whether the task was placed.
func (o Outcome) Placed() bool {
	return o.Status != StatusFailed
}

// Controller orchestrates one task's arrival.
type Controller struct {
	tasks      substrate.Tasks
	catalog    Catalog
	policy     Policy
	slaPolicy  sla.Policy
	commander  Commander
	bindings   Bindings
	priorities PriorityTracker
	waker      Waker
	logger     *zap.Logger
}

// New creates a new admission Controller.
func New(
	tasks substrate.Tasks,
	cat Catalog,
	policy Policy,
	slaPolicy sla.Policy,
	commander Commander,
	bindings Bindings,
	priorities PriorityTracker,
	waker Waker,
	logger *zap.Logger,
) *Controller {
	return &Controller{
		tasks:      tasks,
		catalog:    cat,
		policy:     policy,
		slaPolicy:  slaPolicy,
		commander:  commander,
		bindings:   bindings,
		priorities: priorities,
		waker:      waker,
		logger:     logger.With(zap.String("component", "admission")),
	}
}

// Admit places a task. It returns an error only when the substrate cannot describe the
// task or an engine invariant is broken; every placement failure is an Outcome.
func (c *Controller) Admit(ctx context.Context, now domain.Time, id domain.TaskID) (Outcome, error) {
	task, err := c.tasks.Task(id)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to read task %d: %w", id, err)
	}
	if vm, bound := c.bindings.Lookup(id); bound {
		return Outcome{}, fmt.Errorf("%w: task %d arrived but is already bound to vm %d", domain.ErrInvariant, id, vm)
	}

	logger := c.logger.With(
		zap.Uint32("task_id", uint32(id)),
		zap.String("vm_type", string(task.VMType)),
		zap.String("cpu", string(task.CPU)),
		zap.Uint64("memory_mb", task.MemoryMB),
		zap.String("tier", task.Tier.String()),
	)

	out := Outcome{Task: id, Priority: c.slaPolicy.InitialPriority(task.Tier)}
	if p, ok := c.priorities.Priority(id); ok {
		out.Priority = domain.MaxPriority(out.Priority, p)
	}

	vms, dormantHosts, err := c.catalog.EligibleVMs(task)
	if err != nil {
		return Outcome{}, err
	}
	machines, dormantMachines, err := c.catalog.EligibleMachines(task)
	if err != nil {
		return Outcome{}, err
	}
	out.Woken = append(out.Woken, c.wake(ctx, logger, dormantHosts)...)

	decision := c.policy.Decide(now, task, vms, machines)
	switch decision.Kind {
	case placement.DecisionExisting:
		out.VM, out.Machine = decision.VM, decision.Machine
		if err := c.commander.AddTask(ctx, decision.VM, id, out.Priority); err != nil {
			return c.rejected(logger, out, "add task", err), nil
		}
		out.Status = StatusPlaced

	case placement.DecisionNewVM:
		out.Machine = decision.Machine
		vm, err := c.commander.CreateVM(ctx, task.VMType, task.CPU)
		if err != nil {
			return c.rejected(logger, out, "create vm", err), nil
		}
		out.VM = vm
		if err := c.commander.AttachVM(ctx, vm, decision.Machine); err != nil {
			c.release(ctx, logger, vm)
			return c.rejected(logger, out, "attach vm", err), nil
		}
		if err := c.commander.AddTask(ctx, vm, id, out.Priority); err != nil {
			return c.rejected(logger, out, "add task", err), nil
		}
		out.Status = StatusPlacedNewVM

	default:
		// Capacity is needed: wake sleeping machines that could host a new VM.
		out.Woken = append(out.Woken, c.wake(ctx, logger, dormantMachines)...)
		out.Status = StatusFailed
		out.Reason = decision.Reason
		logger.Warn("Admission failed",
			zap.String("reason", out.Reason),
			zap.Int("machines_waking", len(out.Woken)),
		)
		return out, nil
	}

	if err := c.bindings.Bind(id, out.VM); err != nil {
		return Outcome{}, err
	}
	c.priorities.Track(id, out.Priority)

	logger.Info("Task admitted",
		zap.String("status", out.Status.String()),
		zap.Uint32("vm_id", uint32(out.VM)),
		zap.Uint32("machine_id", uint32(out.Machine)),
		zap.String("priority", out.Priority.String()),
		zap.String("reason", decision.Reason),
	)
	return out, nil
}

func (c *Controller) rejected(logger *zap.Logger, out Outcome, step string, err error) Outcome {
	out.Status = StatusFailed
	out.Retryable = true
	out.Reason = fmt.Sprintf("%s rejected: %v", step, err)
	logger.Warn("Admission failed, command rejected",
		zap.String("step", step),
		zap.Uint32("vm_id", uint32(out.VM)),
		zap.Uint32("machine_id", uint32(out.Machine)),
		zap.Error(err),
	)
	return out
}

// release shuts down a VM created for a task that could not be attached, so a retry
// does not leave it behind.
func (c *Controller) release(ctx context.Context, logger *zap.Logger, vm domain.VMID) {
	if err := c.commander.ShutdownVM(ctx, vm); err != nil {
		logger.Warn("Failed to shut down unattached vm", zap.Uint32("vm_id", uint32(vm)), zap.Error(err))
	}
}

func (c *Controller) wake(ctx context.Context, logger *zap.Logger, machines []domain.MachineID) []domain.MachineID {
	var woken []domain.MachineID
	for _, id := range machines {
		issued, err := c.waker.Wake(ctx, id)
		if err != nil {
			logger.Warn("Failed to wake machine", zap.Uint32("machine_id", uint32(id)), zap.Error(err))
			continue
		}
		if issued {
			woken = append(woken, id)
		}
	}
	return woken
}
