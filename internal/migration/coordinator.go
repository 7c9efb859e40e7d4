// Package migration tracks VM migrations and picks migration targets.
//
// Each VM moves through Idle → Requested → InFlight → Idle. The request transitions
// happen together when the migrate command is issued; the VM is marked before the
// command so no admission can pick it in between. The return to Idle happens only on
// the completion notification.
package migration

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/limiquantix/vmplacer/internal/catalog"
	"github.com/limiquantix/vmplacer/internal/domain"
	"github.com/limiquantix/vmplacer/internal/substrate"
)

// Commander is the subset of substrate commands the coordinator issues.
type Commander interface {
	MigrateVM(ctx context.Context, vm domain.VMID, machine domain.MachineID) error
}

// PerformanceRestorer restores full core performance on a machine.
type PerformanceRestorer interface {
	RestorePerformance(ctx context.Context, machine domain.MachineID) error
}

// TransitionView reports machines with an outstanding power state change.
type TransitionView interface {
	InTransition(machine domain.MachineID) bool
}

// BoundTasks returns the tasks the engine has bound to a VM.
type BoundTasks interface {
	TasksOn(vm domain.VMID) []domain.TaskID
}

// Migration describes one outstanding or finished VM move.
type Migration struct {
	VM       domain.VMID
	Source   domain.MachineID
	Target   domain.MachineID
	State    domain.MigrationState
	MemoryMB uint64
}

// Coordinator enforces at most one outstanding migration per VM.
type Coordinator struct {
	fleet       substrate.Fleet
	tasks       substrate.Tasks
	bindings    BoundTasks
	transitions TransitionView
	commander   Commander
	power       PerformanceRestorer
	logger      *zap.Logger

	inFlight map[domain.VMID]*Migration
}

// New creates a new migration Coordinator.
func New(
	fleet substrate.Fleet,
	tasks substrate.Tasks,
	bindings BoundTasks,
	transitions TransitionView,
	commander Commander,
	power PerformanceRestorer,
	logger *zap.Logger,
) *Coordinator {
	return &Coordinator{
		fleet:       fleet,
		tasks:       tasks,
		bindings:    bindings,
		transitions: transitions,
		commander:   commander,
		power:       power,
		logger:      logger.With(zap.String("component", "migration")),
		inFlight:    make(map[domain.VMID]*Migration),
	}
}

// IsMigrating reports whether the VM has an outstanding migration.
func (c *Coordinator) IsMigrating(vm domain.VMID) bool {
	_, ok := c.inFlight[vm]
	return ok
}

// State returns the migration state of a VM.
func (c *Coordinator) State(vm domain.VMID) domain.MigrationState {
	if m, ok := c.inFlight[vm]; ok {
		return m.State
	}
	return domain.MigrationIdle
}

// InFlight returns outstanding migrations ordered by VM ID.
func (c *Coordinator) InFlight() []Migration {
	out := make([]Migration, 0, len(c.inFlight))
	for _, m := range c.inFlight {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VM < out[j].VM })
	return out
}

// Involves reports whether the machine is the source or target of an outstanding migration.
func (c *Coordinator) Involves(machine domain.MachineID) bool {
	for _, m := range c.inFlight {
		if m.Source == machine || m.Target == machine {
			return true
		}
	}
	return false
}

// Request starts migrating vm from source to target. The VM is marked before the
// command is issued; a rejected command rolls the mark back and returns the command
// error, which callers treat as retryable. Requesting a migration for a VM that is
// already migrating is an invariant violation.
func (c *Coordinator) Request(ctx context.Context, vm domain.VMID, source, target domain.MachineID, memoryMB uint64) (Migration, error) {
	if existing, ok := c.inFlight[vm]; ok {
		return Migration{}, fmt.Errorf("%w: vm %d already migrating to machine %d", domain.ErrInvariant, vm, existing.Target)
	}
	if source == target {
		return Migration{}, fmt.Errorf("%w: vm %d migration source and target are both machine %d", domain.ErrInvariant, vm, target)
	}

	m := &Migration{VM: vm, Source: source, Target: target, State: domain.MigrationRequested, MemoryMB: memoryMB}
	c.inFlight[vm] = m

	if err := c.commander.MigrateVM(ctx, vm, target); err != nil {
		delete(c.inFlight, vm)
		c.logger.Warn("Migration command rejected",
			zap.Uint32("vm_id", uint32(vm)),
			zap.Uint32("target_machine_id", uint32(target)),
			zap.Error(err),
		)
		return Migration{}, fmt.Errorf("failed to migrate vm %d: %w", vm, err)
	}
	m.State = domain.MigrationInFlight

	c.logger.Info("Migration started",
		zap.Uint32("vm_id", uint32(vm)),
		zap.Uint32("source_machine_id", uint32(source)),
		zap.Uint32("target_machine_id", uint32(target)),
		zap.Uint64("memory_mb", memoryMB),
	)
	return *m, nil
}

// Complete finishes the outstanding migration of vm and restores full core performance
// on the destination. Completing a migration that is not in flight is an invariant
// violation.
func (c *Coordinator) Complete(ctx context.Context, vm domain.VMID) (Migration, error) {
	m, ok := c.inFlight[vm]
	if !ok || m.State != domain.MigrationInFlight {
		return Migration{}, fmt.Errorf("%w: completion for vm %d without a migration in flight", domain.ErrInvariant, vm)
	}
	delete(c.inFlight, vm)

	done := *m
	done.State = domain.MigrationIdle

	c.logger.Info("Migration completed",
		zap.Uint32("vm_id", uint32(vm)),
		zap.Uint32("target_machine_id", uint32(done.Target)),
	)

	if err := c.power.RestorePerformance(ctx, done.Target); err != nil {
		c.logger.Warn("Failed to restore core performance after migration",
			zap.Uint32("machine_id", uint32(done.Target)),
			zap.Error(err),
		)
	}
	return done, nil
}

// Evacuate moves vm to the least loaded machine that can host its bound tasks.
// It returns ok=false without error when the VM is already migrating or no machine
// qualifies. Command rejections are returned as errors and are retryable.
func (c *Coordinator) Evacuate(ctx context.Context, vmID domain.VMID) (Migration, bool, error) {
	if c.IsMigrating(vmID) {
		return Migration{}, false, nil
	}

	vm, err := c.fleet.VM(vmID)
	if err != nil {
		return Migration{}, false, fmt.Errorf("failed to read vm %d: %w", vmID, err)
	}
	if !vm.Attached {
		return Migration{}, false, nil
	}

	need, err := c.requirements(vm)
	if err != nil {
		return Migration{}, false, err
	}

	machines, err := catalog.Snapshot(c.fleet)
	if err != nil {
		return Migration{}, false, err
	}

	target, ok := c.SelectTarget(vm, need, machines)
	if !ok {
		c.logger.Info("No migration target available",
			zap.Uint32("vm_id", uint32(vmID)),
			zap.Uint32("machine_id", uint32(vm.MachineID)),
			zap.Uint64("memory_mb", need.MemoryMB),
			zap.Bool("needs_gpu", need.NeedsGPU),
		)
		return Migration{}, false, nil
	}

	m, err := c.Request(ctx, vmID, vm.MachineID, target.ID, need.MemoryMB)
	if err != nil {
		return Migration{}, false, err
	}
	return m, true, nil
}

// EvacuateMachine migrates the first VM on the machine that has bound tasks and no
// outstanding migration. ok is false when nothing could be moved.
func (c *Coordinator) EvacuateMachine(ctx context.Context, machine domain.MachineID) (Migration, bool, error) {
	for _, id := range c.fleet.VMs() {
		if c.IsMigrating(id) || len(c.bindings.TasksOn(id)) == 0 {
			continue
		}
		vm, err := c.fleet.VM(id)
		if err != nil {
			return Migration{}, false, fmt.Errorf("failed to read vm %d: %w", id, err)
		}
		if !vm.HostedOn(machine) {
			continue
		}
		return c.Evacuate(ctx, id)
	}
	return Migration{}, false, nil
}

// Requirements is what a migration target must provide for a VM and its bound tasks.
type Requirements struct {
	MemoryMB uint64
	NeedsGPU bool
}

func (c *Coordinator) requirements(vm domain.VirtualMachine) (Requirements, error) {
	need := Requirements{MemoryMB: vm.MemoryOverheadMB}
	for _, id := range c.bindings.TasksOn(vm.ID) {
		t, err := c.tasks.Task(id)
		if err != nil {
			return need, fmt.Errorf("failed to read task %d: %w", id, err)
		}
		need.MemoryMB += t.MemoryMB
		need.NeedsGPU = need.NeedsGPU || t.NeedsGPU
	}
	return need, nil
}

// SelectTarget picks the least loaded machine by memory utilisation among those that
// can host vm, excluding its current machine. Ties go to fewer active tasks, then
// catalog order. Memory already promised to other in-flight migrations counts as used.
func (c *Coordinator) SelectTarget(vm domain.VirtualMachine, need Requirements, machines []domain.Machine) (domain.Machine, bool) {
	reserved := make(map[domain.MachineID]uint64)
	for _, m := range c.inFlight {
		reserved[m.Target] += m.MemoryMB
	}

	var (
		best     domain.Machine
		bestUtil float64
		found    bool
	)
	for _, m := range machines {
		if m.ID == vm.MachineID || m.CPU != vm.CPU || !m.IsActive() || c.transitions.InTransition(m.ID) {
			continue
		}
		if need.NeedsGPU && !m.HasGPU {
			continue
		}
		m.MemoryUsedMB += reserved[m.ID]
		if m.FreeMemoryMB() < need.MemoryMB {
			continue
		}

		util := m.MemoryUtilization()
		if !found || util < bestUtil || (util == bestUtil && m.ActiveTasks < best.ActiveTasks) {
			best, bestUtil, found = m, util, true
		}
	}
	return best, found
}
