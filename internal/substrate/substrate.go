// Package substrate declares the capability interfaces the placement engine consumes
// from the execution substrate (a simulator or a real hypervisor fleet).
//
// Every call is synchronous and non-blocking from the engine's point of view. Query
// results are snapshots and may be stale by the time a command is issued; commands
// against targets that are no longer valid return an error wrapping
// domain.ErrStaleTarget.
package substrate

import (
	"context"

	"github.com/limiquantix/vmplacer/internal/domain"
)

// Fleet provides read-only introspection of machines and VMs.
type Fleet interface {
	// MachineCount returns the total number of machines. Machine IDs are 0..count-1.
	MachineCount() int

	// Machine returns the current view of a machine.
	Machine(id domain.MachineID) (domain.Machine, error)

	// VMs returns every VM the substrate knows about, in creation order.
	VMs() []domain.VMID

	// VM returns the current view of a VM.
	VM(id domain.VMID) (domain.VirtualMachine, error)
}

// Tasks provides task introspection.
type Tasks interface {
	// Task returns the current view of a task.
	Task(id domain.TaskID) (domain.Task, error)
}

// Commander issues lifecycle commands to the substrate.
type Commander interface {
	CreateVM(ctx context.Context, vmType domain.VMType, arch domain.CPUArch) (domain.VMID, error)
	AttachVM(ctx context.Context, vm domain.VMID, machine domain.MachineID) error
	AddTask(ctx context.Context, vm domain.VMID, task domain.TaskID, priority domain.Priority) error
	MigrateVM(ctx context.Context, vm domain.VMID, machine domain.MachineID) error
	ShutdownVM(ctx context.Context, vm domain.VMID) error
	SetMachineState(ctx context.Context, machine domain.MachineID, state domain.PowerState) error
	SetCorePerformance(ctx context.Context, machine domain.MachineID, core uint32, state domain.CorePerformance) error
	SetTaskPriority(ctx context.Context, task domain.TaskID, priority domain.Priority) error
}

// Reporter exposes end-of-run statistics. It is consulted only at shutdown.
type Reporter interface {
	// SLAViolationPercent returns the share of tasks in the tier that missed their SLA.
	SLAViolationPercent(tier domain.SLATier) float64

	// ClusterEnergyKWh returns the cumulative energy consumed by the cluster.
	ClusterEnergyKWh() float64
}

// Substrate bundles every capability an engine needs.
type Substrate interface {
	Fleet
	Tasks
	Commander
}
