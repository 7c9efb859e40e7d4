package engine

import (
	"context"

	"github.com/limiquantix/vmplacer/internal/domain"
	"github.com/limiquantix/vmplacer/internal/substrate"
)

// CommandOp names a substrate command.
type CommandOp string

const (
	OpCreateVM           CommandOp = "create_vm"
	OpAttachVM           CommandOp = "attach_vm"
	OpAddTask            CommandOp = "add_task"
	OpMigrateVM          CommandOp = "migrate_vm"
	OpShutdownVM         CommandOp = "shutdown_vm"
	OpSetMachineState    CommandOp = "set_machine_state"
	OpSetCorePerformance CommandOp = "set_core_performance"
	OpSetTaskPriority    CommandOp = "set_task_priority"
)

// Command is one command issued to the substrate and its result.
type Command struct {
	Op          CommandOp
	VM          domain.VMID
	Machine     domain.MachineID
	Task        domain.TaskID
	VMType      domain.VMType
	CPU         domain.CPUArch
	Priority    domain.Priority
	State       domain.PowerState
	Core        uint32
	Performance domain.CorePerformance
	Err         error
}

// recorder forwards commands to the substrate and keeps a log of them for the event
// currently being handled.
type recorder struct {
	next substrate.Commander
	log  []Command
}

var _ substrate.Commander = (*recorder)(nil)

func (r *recorder) take() []Command {
	out := r.log
	r.log = nil
	return out
}

func (r *recorder) record(c Command) error {
	r.log = append(r.log, c)
	return c.Err
}

func (r *recorder) CreateVM(ctx context.Context, vmType domain.VMType, arch domain.CPUArch) (domain.VMID, error) {
	id, err := r.next.CreateVM(ctx, vmType, arch)
	return id, r.record(Command{Op: OpCreateVM, VM: id, VMType: vmType, CPU: arch, Err: err})
}

func (r *recorder) AttachVM(ctx context.Context, vm domain.VMID, machine domain.MachineID) error {
	err := r.next.AttachVM(ctx, vm, machine)
	return r.record(Command{Op: OpAttachVM, VM: vm, Machine: machine, Err: err})
}

func (r *recorder) AddTask(ctx context.Context, vm domain.VMID, task domain.TaskID, priority domain.Priority) error {
	err := r.next.AddTask(ctx, vm, task, priority)
	return r.record(Command{Op: OpAddTask, VM: vm, Task: task, Priority: priority, Err: err})
}

func (r *recorder) MigrateVM(ctx context.Context, vm domain.VMID, machine domain.MachineID) error {
	err := r.next.MigrateVM(ctx, vm, machine)
	return r.record(Command{Op: OpMigrateVM, VM: vm, Machine: machine, Err: err})
}

func (r *recorder) ShutdownVM(ctx context.Context, vm domain.VMID) error {
	err := r.next.ShutdownVM(ctx, vm)
	return r.record(Command{Op: OpShutdownVM, VM: vm, Err: err})
}

func (r *recorder) SetMachineState(ctx context.Context, machine domain.MachineID, state domain.PowerState) error {
	err := r.next.SetMachineState(ctx, machine, state)
	return r.record(Command{Op: OpSetMachineState, Machine: machine, State: state, Err: err})
}

func (r *recorder) SetCorePerformance(ctx context.Context, machine domain.MachineID, core uint32, state domain.CorePerformance) error {
	err := r.next.SetCorePerformance(ctx, machine, core, state)
	return r.record(Command{Op: OpSetCorePerformance, Machine: machine, Core: core, Performance: state, Err: err})
}

func (r *recorder) SetTaskPriority(ctx context.Context, task domain.TaskID, priority domain.Priority) error {
	err := r.next.SetTaskPriority(ctx, task, priority)
	return r.record(Command{Op: OpSetTaskPriority, Task: task, Priority: priority, Err: err})
}
