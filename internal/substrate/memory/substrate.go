// Package memory provides an in-memory substrate implementation for development and testing.
//
// It keeps just enough machine, VM and task state to answer the engine's queries and
// to validate its commands. Commands with delayed effects (task execution, migration,
// power state changes) are recorded as follow-ups that a driver turns into completion
// events at the right simulated time.
package memory

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/limiquantix/vmplacer/internal/domain"
	"github.com/limiquantix/vmplacer/internal/substrate"
)

var (
	_ substrate.Substrate = (*Substrate)(nil)
	_ substrate.Reporter  = (*Substrate)(nil)
)

// Op names a command for fault injection.
type Op string

const (
	OpCreateVM           Op = "create_vm"
	OpAttachVM           Op = "attach_vm"
	OpAddTask            Op = "add_task"
	OpMigrateVM          Op = "migrate_vm"
	OpShutdownVM         Op = "shutdown_vm"
	OpSetMachineState    Op = "set_machine_state"
	OpSetCorePerformance Op = "set_core_performance"
	OpSetTaskPriority    Op = "set_task_priority"
)

// FollowupKind is the kind of completion a command schedules.
type FollowupKind string

const (
	FollowupTaskDone        FollowupKind = "task_done"
	FollowupMigrationDone   FollowupKind = "migration_done"
	FollowupStateChangeDone FollowupKind = "state_change_done"
)

// Followup is a completion the substrate owes the engine at a future time.
type Followup struct {
	At      domain.Time
	Kind    FollowupKind
	Task    domain.TaskID
	VM      domain.VMID
	Machine domain.MachineID
}

// MachineSpec describes a machine added to the substrate.
type MachineSpec struct {
	CPU        domain.CPUArch
	HasGPU     bool
	MemoryMB   uint64
	Cores      uint32
	MIPS       uint64
	PowerState domain.PowerState
}

// Options configures substrate behaviour.
type Options struct {
	VMMemoryOverheadMB uint64
	MigrationLatency   domain.Time
	StateChangeLatency domain.Time
	// SLAMultipliers are used for the end-of-run SLA report, indexed by tier.
	SLAMultipliers [domain.NumSLATiers]float64
}

// DefaultOptions returns options matching the simulator the engine was tuned against.
func DefaultOptions() Options {
	return Options{
		VMMemoryOverheadMB: 8,
		MigrationLatency:   50_000,
		StateChangeLatency: 20_000,
		SLAMultipliers:     [domain.NumSLATiers]float64{1.2, 1.5, 2.0, 3.0},
	}
}

type machineState struct {
	spec        MachineSpec
	state       domain.PowerState
	transition  *domain.PowerState
	performance []domain.CorePerformance
}

type vmState struct {
	id        domain.VMID
	vmType    domain.VMType
	cpu       domain.CPUArch
	machine   domain.MachineID
	attached  bool
	migrating bool
	target    domain.MachineID
	shutdown  bool
	tasks     []domain.TaskID
}

type taskState struct {
	task    domain.Task
	vm      domain.VMID
	running bool
}

type tierStats struct {
	completed uint64
	violated  uint64
}

// Substrate is an in-memory implementation of substrate.Substrate.
type Substrate struct {
	mu sync.RWMutex

	opts     Options
	logger   *zap.Logger
	now      domain.Time
	machines []*machineState
	vms      []*vmState
	tasks    map[domain.TaskID]*taskState
	faults   map[Op]error
	pending  []Followup

	tiers     [domain.NumSLATiers]tierStats
	energyKWh float64
}

// New creates an empty in-memory substrate.
func New(opts Options, logger *zap.Logger) *Substrate {
	return &Substrate{
		opts:   opts,
		logger: logger.With(zap.String("component", "substrate")),
		tasks:  make(map[domain.TaskID]*taskState),
		faults: make(map[Op]error),
	}
}

// AddMachine registers a machine and returns its ID. IDs are assigned densely from zero.
func (s *Substrate) AddMachine(spec MachineSpec) domain.MachineID {
	s.mu.Lock()
	defer s.mu.Unlock()

	perf := make([]domain.CorePerformance, spec.Cores)
	s.machines = append(s.machines, &machineState{
		spec:        spec,
		state:       spec.PowerState,
		performance: perf,
	})
	return domain.MachineID(len(s.machines) - 1)
}

// SubmitTask registers an arrived task so the engine can inspect and place it.
func (s *Substrate) SubmitTask(t domain.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = &taskState{task: t}
}

// FailNext makes the next command of the given kind fail with err.
func (s *Substrate) FailNext(op Op, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = err
}

// SetPowerState forces a machine's power state, bypassing transition latency.
func (s *Substrate) SetPowerState(id domain.MachineID, state domain.PowerState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(id) < len(s.machines) {
		s.machines[id].state = state
		s.machines[id].transition = nil
	}
}

// Advance moves the substrate clock forward, accruing energy for the elapsed interval.
func (s *Substrate) Advance(now domain.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now <= s.now {
		return
	}
	elapsed := float64(now - s.now)
	for id, m := range s.machines {
		watts := idleWatts(m.state)
		if m.state.Active() {
			watts += 15 * float64(s.activeTasksLocked(domain.MachineID(id)))
		}
		// W·µs → kWh
		s.energyKWh += watts * elapsed / 3.6e12
	}
	s.now = now
}

// Now returns the substrate clock.
func (s *Substrate) Now() domain.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.now
}

// DrainFollowups returns and clears completions scheduled since the last call.
func (s *Substrate) DrainFollowups() []Followup {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending
	s.pending = nil
	return out
}

// =============================================================================
// Fleet / Tasks
// =============================================================================

// MachineCount returns the number of machines.
func (s *Substrate) MachineCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.machines)
}

// Machine returns a snapshot of a machine.
func (s *Substrate) Machine(id domain.MachineID) (domain.Machine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.machineLocked(id)
}

// VMs returns live VM IDs in creation order.
func (s *Substrate) VMs() []domain.VMID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.VMID, 0, len(s.vms))
	for _, vm := range s.vms {
		if !vm.shutdown {
			out = append(out, vm.id)
		}
	}
	return out
}

// VM returns a snapshot of a VM.
func (s *Substrate) VM(id domain.VMID) (domain.VirtualMachine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vm, err := s.vmLocked(id)
	if err != nil {
		return domain.VirtualMachine{}, err
	}
	return domain.VirtualMachine{
		ID:          vm.id,
		Type:        vm.vmType,
		CPU:         vm.cpu,
		MachineID:   vm.machine,
		Attached:    vm.attached,
		ActiveTasks: append([]domain.TaskID(nil), vm.tasks...),

		MemoryOverheadMB: s.opts.VMMemoryOverheadMB,
	}, nil
}

// Task returns a snapshot of a task.
func (s *Substrate) Task(id domain.TaskID) (domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, fmt.Errorf("task %d: %w", id, domain.ErrNotFound)
	}
	return t.task, nil
}

// CorePerformance returns the performance state of every core on a machine.
func (s *Substrate) CorePerformance(id domain.MachineID) []domain.CorePerformance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if int(id) >= len(s.machines) {
		return nil
	}
	return append([]domain.CorePerformance(nil), s.machines[id].performance...)
}

// =============================================================================
// Commander
// =============================================================================

// CreateVM creates an unattached VM.
func (s *Substrate) CreateVM(ctx context.Context, vmType domain.VMType, arch domain.CPUArch) (domain.VMID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.faultLocked(OpCreateVM); err != nil {
		return 0, err
	}

	id := domain.VMID(len(s.vms))
	s.vms = append(s.vms, &vmState{id: id, vmType: vmType, cpu: arch})
	return id, nil
}

// AttachVM places an unattached VM on a machine. The machine may be asleep; tasks can
// only start once it is active.
func (s *Substrate) AttachVM(ctx context.Context, vmID domain.VMID, machineID domain.MachineID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.faultLocked(OpAttachVM); err != nil {
		return err
	}
	vm, err := s.vmLocked(vmID)
	if err != nil {
		return err
	}
	m, err := s.machineStateLocked(machineID)
	if err != nil {
		return err
	}
	if vm.attached {
		return fmt.Errorf("vm %d already attached to machine %d: %w", vmID, vm.machine, domain.ErrConflict)
	}
	if m.spec.CPU != vm.cpu {
		return fmt.Errorf("vm %d is %s, machine %d is %s: %w", vmID, vm.cpu, machineID, m.spec.CPU, domain.ErrInvalidArgument)
	}

	vm.machine = machineID
	vm.attached = true
	return nil
}

// AddTask starts a task on a VM.
func (s *Substrate) AddTask(ctx context.Context, vmID domain.VMID, taskID domain.TaskID, priority domain.Priority) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.faultLocked(OpAddTask); err != nil {
		return err
	}
	vm, err := s.vmLocked(vmID)
	if err != nil {
		return err
	}
	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %d: %w", taskID, domain.ErrNotFound)
	}
	if t.running || t.task.Completed {
		return fmt.Errorf("task %d already started: %w", taskID, domain.ErrConflict)
	}
	if !vm.attached || vm.migrating {
		return fmt.Errorf("vm %d cannot accept tasks: %w", vmID, domain.ErrStaleTarget)
	}
	if vm.vmType != t.task.VMType || vm.cpu != t.task.CPU {
		return fmt.Errorf("task %d needs %s/%s, vm %d is %s/%s: %w",
			taskID, t.task.VMType, t.task.CPU, vmID, vm.vmType, vm.cpu, domain.ErrInvalidArgument)
	}

	machine, err := s.machineLocked(vm.machine)
	if err != nil {
		return err
	}
	if !machine.IsActive() {
		return fmt.Errorf("machine %d is %s: %w", machine.ID, machine.PowerState, domain.ErrStaleTarget)
	}
	if t.task.NeedsGPU && !machine.HasGPU {
		return fmt.Errorf("machine %d has no gpu: %w", machine.ID, domain.ErrInvalidArgument)
	}
	if machine.FreeMemoryMB() < t.task.MemoryMB {
		return fmt.Errorf("machine %d has %d MB free, task %d needs %d: %w",
			machine.ID, machine.FreeMemoryMB(), taskID, t.task.MemoryMB, domain.ErrStaleTarget)
	}

	throughput := machine.AvailableThroughput()
	if floor := float64(machine.MIPS) * 0.25; throughput < floor {
		throughput = floor
	}
	runtime := domain.Time(1)
	if throughput > 0 {
		runtime += domain.Time(float64(t.task.Instructions) / throughput)
	}

	t.running = true
	t.vm = vmID
	t.task.Priority = priority
	vm.tasks = append(vm.tasks, taskID)
	s.pending = append(s.pending, Followup{At: s.now + runtime, Kind: FollowupTaskDone, Task: taskID, VM: vmID})
	return nil
}

// MigrateVM starts moving a VM to another machine.
func (s *Substrate) MigrateVM(ctx context.Context, vmID domain.VMID, machineID domain.MachineID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.faultLocked(OpMigrateVM); err != nil {
		return err
	}
	vm, err := s.vmLocked(vmID)
	if err != nil {
		return err
	}
	m, err := s.machineStateLocked(machineID)
	if err != nil {
		return err
	}
	if !vm.attached || vm.migrating {
		return fmt.Errorf("vm %d cannot migrate: %w", vmID, domain.ErrStaleTarget)
	}
	if vm.machine == machineID {
		return fmt.Errorf("vm %d already on machine %d: %w", vmID, machineID, domain.ErrInvalidArgument)
	}
	if m.spec.CPU != vm.cpu {
		return fmt.Errorf("machine %d is %s, vm %d is %s: %w", machineID, m.spec.CPU, vmID, vm.cpu, domain.ErrInvalidArgument)
	}
	if !m.state.Active() {
		return fmt.Errorf("machine %d is %s: %w", machineID, m.state, domain.ErrStaleTarget)
	}

	vm.migrating = true
	vm.target = machineID
	s.pending = append(s.pending, Followup{At: s.now + s.opts.MigrationLatency, Kind: FollowupMigrationDone, VM: vmID, Machine: machineID})
	return nil
}

// ShutdownVM retires an idle VM.
func (s *Substrate) ShutdownVM(ctx context.Context, vmID domain.VMID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.faultLocked(OpShutdownVM); err != nil {
		return err
	}
	vm, err := s.vmLocked(vmID)
	if err != nil {
		return err
	}
	if len(vm.tasks) > 0 {
		return fmt.Errorf("vm %d still runs %d tasks: %w", vmID, len(vm.tasks), domain.ErrConflict)
	}
	vm.shutdown = true
	vm.attached = false
	return nil
}

// SetMachineState starts a power state transition.
func (s *Substrate) SetMachineState(ctx context.Context, machineID domain.MachineID, state domain.PowerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.faultLocked(OpSetMachineState); err != nil {
		return err
	}
	m, err := s.machineStateLocked(machineID)
	if err != nil {
		return err
	}
	if !state.Active() && s.activeTasksLocked(machineID) > 0 {
		return fmt.Errorf("machine %d has active tasks: %w", machineID, domain.ErrConflict)
	}

	target := state
	m.transition = &target
	s.pending = append(s.pending, Followup{At: s.now + s.opts.StateChangeLatency, Kind: FollowupStateChangeDone, Machine: machineID})
	return nil
}

// SetCorePerformance sets the DVFS state of one core.
func (s *Substrate) SetCorePerformance(ctx context.Context, machineID domain.MachineID, core uint32, state domain.CorePerformance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.faultLocked(OpSetCorePerformance); err != nil {
		return err
	}
	m, err := s.machineStateLocked(machineID)
	if err != nil {
		return err
	}
	if int(core) >= len(m.performance) {
		return fmt.Errorf("machine %d has no core %d: %w", machineID, core, domain.ErrInvalidArgument)
	}
	m.performance[core] = state
	return nil
}

// SetTaskPriority changes a task's priority.
func (s *Substrate) SetTaskPriority(ctx context.Context, taskID domain.TaskID, priority domain.Priority) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.faultLocked(OpSetTaskPriority); err != nil {
		return err
	}
	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %d: %w", taskID, domain.ErrNotFound)
	}
	t.task.Priority = priority
	return nil
}

// =============================================================================
// Completions (invoked by the driver when a follow-up comes due)
// =============================================================================

// CompleteTask finishes a running task and frees its resources.
func (s *Substrate) CompleteTask(id domain.TaskID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %d: %w", id, domain.ErrNotFound)
	}
	if !t.running {
		return fmt.Errorf("task %d is not running: %w", id, domain.ErrConflict)
	}

	if vm, err := s.vmLocked(t.vm); err == nil {
		vm.tasks = removeTask(vm.tasks, id)
	}
	t.running = false
	t.task.Completed = true

	if tier := t.task.Tier; tier.Valid() {
		s.tiers[tier].completed++
		deadline := t.task.Arrival + domain.Time(float64(t.task.TargetCompletion)*s.opts.SLAMultipliers[tier])
		if s.now > deadline {
			s.tiers[tier].violated++
		}
	}
	return nil
}

// CompleteMigration moves a migrating VM onto its target machine.
func (s *Substrate) CompleteMigration(id domain.VMID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	vm, err := s.vmLocked(id)
	if err != nil {
		return err
	}
	if !vm.migrating {
		return fmt.Errorf("vm %d is not migrating: %w", id, domain.ErrConflict)
	}
	vm.machine = vm.target
	vm.migrating = false
	return nil
}

// CompleteStateChange applies a pending power state transition.
func (s *Substrate) CompleteStateChange(id domain.MachineID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.machineStateLocked(id)
	if err != nil {
		return err
	}
	if m.transition == nil {
		return fmt.Errorf("machine %d has no pending transition: %w", id, domain.ErrConflict)
	}
	m.state = *m.transition
	m.transition = nil
	return nil
}

// =============================================================================
// Reporter
// =============================================================================

// SLAViolationPercent returns the percentage of completed tasks in the tier that missed
// their deadline.
func (s *Substrate) SLAViolationPercent(tier domain.SLATier) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !tier.Valid() || s.tiers[tier].completed == 0 {
		return 0
	}
	st := s.tiers[tier]
	return 100 * float64(st.violated) / float64(st.completed)
}

// ClusterEnergyKWh returns the energy accrued so far.
func (s *Substrate) ClusterEnergyKWh() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.energyKWh
}

// =============================================================================
// Helpers (callers hold s.mu)
// =============================================================================

func (s *Substrate) faultLocked(op Op) error {
	if err, ok := s.faults[op]; ok {
		delete(s.faults, op)
		return err
	}
	return nil
}

func (s *Substrate) machineStateLocked(id domain.MachineID) (*machineState, error) {
	if int(id) >= len(s.machines) {
		return nil, fmt.Errorf("machine %d: %w", id, domain.ErrNotFound)
	}
	return s.machines[id], nil
}

func (s *Substrate) vmLocked(id domain.VMID) (*vmState, error) {
	if int(id) >= len(s.vms) || s.vms[id].shutdown {
		return nil, fmt.Errorf("vm %d: %w", id, domain.ErrNotFound)
	}
	return s.vms[id], nil
}

func (s *Substrate) activeTasksLocked(id domain.MachineID) uint32 {
	var n uint32
	for _, vm := range s.vms {
		if vm.attached && vm.machine == id {
			n += uint32(len(vm.tasks))
		}
	}
	return n
}

func (s *Substrate) machineLocked(id domain.MachineID) (domain.Machine, error) {
	m, err := s.machineStateLocked(id)
	if err != nil {
		return domain.Machine{}, err
	}

	out := domain.Machine{
		ID:            id,
		CPU:           m.spec.CPU,
		HasGPU:        m.spec.HasGPU,
		MemoryTotalMB: m.spec.MemoryMB,
		Cores:         m.spec.Cores,
		MIPS:          m.spec.MIPS,
		PowerState:    m.state,
	}
	for _, vm := range s.vms {
		if !vm.attached || vm.machine != id {
			continue
		}
		out.ActiveVMs++
		out.MemoryUsedMB += s.opts.VMMemoryOverheadMB
		for _, tid := range vm.tasks {
			out.ActiveTasks++
			out.MemoryUsedMB += s.tasks[tid].task.MemoryMB
		}
	}
	return out, nil
}

func removeTask(tasks []domain.TaskID, id domain.TaskID) []domain.TaskID {
	for i, t := range tasks {
		if t == id {
			return append(tasks[:i], tasks[i+1:]...)
		}
	}
	return tasks
}

func idleWatts(state domain.PowerState) float64 {
	switch state {
	case domain.PowerS0:
		return 120
	case domain.PowerS0i1:
		return 60
	case domain.PowerS1:
		return 40
	case domain.PowerS2:
		return 25
	case domain.PowerS3:
		return 10
	case domain.PowerS4:
		return 5
	default:
		return 0
	}
}
