package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally/v4"
	"go.uber.org/zap"

	"github.com/limiquantix/vmplacer/internal/admission"
	"github.com/limiquantix/vmplacer/internal/config"
	"github.com/limiquantix/vmplacer/internal/domain"
	"github.com/limiquantix/vmplacer/internal/events"
	"github.com/limiquantix/vmplacer/internal/metrics"
	"github.com/limiquantix/vmplacer/internal/substrate/memory"
)

type fakeLeader struct {
	leader bool
}

func (f *fakeLeader) IsLeader() bool { return f.leader }

type testEngine struct {
	*Engine
	sub    *memory.Substrate
	events *events.Collector
	scope  tally.TestScope
}

func newTestEngine(t *testing.T, configure func(*config.Config), machines ...memory.MachineSpec) *testEngine {
	t.Helper()
	logger := zap.NewNop()

	cfg := config.Default()
	if configure != nil {
		configure(cfg)
	}
	require.NoError(t, cfg.Validate())

	sub := memory.New(memory.DefaultOptions(), logger)
	for _, m := range machines {
		sub.AddMachine(m)
	}

	collector := &events.Collector{}
	scope := tally.NewTestScope("", nil)
	e, err := New(cfg, sub, logger,
		WithEmitter(collector),
		WithMetrics(metrics.New(scope)),
		WithReporter(sub),
	)
	require.NoError(t, err)

	_, err = e.Initialize(context.Background(), 0)
	require.NoError(t, err)
	collector.Reset()

	return &testEngine{Engine: e, sub: sub, events: collector, scope: scope}
}

func x86(memoryMB uint64) memory.MachineSpec {
	return memory.MachineSpec{CPU: domain.CPUArchX86, MemoryMB: memoryMB, Cores: 4, MIPS: 1000, PowerState: domain.PowerS0}
}

func (te *testEngine) arrive(t *testing.T, now domain.Time, task domain.Task) Result {
	t.Helper()
	task.Arrival = now
	te.sub.SubmitTask(task)
	te.sub.Advance(now)
	res, err := te.TaskArrived(context.Background(), now, task.ID)
	require.NoError(t, err)
	return res
}

func (te *testEngine) complete(t *testing.T, now domain.Time, id domain.TaskID) Result {
	t.Helper()
	te.sub.Advance(now)
	require.NoError(t, te.sub.CompleteTask(id))
	res, err := te.TaskCompleted(context.Background(), now, id)
	require.NoError(t, err)
	return res
}

func linuxTask(id domain.TaskID, memoryMB uint64, tier domain.SLATier) domain.Task {
	return domain.Task{
		ID:               id,
		VMType:           domain.VMTypeLinux,
		CPU:              domain.CPUArchX86,
		MemoryMB:         memoryMB,
		Instructions:     1_000_000,
		TargetCompletion: 1_000_000,
		Tier:             tier,
	}
}

func TestEngine_Initialize_MatchesVMTypeToArchitecture(t *testing.T) {
	logger := zap.NewNop()
	sub := memory.New(memory.DefaultOptions(), logger)
	sub.AddMachine(x86(4096))
	sub.AddMachine(memory.MachineSpec{CPU: domain.CPUArchPower, MemoryMB: 4096, Cores: 4, MIPS: 1000, PowerState: domain.PowerS0})
	sub.AddMachine(memory.MachineSpec{CPU: domain.CPUArchARM, MemoryMB: 4096, Cores: 4, MIPS: 1000, PowerState: domain.PowerS3})

	e, err := New(config.Default(), sub, logger)
	require.NoError(t, err)

	res, err := e.Initialize(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, []CommandOp{
		OpCreateVM, OpAttachVM,
		OpCreateVM, OpAttachVM,
		OpCreateVM, OpAttachVM,
	}, res.CommandOps())

	want := []domain.VMType{domain.VMTypeLinux, domain.VMTypeAIX, domain.VMTypeLinux}
	for i, vmType := range want {
		vm, err := sub.VM(domain.VMID(i))
		require.NoError(t, err)
		assert.Equal(t, vmType, vm.Type)
		assert.True(t, vm.HostedOn(domain.MachineID(i)))
	}
	assert.True(t, e.Snapshot().Initialized)
}

func TestEngine_Dispatch_LifecycleInvariants(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop()
	sub := memory.New(memory.DefaultOptions(), logger)
	sub.AddMachine(x86(4096))

	e, err := New(config.Default(), sub, logger)
	require.NoError(t, err)

	_, err = e.PeriodicTick(ctx, 1)
	assert.ErrorIs(t, err, domain.ErrInvariant, "event before initialize")

	_, err = e.Initialize(ctx, 0)
	require.NoError(t, err)
	_, err = e.Initialize(ctx, 0)
	assert.ErrorIs(t, err, domain.ErrInvariant, "double initialize")

	_, err = e.Dispatch(ctx, Event{Kind: "bogus"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	res, err := e.Shutdown(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []CommandOp{OpShutdownVM}, res.CommandOps())
	assert.True(t, e.Snapshot().ShutDown)

	_, err = e.PeriodicTick(ctx, 11)
	assert.ErrorIs(t, err, domain.ErrInvariant, "event after shutdown")
	assert.Equal(t, uint64(3), e.Snapshot().InvariantErrors)
}

func TestEngine_TaskArrived_PlacesOnInitialVM(t *testing.T) {
	te := newTestEngine(t, nil, x86(8192))

	res := te.arrive(t, 100, linuxTask(1, 1024, domain.SLA1))
	require.Len(t, res.Admissions, 1)
	assert.Equal(t, admission.StatusPlaced, res.Admissions[0].Status)
	assert.Equal(t, domain.VMID(0), res.Admissions[0].VM)
	assert.Equal(t, domain.PriorityMid, res.Admissions[0].Priority)
	assert.Equal(t, []CommandOp{OpAddTask}, res.CommandOps())

	vm, ok := te.Binding(1)
	require.True(t, ok)
	assert.Equal(t, domain.VMID(0), vm)
	assert.Equal(t, []events.Kind{events.KindTaskAdmitted}, te.events.Kinds())
	assert.Equal(t, 1, te.Snapshot().BoundTasks)
}

func TestEngine_TaskCompleted_Unbinds(t *testing.T) {
	te := newTestEngine(t, nil, x86(8192))
	te.arrive(t, 0, linuxTask(1, 1024, domain.SLA2))

	res := te.complete(t, 500, 1)
	assert.Empty(t, res.Commands)
	_, ok := te.Binding(1)
	assert.False(t, ok)
	assert.Equal(t, 0, te.Snapshot().BoundTasks)

	_, err := te.TaskCompleted(context.Background(), 600, 1)
	assert.ErrorIs(t, err, domain.ErrInvariant, "completing an unbound task")
}

func TestEngine_RetryQueue_AdmitsAfterCapacityFrees(t *testing.T) {
	te := newTestEngine(t, nil, x86(2048))

	res := te.arrive(t, 0, linuxTask(1, 1500, domain.SLA2))
	require.True(t, res.Admissions[0].Placed())

	res = te.arrive(t, 10, linuxTask(2, 1500, domain.SLA2))
	require.Len(t, res.Admissions, 1)
	assert.Equal(t, admission.StatusFailed, res.Admissions[0].Status)
	assert.False(t, res.Admissions[0].Retryable)
	assert.Empty(t, res.Commands, "fail-closed: no command for an unplaceable task")
	assert.Equal(t, []domain.TaskID{2}, te.Snapshot().PendingTasks)
	assert.Contains(t, te.events.Kinds(), events.KindAdmissionFailed)

	res = te.complete(t, 400, 1)
	require.Len(t, res.Admissions, 1)
	assert.Equal(t, domain.TaskID(2), res.Admissions[0].Task)
	assert.Equal(t, admission.StatusPlaced, res.Admissions[0].Status)
	assert.Empty(t, te.Snapshot().PendingTasks)

	counters := te.scope.Snapshot().Counters()
	retried, ok := counters["admission.retried+"]
	require.True(t, ok)
	assert.Equal(t, int64(1), retried.Value())
}

func TestEngine_RetryQueue_KeepsEscalatedPriority(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, nil, x86(2048))
	te.arrive(t, 0, linuxTask(1, 1500, domain.SLA0))

	res := te.arrive(t, 10, linuxTask(2, 1500, domain.SLA3))
	require.False(t, res.Admissions[0].Placed())

	res, err := te.SLAWarning(ctx, 20, 2)
	require.NoError(t, err)
	require.Len(t, res.SLA.Escalations, 1)
	assert.Equal(t, domain.PriorityHigh, res.SLA.Escalations[0].To)

	res = te.complete(t, 30, 1)
	require.Len(t, res.Admissions, 1)
	require.True(t, res.Admissions[0].Placed())
	assert.Equal(t, domain.PriorityHigh, res.Admissions[0].Priority)

	p, ok := te.monitor.Priority(2)
	require.True(t, ok)
	assert.Equal(t, domain.PriorityHigh, p)
	task, err := te.sub.Task(2)
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityHigh, task.Priority)
}

func TestEngine_RetryQueue_CompletedWhilePendingForgetsTask(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, nil, x86(2048))
	te.arrive(t, 0, linuxTask(1, 1500, domain.SLA0))
	te.arrive(t, 10, linuxTask(2, 1500, domain.SLA3))

	_, err := te.SLAWarning(ctx, 20, 2)
	require.NoError(t, err)
	_, ok := te.monitor.Priority(2)
	require.True(t, ok)

	_, err = te.TaskCompleted(ctx, 30, 2)
	require.NoError(t, err)
	assert.Empty(t, te.Snapshot().PendingTasks)
	_, ok = te.monitor.Priority(2)
	assert.False(t, ok)
}

func TestEngine_RetryQueue_RejectedAttachDoesNotLeakVMs(t *testing.T) {
	te := newTestEngine(t, nil, x86(8192))
	before := len(te.sub.VMs())

	task := linuxTask(1, 1024, domain.SLA1)
	task.VMType = domain.VMTypeWindows
	te.sub.FailNext(memory.OpAttachVM, domain.ErrStaleTarget)
	res := te.arrive(t, 0, task)
	require.True(t, res.Admissions[0].Retryable)
	assert.Equal(t, []CommandOp{OpCreateVM, OpAttachVM, OpShutdownVM}, res.CommandOps())
	assert.Len(t, te.sub.VMs(), before)
	assert.Equal(t, []domain.TaskID{1}, te.Snapshot().PendingTasks)
}

func TestEngine_SurfacePolicy_DoesNotQueue(t *testing.T) {
	te := newTestEngine(t, func(c *config.Config) {
		c.Admission.OnFailure = config.FailureSurface
	}, x86(1024))

	res := te.arrive(t, 0, linuxTask(1, 2048, domain.SLA0))
	assert.False(t, res.Admissions[0].Placed())
	assert.Empty(t, te.Snapshot().PendingTasks)
}

func TestEngine_SLAWarning_MigratesAndCompletes(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, nil, x86(8192), x86(8192))
	te.arrive(t, 0, linuxTask(1, 1024, domain.SLA1))

	res, err := te.SLAWarning(ctx, 50, 1)
	require.NoError(t, err)
	assert.Equal(t, []CommandOp{OpSetTaskPriority, OpMigrateVM}, res.CommandOps())
	require.Len(t, res.SLA.Migrations, 1)
	mig := res.SLA.Migrations[0]
	assert.Equal(t, domain.VMID(0), mig.VM)
	assert.Equal(t, domain.MachineID(1), mig.Target)
	assert.Len(t, te.Snapshot().Migrations, 1)

	require.NoError(t, te.sub.CompleteMigration(mig.VM))
	res, err = te.MigrationCompleted(ctx, 100, mig.VM)
	require.NoError(t, err)
	require.Len(t, res.Completed, 1)
	assert.Equal(t, []CommandOp{
		OpSetCorePerformance, OpSetCorePerformance, OpSetCorePerformance, OpSetCorePerformance,
	}, res.CommandOps())
	assert.Empty(t, te.Snapshot().Migrations)

	_, err = te.MigrationCompleted(ctx, 110, mig.VM)
	assert.ErrorIs(t, err, domain.ErrInvariant, "completing a migration that is not in flight")
}

func TestEngine_PeriodicTick_SweepsOnlyAsLeader(t *testing.T) {
	ctx := context.Background()
	leader := &fakeLeader{}
	logger := zap.NewNop()
	sub := memory.New(memory.DefaultOptions(), logger)
	sub.AddMachine(x86(8192))
	sub.AddMachine(x86(8192))

	e, err := New(config.Default(), sub, logger, WithLeaderChecker(leader))
	require.NoError(t, err)
	_, err = e.Initialize(ctx, 0)
	require.NoError(t, err)

	task := linuxTask(1, 1024, domain.SLA3)
	task.TargetCompletion = 100
	sub.SubmitTask(task)
	_, err = e.TaskArrived(ctx, 0, 1)
	require.NoError(t, err)

	res, err := e.PeriodicTick(ctx, 1000)
	require.NoError(t, err)
	assert.Empty(t, res.SLA.Violations)
	assert.Empty(t, res.Commands)

	leader.leader = true
	res, err = e.PeriodicTick(ctx, 1000)
	require.NoError(t, err)
	assert.Equal(t, []domain.TaskID{1}, res.SLA.Violations)
	require.Len(t, res.SLA.Escalations, 1)
	assert.Equal(t, domain.PriorityHigh, res.SLA.Escalations[0].To)
}

func TestEngine_MemoryWarning(t *testing.T) {
	ctx := context.Background()

	t.Run("evacuates a VM with bound tasks", func(t *testing.T) {
		te := newTestEngine(t, nil, x86(8192), x86(8192))
		te.arrive(t, 0, linuxTask(1, 1024, domain.SLA2))

		res, err := te.MemoryWarning(ctx, 10, 0)
		require.NoError(t, err)
		require.Len(t, res.Evacuations, 1)
		assert.Equal(t, domain.MachineID(1), res.Evacuations[0].Target)
		assert.Equal(t, []CommandOp{OpMigrateVM}, res.CommandOps())
		assert.Equal(t, []events.Kind{events.KindMemoryWarning, events.KindMigrationStarted}, te.events.Kinds())
	})

	t.Run("disabled", func(t *testing.T) {
		te := newTestEngine(t, func(c *config.Config) {
			c.Migration.OnMemoryWarning = false
		}, x86(8192), x86(8192))
		te.arrive(t, 0, linuxTask(1, 1024, domain.SLA2))

		res, err := te.MemoryWarning(ctx, 10, 0)
		require.NoError(t, err)
		assert.Empty(t, res.Commands)
		assert.Empty(t, res.Evacuations)
	})
}

func TestEngine_SleepAndWake(t *testing.T) {
	ctx := context.Background()
	gpu := x86(8192)
	gpu.HasGPU = true
	te := newTestEngine(t, func(c *config.Config) {
		c.Power.SleepEnabled = true
		c.Power.SleepState = "S3"
		c.Power.MinActiveMachines = 1
	}, gpu, x86(8192), x86(8192))

	res, err := te.PeriodicTick(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []domain.MachineID{0, 1}, res.Slept)
	assert.Equal(t, []CommandOp{OpSetMachineState, OpSetMachineState}, res.CommandOps())

	for _, m := range res.Slept {
		require.NoError(t, te.sub.CompleteStateChange(m))
		_, err := te.MachineStateChangeCompleted(ctx, 20, m)
		require.NoError(t, err)
	}

	task := linuxTask(1, 1024, domain.SLA0)
	task.NeedsGPU = true
	res = te.arrive(t, 30, task)
	require.Len(t, res.Admissions, 1)
	assert.False(t, res.Admissions[0].Placed())
	assert.Equal(t, []domain.MachineID{0}, res.Woken())
	assert.Equal(t, []CommandOp{OpSetMachineState}, res.CommandOps(), "one wake, deduplicated")
	assert.Equal(t, []domain.MachineID{0}, te.Snapshot().WakingMachines)

	require.NoError(t, te.sub.CompleteStateChange(0))
	res, err = te.MachineStateChangeCompleted(ctx, 40, 0)
	require.NoError(t, err)
	require.Len(t, res.Admissions, 1)
	assert.Equal(t, admission.StatusPlaced, res.Admissions[0].Status)
	assert.Equal(t, domain.VMID(0), res.Admissions[0].VM)
	assert.Empty(t, te.Snapshot().PendingTasks)
}

func TestEngine_Shutdown_ReportsAndStopsVMs(t *testing.T) {
	te := newTestEngine(t, nil, x86(8192), x86(8192))
	te.arrive(t, 0, linuxTask(1, 1024, domain.SLA2))
	te.complete(t, 500, 1)
	te.events.Reset()

	res, err := te.Shutdown(context.Background(), 1000)
	require.NoError(t, err)
	assert.Equal(t, []CommandOp{OpShutdownVM, OpShutdownVM}, res.CommandOps())
	assert.Empty(t, te.sub.VMs())
	assert.Equal(t, []events.Kind{events.KindShutdown}, te.events.Kinds())
}
