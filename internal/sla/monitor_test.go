package sla

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/limiquantix/vmplacer/internal/binding"
	"github.com/limiquantix/vmplacer/internal/domain"
	"github.com/limiquantix/vmplacer/internal/migration"
	"github.com/limiquantix/vmplacer/internal/power"
	"github.com/limiquantix/vmplacer/internal/substrate/memory"
)

type monitorHarness struct {
	sub      *memory.Substrate
	bindings *binding.Table
	coord    *migration.Coordinator
	monitor  *Monitor
}

func newMonitorHarness(t *testing.T, machines int) *monitorHarness {
	t.Helper()
	logger := zap.NewNop()
	h := &monitorHarness{
		sub:      memory.New(memory.DefaultOptions(), logger),
		bindings: binding.NewTable(),
	}
	for i := 0; i < machines; i++ {
		h.sub.AddMachine(memory.MachineSpec{CPU: domain.CPUArchX86, MemoryMB: 8192, Cores: 4, MIPS: 1000, PowerState: domain.PowerS0})
	}

	pc := power.New(power.Config{}, h.sub, h.sub, logger)
	h.coord = migration.New(h.sub, h.sub, h.bindings, pc, h.sub, pc, logger)
	h.monitor = NewMonitor(DefaultPolicy(), h.sub, h.sub, h.bindings, h.coord, logger)
	return h
}

func (h *monitorHarness) admit(t *testing.T, machine domain.MachineID, task domain.Task) domain.VMID {
	t.Helper()
	ctx := context.Background()
	vm, err := h.sub.CreateVM(ctx, task.VMType, task.CPU)
	require.NoError(t, err)
	require.NoError(t, h.sub.AttachVM(ctx, vm, machine))
	h.sub.SubmitTask(task)

	priority := DefaultPolicy().InitialPriority(task.Tier)
	require.NoError(t, h.sub.AddTask(ctx, vm, task.ID, priority))
	require.NoError(t, h.bindings.Bind(task.ID, vm))
	h.monitor.Track(task.ID, priority)
	return vm
}

func slaTask(id domain.TaskID, tier domain.SLATier) domain.Task {
	return domain.Task{
		ID:               id,
		VMType:           domain.VMTypeLinux,
		CPU:              domain.CPUArchX86,
		MemoryMB:         1024,
		Instructions:     50_000_000,
		Arrival:          0,
		TargetCompletion: 1000,
		Tier:             tier,
	}
}

func TestMonitor_Sweep_EscalatesAndMigratesOnce(t *testing.T) {
	ctx := context.Background()
	h := newMonitorHarness(t, 2)
	vm := h.admit(t, 0, slaTask(1, domain.SLA1))
	h.sub.DrainFollowups()

	report, err := h.monitor.Sweep(ctx, 1500)
	require.NoError(t, err)
	assert.Empty(t, report.Violations, "deadline not yet passed")

	report, err = h.monitor.Sweep(ctx, 1501)
	require.NoError(t, err)
	assert.Equal(t, []domain.TaskID{1}, report.Violations)
	require.Len(t, report.Escalations, 1)
	assert.Equal(t, Escalation{Task: 1, From: domain.PriorityMid, To: domain.PriorityHigh}, report.Escalations[0])
	require.Len(t, report.Migrations, 1)
	assert.Equal(t, vm, report.Migrations[0].VM)
	assert.Equal(t, domain.MachineID(1), report.Migrations[0].Target)

	task, err := h.sub.Task(1)
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityHigh, task.Priority)

	report, err = h.monitor.Sweep(ctx, 5000)
	require.NoError(t, err)
	assert.Empty(t, report.Violations)
	assert.Empty(t, report.Escalations)
	assert.Empty(t, report.Migrations)

	followups := h.sub.DrainFollowups()
	require.Len(t, followups, 1)
	assert.Equal(t, memory.FollowupMigrationDone, followups[0].Kind)
}

func TestMonitor_Sweep_RetriesRejectedMigration(t *testing.T) {
	ctx := context.Background()
	h := newMonitorHarness(t, 2)
	h.admit(t, 0, slaTask(1, domain.SLA3))

	h.sub.FailNext(memory.OpMigrateVM, domain.ErrStaleTarget)
	report, err := h.monitor.Sweep(ctx, 3001)
	require.NoError(t, err)
	assert.Len(t, report.Violations, 1)
	assert.Len(t, report.Escalations, 1)
	assert.Empty(t, report.Migrations)

	report, err = h.monitor.Sweep(ctx, 3002)
	require.NoError(t, err)
	assert.Empty(t, report.Violations, "violation is reported once")
	assert.Empty(t, report.Escalations)
	assert.Len(t, report.Migrations, 1)
}

func TestMonitor_Warning_UnboundTaskOnlyEscalates(t *testing.T) {
	ctx := context.Background()
	h := newMonitorHarness(t, 2)
	h.sub.SubmitTask(slaTask(9, domain.SLA3))

	report, err := h.monitor.Warning(ctx, 10, 9)
	require.NoError(t, err)
	require.Len(t, report.Escalations, 1)
	assert.Equal(t, domain.PriorityHigh, report.Escalations[0].To)
	assert.Empty(t, report.Migrations)
	assert.Empty(t, report.Violations)
}

func TestMonitor_Warning_SkipsMigratingVM(t *testing.T) {
	ctx := context.Background()
	h := newMonitorHarness(t, 3)
	vm := h.admit(t, 0, slaTask(1, domain.SLA1))

	report, err := h.monitor.Warning(ctx, 10, 1)
	require.NoError(t, err)
	require.Len(t, report.Migrations, 1)
	assert.True(t, h.coord.IsMigrating(vm))

	report, err = h.monitor.Warning(ctx, 20, 1)
	require.NoError(t, err)
	assert.Empty(t, report.Migrations)
	assert.Empty(t, report.Escalations, "already at the escalation priority")
	assert.Len(t, h.coord.InFlight(), 1)
}

func TestMonitor_EscalationIsMonotonic(t *testing.T) {
	ctx := context.Background()
	h := newMonitorHarness(t, 1)
	h.admit(t, 0, slaTask(1, domain.SLA2))
	h.monitor.Track(1, domain.PriorityHigh)

	report, err := h.monitor.Warning(ctx, 10, 1)
	require.NoError(t, err)
	assert.Empty(t, report.Escalations)

	p, ok := h.monitor.Priority(1)
	require.True(t, ok)
	assert.Equal(t, domain.PriorityHigh, p)

	h.monitor.Forget(1)
	_, ok = h.monitor.Priority(1)
	assert.False(t, ok)
}

func TestMonitor_Track_NeverLowers(t *testing.T) {
	ctx := context.Background()
	h := newMonitorHarness(t, 1)
	h.sub.SubmitTask(slaTask(4, domain.SLA3))

	_, err := h.monitor.Warning(ctx, 10, 4)
	require.NoError(t, err)

	h.monitor.Track(4, domain.PriorityLow)
	p, ok := h.monitor.Priority(4)
	require.True(t, ok)
	assert.Equal(t, domain.PriorityHigh, p, "an escalation made while queued survives admission")

	h.monitor.Track(5, domain.PriorityMid)
	h.monitor.Track(5, domain.PriorityHigh)
	p, _ = h.monitor.Priority(5)
	assert.Equal(t, domain.PriorityHigh, p)
}
