package catalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/limiquantix/vmplacer/internal/domain"
	"github.com/limiquantix/vmplacer/internal/substrate/memory"
)

type vmSet map[domain.VMID]bool

func (s vmSet) IsMigrating(vm domain.VMID) bool { return s[vm] }

type machineSet map[domain.MachineID]bool

func (s machineSet) InTransition(m domain.MachineID) bool { return s[m] }

type fixture struct {
	sub       *memory.Substrate
	migrating vmSet
	waking    machineSet
	catalog   *Catalog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		sub:       memory.New(memory.DefaultOptions(), zap.NewNop()),
		migrating: vmSet{},
		waking:    machineSet{},
	}
	f.catalog = New(f.sub, f.migrating, f.waking, zap.NewNop())
	return f
}

func (f *fixture) addHost(t *testing.T, spec memory.MachineSpec, vmType domain.VMType) (domain.MachineID, domain.VMID) {
	t.Helper()
	ctx := context.Background()
	spec.PowerState = domain.PowerS0
	mid := f.sub.AddMachine(spec)
	vid, err := f.sub.CreateVM(ctx, vmType, spec.CPU)
	require.NoError(t, err)
	require.NoError(t, f.sub.AttachVM(ctx, vid, mid))
	return mid, vid
}

func x86(memMB uint64, gpu bool) memory.MachineSpec {
	return memory.MachineSpec{CPU: domain.CPUArchX86, HasGPU: gpu, MemoryMB: memMB, Cores: 4, MIPS: 1000}
}

func TestCatalog_EligibleVMs_Eligibility(t *testing.T) {
	f := newFixture(t)

	_, plain := f.addHost(t, x86(4096, false), domain.VMTypeLinux)
	_, gpu := f.addHost(t, x86(4096, true), domain.VMTypeLinux)
	f.addHost(t, x86(4096, true), domain.VMTypeWindows)
	f.addHost(t, memory.MachineSpec{CPU: domain.CPUArchARM, HasGPU: true, MemoryMB: 4096, Cores: 4, MIPS: 1000}, domain.VMTypeLinux)
	f.addHost(t, x86(256, true), domain.VMTypeLinux)
	_, moving := f.addHost(t, x86(4096, true), domain.VMTypeLinux)
	f.migrating[moving] = true

	task := domain.Task{ID: 1, VMType: domain.VMTypeLinux, CPU: domain.CPUArchX86, NeedsGPU: true, MemoryMB: 1024}

	candidates, dormant, err := f.catalog.EligibleVMs(task)
	require.NoError(t, err)
	assert.Empty(t, dormant)
	require.Len(t, candidates, 1)
	assert.Equal(t, gpu, candidates[0].VM.ID)

	for _, c := range candidates {
		assert.Equal(t, task.VMType, c.VM.Type)
		assert.Equal(t, task.CPU, c.VM.CPU)
		assert.True(t, c.Machine.HasGPU)
		assert.GreaterOrEqual(t, c.Machine.FreeMemoryMB(), task.MemoryMB)
		assert.True(t, c.Machine.IsActive())
		assert.False(t, f.migrating.IsMigrating(c.VM.ID))
	}

	task.NeedsGPU = false
	candidates, _, err = f.catalog.EligibleVMs(task)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, plain, candidates[0].VM.ID)
	assert.Equal(t, gpu, candidates[1].VM.ID)
}

func TestCatalog_EligibleVMs_SleepingHostIsDormant(t *testing.T) {
	f := newFixture(t)

	asleep, _ := f.addHost(t, x86(4096, false), domain.VMTypeLinux)
	f.sub.SetPowerState(asleep, domain.PowerS3)

	task := domain.Task{ID: 1, VMType: domain.VMTypeLinux, CPU: domain.CPUArchX86, MemoryMB: 512}

	candidates, dormant, err := f.catalog.EligibleVMs(task)
	require.NoError(t, err)
	assert.Empty(t, candidates)
	assert.Equal(t, []domain.MachineID{asleep}, dormant)

	// a wake already in flight is neither a candidate nor dormant
	f.waking[asleep] = true
	candidates, dormant, err = f.catalog.EligibleVMs(task)
	require.NoError(t, err)
	assert.Empty(t, candidates)
	assert.Empty(t, dormant)
}

func TestCatalog_EligibleVMs_ExactMemoryFit(t *testing.T) {
	f := newFixture(t)
	opts := memory.DefaultOptions()

	_, vm := f.addHost(t, x86(1024+opts.VMMemoryOverheadMB, false), domain.VMTypeLinux)
	task := domain.Task{ID: 1, VMType: domain.VMTypeLinux, CPU: domain.CPUArchX86, MemoryMB: 1024}

	candidates, _, err := f.catalog.EligibleVMs(task)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, vm, candidates[0].VM.ID)
}

func TestCatalog_EligibleMachines_IgnoresVMType(t *testing.T) {
	f := newFixture(t)

	winHost, _ := f.addHost(t, x86(4096, false), domain.VMTypeWindows)
	f.addHost(t, memory.MachineSpec{CPU: domain.CPUArchPower, MemoryMB: 4096, Cores: 8, MIPS: 1200}, domain.VMTypeAIX)
	sleeping := f.sub.AddMachine(memory.MachineSpec{CPU: domain.CPUArchX86, MemoryMB: 8192, Cores: 4, MIPS: 1000, PowerState: domain.PowerS5})

	task := domain.Task{ID: 1, VMType: domain.VMTypeLinuxRT, CPU: domain.CPUArchX86, MemoryMB: 512}

	machines, dormant, err := f.catalog.EligibleMachines(task)
	require.NoError(t, err)
	require.Len(t, machines, 1)
	assert.Equal(t, winHost, machines[0].ID)
	assert.Equal(t, []domain.MachineID{sleeping}, dormant)
}
