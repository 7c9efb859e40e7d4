package domain

import (
	"fmt"
	"strings"
)

// VMID identifies a virtual machine.
type VMID uint32

// VMType is the guest OS flavour of a VM; tasks require a specific type.
type VMType string

const (
	VMTypeLinux   VMType = "LINUX"
	VMTypeLinuxRT VMType = "LINUX_RT"
	VMTypeWindows VMType = "WIN"
	VMTypeAIX     VMType = "AIX"
)

// ParseVMType converts a configuration or trace string into a VMType.
func ParseVMType(s string) (VMType, error) {
	switch t := VMType(strings.ToUpper(s)); t {
	case VMTypeLinux, VMTypeLinuxRT, VMTypeWindows, VMTypeAIX:
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown vm type %q", ErrInvalidArgument, s)
}

// DefaultVMTypeFor returns the VM type created on a machine of the given architecture
// at initialization.
func DefaultVMTypeFor(arch CPUArch) VMType {
	if arch == CPUArchPower {
		return VMTypeAIX
	}
	return VMTypeLinux
}

// MigrationState is the engine-owned migration status of a VM.
type MigrationState string

const (
	MigrationIdle      MigrationState = "IDLE"
	MigrationRequested MigrationState = "REQUESTED"
	MigrationInFlight  MigrationState = "IN_FLIGHT"
)

// VirtualMachine is a point-in-time view of a VM as reported by the substrate.
type VirtualMachine struct {
	ID          VMID
	Type        VMType
	CPU         CPUArch
	MachineID   MachineID
	Attached    bool
	ActiveTasks []TaskID

	// MemoryOverheadMB is what the VM occupies on its host before any task memory.
	MemoryOverheadMB uint64
}

// HostedOn reports whether the VM is attached to the given machine.
func (vm VirtualMachine) HostedOn(id MachineID) bool {
	return vm.Attached && vm.MachineID == id
}
