package domain

import (
	"fmt"
	"strings"
)

// MachineID identifies a physical machine in the fleet.
type MachineID uint32

// CPUArch is the instruction set architecture of a machine or VM.
type CPUArch string

const (
	CPUArchARM   CPUArch = "ARM"
	CPUArchPower CPUArch = "POWER"
	CPUArchRISCV CPUArch = "RISCV"
	CPUArchX86   CPUArch = "X86"
)

// ParseCPUArch converts a configuration or trace string into a CPUArch.
func ParseCPUArch(s string) (CPUArch, error) {
	switch a := CPUArch(strings.ToUpper(s)); a {
	case CPUArchARM, CPUArchPower, CPUArchRISCV, CPUArchX86:
		return a, nil
	}
	return "", fmt.Errorf("%w: unknown cpu architecture %q", ErrInvalidArgument, s)
}

// PowerState is a machine's operating mode. S0 is fully active; every other
// state is a reduced-power state in which the machine cannot run work.
type PowerState int

const (
	PowerS0 PowerState = iota
	PowerS0i1
	PowerS1
	PowerS2
	PowerS3
	PowerS4
	PowerS5
)

var powerStateNames = [...]string{"S0", "S0i1", "S1", "S2", "S3", "S4", "S5"}

func (s PowerState) String() string {
	if s < 0 || int(s) >= len(powerStateNames) {
		return fmt.Sprintf("PowerState(%d)", int(s))
	}
	return powerStateNames[s]
}

// ParsePowerState converts a name such as "S3" into a PowerState.
func ParsePowerState(s string) (PowerState, error) {
	for i, name := range powerStateNames {
		if strings.EqualFold(name, s) {
			return PowerState(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown power state %q", ErrInvalidArgument, s)
}

// Active reports whether a machine in this state can run work.
func (s PowerState) Active() bool {
	return s == PowerS0
}

// CorePerformance is a per-core performance (DVFS) state. P0 is full speed.
type CorePerformance int

const (
	CoreP0 CorePerformance = iota
	CoreP1
	CoreP2
	CoreP3
)

func (p CorePerformance) String() string {
	return fmt.Sprintf("P%d", int(p))
}

// Machine is a point-in-time view of a physical machine as reported by the substrate.
// The engine never holds an authoritative copy.
type Machine struct {
	ID            MachineID
	CPU           CPUArch
	HasGPU        bool
	MemoryTotalMB uint64
	MemoryUsedMB  uint64
	Cores         uint32
	MIPS          uint64
	PowerState    PowerState
	ActiveTasks   uint32
	ActiveVMs     uint32
}

// FreeMemoryMB returns the memory headroom of the machine.
func (m Machine) FreeMemoryMB() uint64 {
	if m.MemoryUsedMB >= m.MemoryTotalMB {
		return 0
	}
	return m.MemoryTotalMB - m.MemoryUsedMB
}

// MemoryUtilization returns the fraction of memory in use, in [0, 1].
func (m Machine) MemoryUtilization() float64 {
	if m.MemoryTotalMB == 0 {
		return 1
	}
	u := float64(m.MemoryUsedMB) / float64(m.MemoryTotalMB)
	if u > 1 {
		return 1
	}
	return u
}

// RatedThroughput is the machine's nominal instruction throughput with every core idle.
func (m Machine) RatedThroughput() float64 {
	return float64(m.MIPS) * float64(m.Cores)
}

// AvailableThroughput models busy cores as delivering half their rated throughput.
// The result may be zero or negative on an oversubscribed machine.
func (m Machine) AvailableThroughput() float64 {
	mips := float64(m.MIPS)
	return mips*float64(m.Cores) - float64(m.ActiveTasks)*mips*0.5
}

// IsActive returns true if the machine is powered on and can accept work.
func (m Machine) IsActive() bool {
	return m.PowerState.Active()
}
