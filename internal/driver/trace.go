// Package driver replays a workload trace against the in-memory substrate.
package driver

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/limiquantix/vmplacer/internal/domain"
	"github.com/limiquantix/vmplacer/internal/substrate/memory"
)

// Trace is a fleet description plus the external events to replay against it.
type Trace struct {
	Machines       []MachineGroup  `yaml:"machines"`
	Tasks          []TraceTask     `yaml:"tasks"`
	SLAWarnings    []SLAWarning    `yaml:"sla_warnings"`
	MemoryWarnings []MemoryWarning `yaml:"memory_warnings"`
	// End stops the replay at this time when non-zero.
	End uint64 `yaml:"end"`
}

// MachineGroup describes Count identical machines.
type MachineGroup struct {
	Count      int    `yaml:"count"`
	CPU        string `yaml:"cpu"`
	GPU        bool   `yaml:"gpu"`
	MemoryMB   uint64 `yaml:"memory_mb"`
	Cores      uint32 `yaml:"cores"`
	MIPS       uint64 `yaml:"mips"`
	PowerState string `yaml:"power_state"`
}

// TraceTask is one task arrival. Times are in microseconds.
type TraceTask struct {
	ID               uint32 `yaml:"id"`
	Arrival          uint64 `yaml:"arrival"`
	VMType           string `yaml:"vm_type"`
	CPU              string `yaml:"cpu"`
	GPU              bool   `yaml:"gpu"`
	MemoryMB         uint64 `yaml:"memory_mb"`
	Instructions     uint64 `yaml:"instructions"`
	TargetCompletion uint64 `yaml:"target_completion"`
	SLA              string `yaml:"sla"`
}

// SLAWarning is an at-risk notification for a task.
type SLAWarning struct {
	Time uint64 `yaml:"time"`
	Task uint32 `yaml:"task"`
}

// MemoryWarning is a memory pressure notification for a machine.
type MemoryWarning struct {
	Time    uint64 `yaml:"time"`
	Machine uint32 `yaml:"machine"`
}

// LoadTrace reads and validates a trace file.
func LoadTrace(path string) (*Trace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read trace: %w", err)
	}
	return ParseTrace(data)
}

// ParseTrace decodes and validates a YAML trace.
func ParseTrace(data []byte) (*Trace, error) {
	var t Trace
	if err := yaml.UnmarshalStrict(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse trace: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Validate checks that every enum parses and every reference resolves.
func (t *Trace) Validate() error {
	if len(t.Machines) == 0 {
		return fmt.Errorf("%w: trace has no machines", domain.ErrInvalidArgument)
	}
	machines := 0
	for i, g := range t.Machines {
		if _, err := g.spec(); err != nil {
			return fmt.Errorf("machine group %d: %w", i, err)
		}
		machines += g.count()
	}

	seen := make(map[uint32]bool, len(t.Tasks))
	for i, tt := range t.Tasks {
		if seen[tt.ID] {
			return fmt.Errorf("%w: task %d listed twice", domain.ErrInvalidArgument, tt.ID)
		}
		seen[tt.ID] = true
		if _, err := tt.task(); err != nil {
			return fmt.Errorf("task entry %d: %w", i, err)
		}
	}
	for _, w := range t.SLAWarnings {
		if !seen[w.Task] {
			return fmt.Errorf("%w: sla warning for unknown task %d", domain.ErrInvalidArgument, w.Task)
		}
	}
	for _, w := range t.MemoryWarnings {
		if int(w.Machine) >= machines {
			return fmt.Errorf("%w: memory warning for unknown machine %d", domain.ErrInvalidArgument, w.Machine)
		}
	}
	return nil
}

// Populate adds the trace's machines to the substrate in listed order.
func (t *Trace) Populate(sub *memory.Substrate) error {
	for i, g := range t.Machines {
		spec, err := g.spec()
		if err != nil {
			return fmt.Errorf("machine group %d: %w", i, err)
		}
		for n := 0; n < g.count(); n++ {
			sub.AddMachine(spec)
		}
	}
	return nil
}

func (g MachineGroup) count() int {
	if g.Count <= 0 {
		return 1
	}
	return g.Count
}

func (g MachineGroup) spec() (memory.MachineSpec, error) {
	cpu, err := domain.ParseCPUArch(g.CPU)
	if err != nil {
		return memory.MachineSpec{}, err
	}
	state := domain.PowerS0
	if g.PowerState != "" {
		if state, err = domain.ParsePowerState(g.PowerState); err != nil {
			return memory.MachineSpec{}, err
		}
	}
	if g.Cores == 0 || g.MIPS == 0 || g.MemoryMB == 0 {
		return memory.MachineSpec{}, fmt.Errorf("%w: cores, mips and memory_mb are required", domain.ErrInvalidArgument)
	}
	return memory.MachineSpec{
		CPU:        cpu,
		HasGPU:     g.GPU,
		MemoryMB:   g.MemoryMB,
		Cores:      g.Cores,
		MIPS:       g.MIPS,
		PowerState: state,
	}, nil
}

func (tt TraceTask) task() (domain.Task, error) {
	cpu, err := domain.ParseCPUArch(tt.CPU)
	if err != nil {
		return domain.Task{}, err
	}
	vmType := domain.DefaultVMTypeFor(cpu)
	if tt.VMType != "" {
		if vmType, err = domain.ParseVMType(tt.VMType); err != nil {
			return domain.Task{}, err
		}
	}
	tier := domain.SLA3
	if tt.SLA != "" {
		if tier, err = domain.ParseSLATier(tt.SLA); err != nil {
			return domain.Task{}, err
		}
	}
	return domain.Task{
		ID:               domain.TaskID(tt.ID),
		VMType:           vmType,
		CPU:              cpu,
		NeedsGPU:         tt.GPU,
		MemoryMB:         tt.MemoryMB,
		Instructions:     tt.Instructions,
		Arrival:          domain.Time(tt.Arrival),
		TargetCompletion: domain.Time(tt.TargetCompletion),
		Tier:             tier,
	}, nil
}
