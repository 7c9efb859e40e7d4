// Package catalog answers compatibility and capacity queries against the substrate fleet.
package catalog

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/limiquantix/vmplacer/internal/domain"
	"github.com/limiquantix/vmplacer/internal/substrate"
)

// MigrationView reports which VMs have an outstanding migration.
type MigrationView interface {
	IsMigrating(vm domain.VMID) bool
}

// TransitionView reports which machines have an outstanding power state change.
type TransitionView interface {
	InTransition(machine domain.MachineID) bool
}

// Candidate is an eligible VM together with the snapshot of its host.
type Candidate struct {
	VM      domain.VirtualMachine
	Machine domain.Machine
}

// Catalog is a read-only query layer over the fleet. It never issues commands.
type Catalog struct {
	fleet       substrate.Fleet
	migrations  MigrationView
	transitions TransitionView
	logger      *zap.Logger
}

// New creates a new Catalog.
func New(fleet substrate.Fleet, migrations MigrationView, transitions TransitionView, logger *zap.Logger) *Catalog {
	return &Catalog{
		fleet:       fleet,
		migrations:  migrations,
		transitions: transitions,
		logger:      logger.With(zap.String("component", "catalog")),
	}
}

// Snapshot returns every machine of the fleet in enumeration order.
func Snapshot(fleet substrate.Fleet) ([]domain.Machine, error) {
	n := fleet.MachineCount()
	out := make([]domain.Machine, 0, n)
	for i := 0; i < n; i++ {
		m, err := fleet.Machine(domain.MachineID(i))
		if err != nil {
			return nil, fmt.Errorf("failed to read machine %d: %w", i, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// Machines returns a snapshot of every machine in enumeration order.
func (c *Catalog) Machines() ([]domain.Machine, error) {
	return Snapshot(c.fleet)
}

// VMs returns a snapshot of every attached VM ordered by host machine, then creation order.
func (c *Catalog) VMs() ([]domain.VirtualMachine, error) {
	ids := c.fleet.VMs()
	out := make([]domain.VirtualMachine, 0, len(ids))
	for _, id := range ids {
		vm, err := c.fleet.VM(id)
		if err != nil {
			return nil, fmt.Errorf("failed to read vm %d: %w", id, err)
		}
		if !vm.Attached {
			continue
		}
		out = append(out, vm)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].MachineID < out[j].MachineID
	})
	return out, nil
}

// EligibleVMs returns the VMs that can run the task right now, in catalog order.
//
// Machines that would host an eligible VM but are powered down are returned as dormant
// so the caller can wake them. They are never part of the candidates.
func (c *Catalog) EligibleVMs(task domain.Task) (candidates []Candidate, dormant []domain.MachineID, err error) {
	machines, err := c.Machines()
	if err != nil {
		return nil, nil, err
	}
	vms, err := c.VMs()
	if err != nil {
		return nil, nil, err
	}

	seenDormant := make(map[domain.MachineID]bool)
	for _, vm := range vms {
		if vm.Type != task.VMType || vm.CPU != task.CPU {
			continue
		}
		if int(vm.MachineID) >= len(machines) {
			continue
		}
		host := machines[vm.MachineID]

		if c.migrations.IsMigrating(vm.ID) {
			c.logger.Debug("VM excluded, migration in flight",
				zap.Uint32("task_id", uint32(task.ID)),
				zap.Uint32("vm_id", uint32(vm.ID)),
			)
			continue
		}

		switch c.machineFit(task, host) {
		case fitOK:
			candidates = append(candidates, Candidate{VM: vm, Machine: host})
		case fitDormant:
			if !seenDormant[host.ID] {
				seenDormant[host.ID] = true
				dormant = append(dormant, host.ID)
			}
		}
	}
	return candidates, dormant, nil
}

// EligibleMachines returns the machines on which a new VM for the task could be created,
// in catalog order. VM type is ignored since the new VM gets the task's type.
func (c *Catalog) EligibleMachines(task domain.Task) (eligible []domain.Machine, dormant []domain.MachineID, err error) {
	machines, err := c.Machines()
	if err != nil {
		return nil, nil, err
	}

	for _, m := range machines {
		switch c.machineFit(task, m) {
		case fitOK:
			eligible = append(eligible, m)
		case fitDormant:
			dormant = append(dormant, m.ID)
		}
	}
	return eligible, dormant, nil
}

type fit int

const (
	fitNo fit = iota
	fitOK
	fitDormant
)

// machineFit applies the hard host constraints for a task.
func (c *Catalog) machineFit(task domain.Task, m domain.Machine) fit {
	if m.CPU != task.CPU {
		return fitNo
	}
	if task.NeedsGPU && !m.HasGPU {
		return fitNo
	}
	if m.FreeMemoryMB() < task.MemoryMB {
		c.logger.Debug("Insufficient memory",
			zap.Uint32("machine_id", uint32(m.ID)),
			zap.Uint64("free_mb", m.FreeMemoryMB()),
			zap.Uint64("requested_mb", task.MemoryMB),
		)
		return fitNo
	}
	if c.transitions.InTransition(m.ID) {
		return fitNo
	}
	if !m.IsActive() {
		return fitDormant
	}
	return fitOK
}
