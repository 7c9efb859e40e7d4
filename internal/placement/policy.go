// Package placement implements the task placement policy.
//
// The policy is a pure decision: given a task, the eligible VMs and the eligible
// machines, it returns which existing VM should run the task, which machine should host
// a new VM for it, or that no placement is possible. It never issues commands.
package placement

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/limiquantix/vmplacer/internal/catalog"
	"github.com/limiquantix/vmplacer/internal/config"
	"github.com/limiquantix/vmplacer/internal/domain"
	"github.com/limiquantix/vmplacer/internal/sla"
)

// DecisionKind classifies a placement decision.
type DecisionKind int

const (
	// DecisionNone means no VM and no machine qualifies.
	DecisionNone DecisionKind = iota
	// DecisionExisting assigns the task to an existing VM.
	DecisionExisting
	// DecisionNewVM creates a VM of the task's type on a machine.
	DecisionNewVM
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionExisting:
		return "existing"
	case DecisionNewVM:
		return "new_vm"
	default:
		return "none"
	}
}

// Decision is the outcome of a placement evaluation.
type Decision struct {
	Kind    DecisionKind
	VM      domain.VMID
	Machine domain.MachineID
	Score   float64
	Reason  string
}

// Config holds placement policy configuration.
type Config struct {
	Mode         config.PlacementMode
	MachineScore config.MachineScore
	MinSlackMB   uint64
}

// ConfigFrom converts the placement config section.
func ConfigFrom(c config.PlacementConfig) Config {
	return Config{Mode: c.Mode, MachineScore: c.MachineScore, MinSlackMB: c.MinSlackMB}
}

// Policy selects a VM or machine for a task.
type Policy struct {
	config Config
	sla    sla.Policy
	logger *zap.Logger
}

// New creates a new placement Policy.
func New(cfg Config, slaPolicy sla.Policy, logger *zap.Logger) *Policy {
	return &Policy{
		config: cfg,
		sla:    slaPolicy,
		logger: logger.With(zap.String("component", "placement")),
	}
}

// Mode returns the configured VM scoring mode.
func (p *Policy) Mode() config.PlacementMode {
	return p.config.Mode
}

// Decide chooses an existing VM, falling back to a machine for a new VM.
func (p *Policy) Decide(now domain.Time, task domain.Task, vms []catalog.Candidate, machines []domain.Machine) Decision {
	if c, score, ok := p.SelectVM(now, task, vms); ok {
		return Decision{
			Kind:    DecisionExisting,
			VM:      c.VM.ID,
			Machine: c.Machine.ID,
			Score:   score,
			Reason:  fmt.Sprintf("selected by %s", p.config.Mode),
		}
	}

	if m, score, ok := p.SelectMachine(task, machines); ok {
		return Decision{
			Kind:    DecisionNewVM,
			Machine: m.ID,
			Score:   score,
			Reason:  fmt.Sprintf("new vm on machine scored by %s", p.config.MachineScore),
		}
	}

	return Decision{
		Kind: DecisionNone,
		Reason: fmt.Sprintf("no vm among %d candidates and no machine among %d satisfies requirements",
			len(vms), len(machines)),
	}
}

// SelectVM applies the configured scoring mode to the eligible VMs. Ties go to the
// earliest candidate in catalog order.
func (p *Policy) SelectVM(now domain.Time, task domain.Task, vms []catalog.Candidate) (catalog.Candidate, float64, bool) {
	switch p.config.Mode {
	case config.PlacementFirstFit:
		if len(vms) == 0 {
			return catalog.Candidate{}, 0, false
		}
		return vms[0], 0, true

	case config.PlacementBestFit:
		return p.bestFit(task, vms)

	default:
		return p.earliestFinish(now, task, vms)
	}
}

// bestFit picks the candidate leaving the least memory after assignment while still
// clearing the minimum slack.
func (p *Policy) bestFit(task domain.Task, vms []catalog.Candidate) (catalog.Candidate, float64, bool) {
	var (
		best     catalog.Candidate
		bestLeft uint64
		found    bool
	)
	for _, c := range vms {
		free := c.Machine.FreeMemoryMB()
		if free < task.MemoryMB {
			continue
		}
		left := free - task.MemoryMB
		if left < p.config.MinSlackMB {
			p.logger.Debug("Candidate below minimum slack",
				zap.Uint32("vm_id", uint32(c.VM.ID)),
				zap.Uint64("remaining_mb", left),
				zap.Uint64("min_slack_mb", p.config.MinSlackMB),
			)
			continue
		}
		if !found || left < bestLeft {
			best, bestLeft, found = c, left, true
		}
	}
	return best, float64(bestLeft), found
}

// earliestFinish picks the feasible candidate with the smallest estimated finish time.
func (p *Policy) earliestFinish(now domain.Time, task domain.Task, vms []catalog.Candidate) (catalog.Candidate, float64, bool) {
	deadline := p.sla.Deadline(task)

	var (
		best       catalog.Candidate
		bestFinish float64
		found      bool
	)
	for _, c := range vms {
		finish, ok := EstimateFinish(now, task, c.Machine)
		if !ok {
			p.logger.Debug("Candidate has no spare throughput",
				zap.Uint32("vm_id", uint32(c.VM.ID)),
				zap.Uint32("machine_id", uint32(c.Machine.ID)),
			)
			continue
		}
		if finish > float64(deadline) {
			p.logger.Debug("Candidate misses deadline",
				zap.Uint32("vm_id", uint32(c.VM.ID)),
				zap.Float64("estimated_finish", finish),
				zap.Uint64("deadline", uint64(deadline)),
			)
			continue
		}
		if !found || finish < bestFinish {
			best, bestFinish, found = c, finish, true
		}
	}
	return best, bestFinish, found
}

// EstimateFinish returns now + instructions / available throughput of the host. It
// reports false when the host has no positive throughput left.
func EstimateFinish(now domain.Time, task domain.Task, host domain.Machine) (float64, bool) {
	throughput := host.AvailableThroughput()
	if throughput <= 0 {
		return 0, false
	}
	return float64(now) + float64(task.Instructions)/throughput, true
}

// SelectMachine chooses the machine for a new VM according to the machine score.
// Ties go to the earliest machine in catalog order.
func (p *Policy) SelectMachine(task domain.Task, machines []domain.Machine) (domain.Machine, float64, bool) {
	var (
		best      domain.Machine
		bestScore float64
		found     bool
	)
	for _, m := range machines {
		if m.CPU != task.CPU || (task.NeedsGPU && !m.HasGPU) || m.FreeMemoryMB() < task.MemoryMB || !m.IsActive() {
			continue
		}
		score := p.scoreMachine(m)
		if !found || score > bestScore {
			best, bestScore, found = m, score, true
		}
	}
	return best, bestScore, found
}

func (p *Policy) scoreMachine(m domain.Machine) float64 {
	switch p.config.MachineScore {
	case config.MachineScoreThroughput:
		return m.RatedThroughput() / float64(m.ActiveTasks+1)
	default:
		return float64(m.FreeMemoryMB())
	}
}
