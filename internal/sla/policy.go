// Package sla computes task deadlines and priorities, and watches bound tasks for
// deadline violations.
package sla

import (
	"fmt"

	"github.com/limiquantix/vmplacer/internal/config"
	"github.com/limiquantix/vmplacer/internal/domain"
)

// Policy holds the tier-indexed tables that drive deadline math and priority.
type Policy struct {
	Multipliers        [domain.NumSLATiers]float64
	AdmissionPriority  [domain.NumSLATiers]domain.Priority
	EscalationPriority [domain.NumSLATiers]domain.Priority
}

// DefaultPolicy returns the standard tables: multipliers 1.2/1.5/2.0/3.0, admission
// high/mid/mid/low and escalation high/high/mid/high.
func DefaultPolicy() Policy {
	return Policy{
		Multipliers:        [domain.NumSLATiers]float64{1.2, 1.5, 2.0, 3.0},
		AdmissionPriority:  [domain.NumSLATiers]domain.Priority{domain.PriorityHigh, domain.PriorityMid, domain.PriorityMid, domain.PriorityLow},
		EscalationPriority: [domain.NumSLATiers]domain.Priority{domain.PriorityHigh, domain.PriorityHigh, domain.PriorityMid, domain.PriorityHigh},
	}
}

// PolicyFromConfig builds a Policy from the sla config section.
func PolicyFromConfig(cfg config.SLAConfig) (Policy, error) {
	var p Policy
	if len(cfg.Multipliers) != domain.NumSLATiers {
		return p, fmt.Errorf("%w: need %d sla multipliers, got %d", domain.ErrInvalidArgument, domain.NumSLATiers, len(cfg.Multipliers))
	}
	if len(cfg.AdmissionPriority) != domain.NumSLATiers || len(cfg.EscalationPriority) != domain.NumSLATiers {
		return p, fmt.Errorf("%w: priority tables need %d entries", domain.ErrInvalidArgument, domain.NumSLATiers)
	}

	for i := 0; i < domain.NumSLATiers; i++ {
		p.Multipliers[i] = cfg.Multipliers[i]

		admit, err := domain.ParsePriority(cfg.AdmissionPriority[i])
		if err != nil {
			return p, fmt.Errorf("admission priority for SLA%d: %w", i, err)
		}
		escalate, err := domain.ParsePriority(cfg.EscalationPriority[i])
		if err != nil {
			return p, fmt.Errorf("escalation priority for SLA%d: %w", i, err)
		}
		p.AdmissionPriority[i] = admit
		p.EscalationPriority[i] = escalate
	}
	return p, nil
}

// Multiplier returns the deadline tolerance for a tier. Unknown tiers get the loosest.
func (p Policy) Multiplier(tier domain.SLATier) float64 {
	if !tier.Valid() {
		return p.Multipliers[domain.SLA3]
	}
	return p.Multipliers[tier]
}

// Deadline returns arrival + target × multiplier(tier).
func (p Policy) Deadline(t domain.Task) domain.Time {
	return t.Arrival + domain.Time(float64(t.TargetCompletion)*p.Multiplier(t.Tier))
}

// Violated reports whether an uncompleted task has passed its deadline at now.
func (p Policy) Violated(t domain.Task, now domain.Time) bool {
	return !t.Completed && now > p.Deadline(t)
}

// InitialPriority returns the admission priority for a tier.
func (p Policy) InitialPriority(tier domain.SLATier) domain.Priority {
	if !tier.Valid() {
		return domain.PriorityLow
	}
	return p.AdmissionPriority[tier]
}

// Escalate returns the priority a task should run at after escalation. It never
// returns a priority lower than current.
func (p Policy) Escalate(tier domain.SLATier, current domain.Priority) domain.Priority {
	if !tier.Valid() {
		return current
	}
	return domain.MaxPriority(current, p.EscalationPriority[tier])
}
