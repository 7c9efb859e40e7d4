package sla

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/limiquantix/vmplacer/internal/config"
	"github.com/limiquantix/vmplacer/internal/domain"
)

func TestPolicy_Deadline(t *testing.T) {
	p := DefaultPolicy()
	tests := []struct {
		tier domain.SLATier
		want domain.Time
	}{
		{domain.SLA0, 100 + 1200},
		{domain.SLA1, 100 + 1500},
		{domain.SLA2, 100 + 2000},
		{domain.SLA3, 100 + 3000},
	}

	for _, tt := range tests {
		t.Run(tt.tier.String(), func(t *testing.T) {
			task := domain.Task{Arrival: 100, TargetCompletion: 1000, Tier: tt.tier}
			assert.Equal(t, tt.want, p.Deadline(task))
			assert.False(t, p.Violated(task, tt.want), "deadline itself is not a violation")
			assert.True(t, p.Violated(task, tt.want+1))

			task.Completed = true
			assert.False(t, p.Violated(task, tt.want+1), "completed tasks never violate")
		})
	}
}

func TestPolicy_InitialPriority(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, domain.PriorityHigh, p.InitialPriority(domain.SLA0))
	assert.Equal(t, domain.PriorityMid, p.InitialPriority(domain.SLA1))
	assert.Equal(t, domain.PriorityMid, p.InitialPriority(domain.SLA2))
	assert.Equal(t, domain.PriorityLow, p.InitialPriority(domain.SLA3))
}

func TestPolicy_EscalateNeverLowers(t *testing.T) {
	p := DefaultPolicy()
	priorities := []domain.Priority{domain.PriorityLow, domain.PriorityMid, domain.PriorityHigh}

	for tier := domain.SLA0; tier <= domain.SLA3; tier++ {
		for _, current := range priorities {
			next := p.Escalate(tier, current)
			assert.GreaterOrEqual(t, next, current, "tier %s from %s", tier, current)
			assert.GreaterOrEqual(t, next, p.EscalationPriority[tier])
		}
	}

	// SLA2 escalates to mid; a high task stays high.
	assert.Equal(t, domain.PriorityHigh, p.Escalate(domain.SLA2, domain.PriorityHigh))
	assert.Equal(t, domain.PriorityHigh, p.Escalate(domain.SLA3, domain.PriorityLow))
}

func TestPolicyFromConfig(t *testing.T) {
	p, err := PolicyFromConfig(config.Default().SLA)
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicy(), p)

	bad := config.Default().SLA
	bad.AdmissionPriority = []string{"high", "mid", "urgent", "low"}
	_, err = PolicyFromConfig(bad)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}
