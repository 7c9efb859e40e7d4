package domain

import (
	"fmt"
	"strings"
)

// Time is a simulator timestamp in microseconds. The engine never reads a wall clock
// for deadline math; every Time comes from a delivered event.
type Time uint64

// TaskID identifies a unit of work.
type TaskID uint32

// SLATier is one of four service-level classes, strictest first.
type SLATier int

const (
	SLA0 SLATier = iota
	SLA1
	SLA2
	SLA3
)

// NumSLATiers is the number of SLA tiers.
const NumSLATiers = 4

func (t SLATier) String() string {
	return fmt.Sprintf("SLA%d", int(t))
}

// Valid reports whether the tier is one of SLA0..SLA3.
func (t SLATier) Valid() bool {
	return t >= SLA0 && t <= SLA3
}

// ParseSLATier converts "SLA2" or "2" into an SLATier.
func ParseSLATier(s string) (SLATier, error) {
	s = strings.TrimPrefix(strings.ToUpper(s), "SLA")
	for t := SLA0; t <= SLA3; t++ {
		if s == fmt.Sprint(int(t)) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown sla tier %q", ErrInvalidArgument, s)
}

// Priority is a task's scheduling priority on its VM. Higher values run first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMid
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityMid:
		return "MID"
	case PriorityHigh:
		return "HIGH"
	}
	return fmt.Sprintf("Priority(%d)", int(p))
}

// ParsePriority converts "high", "mid" or "low" into a Priority.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToUpper(s) {
	case "LOW":
		return PriorityLow, nil
	case "MID", "MEDIUM":
		return PriorityMid, nil
	case "HIGH":
		return PriorityHigh, nil
	}
	return 0, fmt.Errorf("%w: unknown priority %q", ErrInvalidArgument, s)
}

// MaxPriority returns the higher of two priorities.
func MaxPriority(a, b Priority) Priority {
	if a > b {
		return a
	}
	return b
}

// Task is a point-in-time view of a task as reported by the substrate.
type Task struct {
	ID               TaskID
	VMType           VMType
	CPU              CPUArch
	NeedsGPU         bool
	MemoryMB         uint64
	Instructions     uint64
	Arrival          Time
	TargetCompletion Time
	Tier             SLATier
	Priority         Priority
	Completed        bool
}
