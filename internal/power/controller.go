// Package power coordinates machine power and core performance states.
package power

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/limiquantix/vmplacer/internal/config"
	"github.com/limiquantix/vmplacer/internal/domain"
	"github.com/limiquantix/vmplacer/internal/substrate"
)

// Commander is the subset of substrate commands the controller issues.
type Commander interface {
	SetMachineState(ctx context.Context, machine domain.MachineID, state domain.PowerState) error
	SetCorePerformance(ctx context.Context, machine domain.MachineID, core uint32, state domain.CorePerformance) error
}

// Config holds power controller configuration.
type Config struct {
	SleepEnabled      bool
	SleepState        domain.PowerState
	MinActiveMachines int
}

// ConfigFrom converts the power config section.
func ConfigFrom(c config.PowerConfig) (Config, error) {
	cfg := Config{SleepEnabled: c.SleepEnabled, MinActiveMachines: c.MinActiveMachines}
	if !c.SleepEnabled {
		return cfg, nil
	}
	state, err := domain.ParsePowerState(c.SleepState)
	if err != nil {
		return cfg, fmt.Errorf("power.sleep_state: %w", err)
	}
	cfg.SleepState = state
	return cfg, nil
}

// Controller wakes machines on demand and, when enabled, puts drained machines to sleep.
// It tracks machines whose state change is outstanding so no second command is issued.
type Controller struct {
	config    Config
	fleet     substrate.Fleet
	commander Commander
	logger    *zap.Logger

	// pending maps a machine to the state it is transitioning to.
	pending map[domain.MachineID]domain.PowerState
}

// New creates a new power Controller.
func New(cfg Config, fleet substrate.Fleet, commander Commander, logger *zap.Logger) *Controller {
	return &Controller{
		config:    cfg,
		fleet:     fleet,
		commander: commander,
		logger:    logger.With(zap.String("component", "power")),
		pending:   make(map[domain.MachineID]domain.PowerState),
	}
}

// InTransition reports whether a state change is outstanding for the machine.
func (c *Controller) InTransition(machine domain.MachineID) bool {
	_, ok := c.pending[machine]
	return ok
}

// Transitions returns machines with an outstanding state change, in ID order.
func (c *Controller) Transitions() []domain.MachineID {
	out := make([]domain.MachineID, 0, len(c.pending))
	for id := range c.pending {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Wake issues a transition to S0 unless the machine is active or already transitioning.
// It reports whether a command was issued. The command's completion arrives later as a
// separate event.
func (c *Controller) Wake(ctx context.Context, machine domain.MachineID) (bool, error) {
	if c.InTransition(machine) {
		c.logger.Debug("Wake already outstanding", zap.Uint32("machine_id", uint32(machine)))
		return false, nil
	}

	m, err := c.fleet.Machine(machine)
	if err != nil {
		return false, fmt.Errorf("failed to read machine %d: %w", machine, err)
	}
	if m.IsActive() {
		return false, nil
	}

	if err := c.commander.SetMachineState(ctx, machine, domain.PowerS0); err != nil {
		return false, fmt.Errorf("failed to wake machine %d: %w", machine, err)
	}
	c.pending[machine] = domain.PowerS0

	c.logger.Info("Waking machine",
		zap.Uint32("machine_id", uint32(machine)),
		zap.String("from", m.PowerState.String()),
	)
	return true, nil
}

// StateChangeCompleted clears the outstanding transition for a machine and returns the
// state it was heading to. ok is false when no transition was tracked.
func (c *Controller) StateChangeCompleted(machine domain.MachineID) (state domain.PowerState, ok bool) {
	state, ok = c.pending[machine]
	delete(c.pending, machine)
	return state, ok
}

// RestorePerformance sets every core of the machine to P0.
func (c *Controller) RestorePerformance(ctx context.Context, machine domain.MachineID) error {
	m, err := c.fleet.Machine(machine)
	if err != nil {
		return fmt.Errorf("failed to read machine %d: %w", machine, err)
	}
	for core := uint32(0); core < m.Cores; core++ {
		if err := c.commander.SetCorePerformance(ctx, machine, core, domain.CoreP0); err != nil {
			return fmt.Errorf("failed to restore core %d on machine %d: %w", core, machine, err)
		}
	}
	return nil
}

// Busy reports whether a machine still holds engine work (bound tasks, migrations).
type Busy func(machine domain.MachineID) bool

// SleepIdle puts drained machines to sleep when sleeping is enabled. A machine qualifies
// when it is active with no tasks, not busy, not transitioning, and at least
// MinActiveMachines others stay awake. Machines are considered in catalog order.
func (c *Controller) SleepIdle(ctx context.Context, machines []domain.Machine, busy Busy) []domain.MachineID {
	if !c.config.SleepEnabled {
		return nil
	}

	awake := 0
	for _, m := range machines {
		if m.IsActive() && !c.InTransition(m.ID) {
			awake++
		}
	}

	var slept []domain.MachineID
	for _, m := range machines {
		if awake <= c.config.MinActiveMachines {
			break
		}
		if !m.IsActive() || m.ActiveTasks > 0 || c.InTransition(m.ID) || busy(m.ID) {
			continue
		}

		if err := c.commander.SetMachineState(ctx, m.ID, c.config.SleepState); err != nil {
			c.logger.Warn("Failed to put machine to sleep",
				zap.Uint32("machine_id", uint32(m.ID)),
				zap.Error(err),
			)
			continue
		}
		c.pending[m.ID] = c.config.SleepState
		awake--
		slept = append(slept, m.ID)

		c.logger.Info("Machine sent to sleep",
			zap.Uint32("machine_id", uint32(m.ID)),
			zap.String("state", c.config.SleepState.String()),
		)
	}
	return slept
}
