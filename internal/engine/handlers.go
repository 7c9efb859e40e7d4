package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/limiquantix/vmplacer/internal/admission"
	"github.com/limiquantix/vmplacer/internal/domain"
	"github.com/limiquantix/vmplacer/internal/events"
	"github.com/limiquantix/vmplacer/internal/sla"
)

// =============================================================================
// Lifecycle
// =============================================================================

func (e *Engine) handleInitialize(ctx context.Context, ev Event, res *Result) error {
	e.initialized = true

	n := e.sub.MachineCount()
	for i := 0; i < n; i++ {
		id := domain.MachineID(i)
		m, err := e.sub.Machine(id)
		if err != nil {
			return fmt.Errorf("failed to read machine %d: %w", id, err)
		}

		vmType := domain.DefaultVMTypeFor(m.CPU)
		vm, err := e.commands.CreateVM(ctx, vmType, m.CPU)
		if err != nil {
			e.logger.Warn("Failed to create initial VM",
				zap.Uint32("machine_id", uint32(id)),
				zap.Error(err),
			)
			continue
		}
		if err := e.commands.AttachVM(ctx, vm, id); err != nil {
			e.logger.Warn("Failed to attach initial VM",
				zap.Uint32("machine_id", uint32(id)),
				zap.Uint32("vm_id", uint32(vm)),
				zap.Error(err),
			)
		}
	}

	e.logger.Info("Engine initialized",
		zap.Int("machines", n),
		zap.String("placement_mode", string(e.policy.Mode())),
		zap.String("on_failure", string(e.cfg.Admission.OnFailure)),
		zap.Bool("sleep_enabled", e.cfg.Power.SleepEnabled),
	)
	return nil
}

func (e *Engine) handleShutdown(ctx context.Context, ev Event, res *Result) error {
	for _, vm := range e.sub.VMs() {
		if err := e.commands.ShutdownVM(ctx, vm); err != nil {
			e.logger.Warn("Failed to shut down VM", zap.Uint32("vm_id", uint32(vm)), zap.Error(err))
		}
	}
	e.shutDown = true

	if len(e.migration.InFlight()) > 0 || e.bindings.Len() > 0 {
		e.logger.Warn("Shutdown with outstanding work",
			zap.Int("bound_tasks", e.bindings.Len()),
			zap.Int("migrations", len(e.migration.InFlight())),
			zap.Int("pending", e.pending.Len()),
		)
	}

	fields := []zap.Field{zap.Uint64("time", uint64(ev.Time))}
	if e.reporter != nil {
		for tier := domain.SLA0; tier <= domain.SLA3; tier++ {
			fields = append(fields, zap.Float64(tier.String()+"_violation_pct", e.reporter.SLAViolationPercent(tier)))
		}
		fields = append(fields, zap.Float64("energy_kwh", e.reporter.ClusterEnergyKWh()))
	}
	e.logger.Info("Engine shut down", fields...)
	e.emitter.Emit(events.New(events.KindShutdown, ev.Time))
	return nil
}

// =============================================================================
// Tasks
// =============================================================================

func (e *Engine) handleTaskArrived(ctx context.Context, ev Event, res *Result) error {
	out, err := e.admission.Admit(ctx, ev.Time, ev.Task)
	if err != nil {
		return err
	}
	res.Admissions = append(res.Admissions, out)
	e.recordAdmission(ev.Time, out)

	if out.Placed() || !e.retrying() {
		return nil
	}
	if max := e.cfg.Admission.MaxPending; max > 0 && e.pending.Len() >= max {
		e.logger.Warn("Retry queue full, task not queued",
			zap.Uint32("task_id", uint32(ev.Task)),
			zap.Int("max_pending", max),
		)
		return nil
	}
	e.pending.Set(ev.Task, ev.Time)
	return nil
}

func (e *Engine) handleTaskCompleted(ctx context.Context, ev Event, res *Result) error {
	e.monitor.Forget(ev.Task)
	if e.pending.Delete(ev.Task) {
		e.logger.Warn("Pending task completed without placement", zap.Uint32("task_id", uint32(ev.Task)))
		return nil
	}

	vm, err := e.bindings.Unbind(ev.Task)
	if err != nil {
		return err
	}
	e.metrics.TasksCompleted.Inc(1)
	e.emitter.Emit(events.New(events.KindTaskCompleted, ev.Time).Task(ev.Task).VM(vm))

	e.logger.Debug("Task completed",
		zap.Uint32("task_id", uint32(ev.Task)),
		zap.Uint32("vm_id", uint32(vm)),
	)
	return e.retryPending(ctx, ev.Time, res)
}

// retryPending re-attempts admission of queued tasks in arrival order.
func (e *Engine) retryPending(ctx context.Context, now domain.Time, res *Result) error {
	if e.pending.Len() == 0 {
		return nil
	}

	for _, id := range e.pending.Keys() {
		task, err := e.sub.Task(id)
		if err != nil || task.Completed {
			e.logger.Debug("Dropping pending task", zap.Uint32("task_id", uint32(id)), zap.Error(err))
			e.pending.Delete(id)
			e.monitor.Forget(id)
			continue
		}

		out, err := e.admission.Admit(ctx, now, id)
		if err != nil {
			return err
		}
		res.Admissions = append(res.Admissions, out)
		if !out.Placed() {
			continue
		}

		e.pending.Delete(id)
		e.metrics.AdmissionRetried.Inc(1)
		e.recordAdmission(now, out)
	}
	return nil
}

func (e *Engine) recordAdmission(now domain.Time, out admission.Outcome) {
	for _, m := range out.Woken {
		e.emitter.Emit(events.New(events.KindMachineWaking, now).Machine(m).Task(out.Task))
	}

	switch out.Status {
	case admission.StatusPlaced:
		e.metrics.AdmissionPlaced.Inc(1)
	case admission.StatusPlacedNewVM:
		e.metrics.AdmissionPlacedNewVM.Inc(1)
	default:
		e.metrics.AdmissionFailed.Inc(1)
		e.emitter.Emit(events.New(events.KindAdmissionFailed, now).
			Task(out.Task).
			With("reason", out.Reason).
			With("retryable", out.Retryable))
		return
	}

	e.emitter.Emit(events.New(events.KindTaskAdmitted, now).
		Task(out.Task).
		VM(out.VM).
		Machine(out.Machine).
		With("status", out.Status.String()).
		With("priority", out.Priority.String()))
}

// =============================================================================
// SLA
// =============================================================================

func (e *Engine) handleSLAWarning(ctx context.Context, ev Event, res *Result) error {
	report, err := e.monitor.Warning(ctx, ev.Time, ev.Task)
	res.SLA = report
	e.recordSLA(ev.Time, report)
	return err
}

func (e *Engine) handlePeriodicTick(ctx context.Context, ev Event, res *Result) error {
	if e.isLeader() {
		if e.cfg.SLA.SweepEnabled {
			report, err := e.monitor.Sweep(ctx, ev.Time)
			res.SLA = report
			e.recordSLA(ev.Time, report)
			if err != nil {
				return err
			}
		}
	} else {
		e.logger.Debug("Not leader, skipping SLA sweep")
	}

	if err := e.retryPending(ctx, ev.Time, res); err != nil {
		return err
	}

	if e.cfg.Power.SleepEnabled && e.isLeader() {
		machines, err := e.catalog.Machines()
		if err != nil {
			return err
		}
		res.Slept = e.power.SleepIdle(ctx, machines, e.busy)
		for _, m := range res.Slept {
			e.emitter.Emit(events.New(events.KindMachineSleeping, ev.Time).Machine(m))
		}
	}
	return nil
}

// busy reports whether a machine hosts a bound task or takes part in a migration.
func (e *Engine) busy(machine domain.MachineID) bool {
	if e.migration.Involves(machine) {
		return true
	}
	for _, task := range e.bindings.Tasks() {
		vmID, _ := e.bindings.Lookup(task)
		vm, err := e.sub.VM(vmID)
		if err != nil {
			continue
		}
		if vm.HostedOn(machine) {
			return true
		}
	}
	return false
}

func (e *Engine) recordSLA(now domain.Time, report sla.Report) {
	for _, id := range report.Violations {
		tier := domain.SLA0
		if t, err := e.sub.Task(id); err == nil {
			tier = t.Tier
		}
		if tier.Valid() {
			e.metrics.SLAViolations[tier].Inc(1)
		}
		e.emitter.Emit(events.New(events.KindSLAViolation, now).Task(id).With("tier", tier.String()))
	}
	for _, esc := range report.Escalations {
		e.metrics.Escalations.Inc(1)
		e.emitter.Emit(events.New(events.KindPriorityEscalated, now).
			Task(esc.Task).
			With("from", esc.From.String()).
			With("to", esc.To.String()))
	}
	for _, mig := range report.Migrations {
		e.metrics.MigrationsStarted.Inc(1)
		e.emitter.Emit(events.New(events.KindMigrationStarted, now).
			VM(mig.VM).
			Machine(mig.Target).
			With("source", uint32(mig.Source)).
			With("cause", "sla"))
	}
}

// =============================================================================
// Migration and power
// =============================================================================

func (e *Engine) handleMigrationCompleted(ctx context.Context, ev Event, res *Result) error {
	mig, err := e.migration.Complete(ctx, ev.VM)
	if err != nil {
		return err
	}
	res.Completed = append(res.Completed, mig)
	e.metrics.MigrationsCompleted.Inc(1)
	e.emitter.Emit(events.New(events.KindMigrationCompleted, ev.Time).
		VM(mig.VM).
		Machine(mig.Target).
		With("source", uint32(mig.Source)))

	return e.retryPending(ctx, ev.Time, res)
}

func (e *Engine) handleMemoryWarning(ctx context.Context, ev Event, res *Result) error {
	e.metrics.MemoryWarnings.Inc(1)
	e.emitter.Emit(events.New(events.KindMemoryWarning, ev.Time).Machine(ev.Machine))

	logger := e.logger.With(zap.Uint32("machine_id", uint32(ev.Machine)))
	logger.Warn("Memory warning")

	if !e.cfg.Migration.OnMemoryWarning {
		return nil
	}
	mig, started, err := e.migration.EvacuateMachine(ctx, ev.Machine)
	if err != nil {
		if errors.Is(err, domain.ErrInvariant) {
			return err
		}
		logger.Warn("Memory relief migration failed", zap.Error(err))
		return nil
	}
	if !started {
		return nil
	}

	res.Evacuations = append(res.Evacuations, mig)
	e.metrics.MigrationsStarted.Inc(1)
	e.emitter.Emit(events.New(events.KindMigrationStarted, ev.Time).
		VM(mig.VM).
		Machine(mig.Target).
		With("source", uint32(mig.Source)).
		With("cause", "memory"))
	return nil
}

func (e *Engine) handleStateChangeCompleted(ctx context.Context, ev Event, res *Result) error {
	state, ok := e.power.StateChangeCompleted(ev.Machine)
	if !ok {
		m, err := e.sub.Machine(ev.Machine)
		if err != nil {
			return fmt.Errorf("failed to read machine %d: %w", ev.Machine, err)
		}
		state = m.PowerState
		e.logger.Debug("State change completed for a machine with no requested transition",
			zap.Uint32("machine_id", uint32(ev.Machine)),
			zap.String("state", state.String()),
		)
	}
	e.emitter.Emit(events.New(events.KindMachineStateChanged, ev.Time).
		Machine(ev.Machine).
		With("state", state.String()))

	return e.retryPending(ctx, ev.Time, res)
}
