package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/limiquantix/vmplacer/internal/config"
	"github.com/limiquantix/vmplacer/internal/domain"
	"github.com/limiquantix/vmplacer/internal/engine"
	"github.com/limiquantix/vmplacer/internal/substrate/memory"
)

// Summary counts what a replay did.
type Summary struct {
	Events       int         `json:"events"`
	Arrivals     int         `json:"arrivals"`
	Placed       int         `json:"placed"`
	Completions  int         `json:"completions"`
	Migrations   int         `json:"migrations"`
	StateChanges int         `json:"state_changes"`
	Ticks        int         `json:"ticks"`
	End          domain.Time `json:"end"`
}

// Driver feeds trace events and substrate completions to an engine in time order.
type Driver struct {
	engine *engine.Engine
	sub    *memory.Substrate
	trace  *Trace
	tick   domain.Time
	logger *zap.Logger

	queue   queue
	now     domain.Time
	summary Summary
}

// New creates a driver. The substrate must already hold the trace's fleet.
func New(eng *engine.Engine, sub *memory.Substrate, trace *Trace, cfg config.SimulationConfig, logger *zap.Logger) *Driver {
	return &Driver{
		engine: eng,
		sub:    sub,
		trace:  trace,
		tick:   Micros(cfg.TickInterval),
		logger: logger.With(zap.String("component", "driver")),
	}
}

// Micros converts a duration to simulator time.
func Micros(d time.Duration) domain.Time {
	if d <= 0 {
		return 0
	}
	return domain.Time(d / time.Microsecond)
}

// SubstrateOptions builds memory substrate options from the simulation config.
func SubstrateOptions(cfg *config.Config) memory.Options {
	opts := memory.DefaultOptions()
	opts.VMMemoryOverheadMB = cfg.Simulation.VMMemoryOverheadMB
	opts.MigrationLatency = Micros(cfg.Simulation.MigrationLatency)
	opts.StateChangeLatency = Micros(cfg.Simulation.StateChangeLatency)
	for i := range opts.SLAMultipliers {
		if i < len(cfg.SLA.Multipliers) {
			opts.SLAMultipliers[i] = cfg.SLA.Multipliers[i]
		}
	}
	return opts
}

// Run initializes the engine, replays the trace until no work remains and shuts the
// engine down. It stops at the first invariant violation.
func (d *Driver) Run(ctx context.Context) (Summary, error) {
	if err := d.dispatch(d.engine.Initialize(ctx, 0)); err != nil {
		return d.summary, err
	}
	d.collectFollowups()

	for _, tt := range d.trace.Tasks {
		task, err := tt.task()
		if err != nil {
			return d.summary, err
		}
		d.queue.push(item{at: task.Arrival, kind: itemArrival, task: task})
	}
	for _, w := range d.trace.SLAWarnings {
		d.queue.push(item{at: domain.Time(w.Time), kind: itemSLAWarning, task: domain.Task{ID: domain.TaskID(w.Task)}})
	}
	for _, w := range d.trace.MemoryWarnings {
		d.queue.push(item{at: domain.Time(w.Time), kind: itemMemoryWarning, machine: domain.MachineID(w.Machine)})
	}
	if d.tick > 0 {
		d.queue.push(item{at: d.tick, kind: itemTick})
	}

	d.logger.Info("Replaying trace",
		zap.Int("machines", d.sub.MachineCount()),
		zap.Int("tasks", len(d.trace.Tasks)),
		zap.Uint64("tick_us", uint64(d.tick)),
	)

	for d.queue.work() {
		if err := ctx.Err(); err != nil {
			return d.summary, err
		}
		it := d.queue.pop()
		if d.trace.End > 0 && uint64(it.at) > d.trace.End {
			d.logger.Warn("Trace end reached with work outstanding", zap.Int("scheduled", d.queue.items.Len()+1))
			break
		}
		d.now = it.at
		d.sub.Advance(it.at)

		if err := d.step(ctx, it); err != nil {
			return d.summary, err
		}
		d.collectFollowups()
	}

	if err := d.dispatch(d.engine.Shutdown(ctx, d.now)); err != nil {
		return d.summary, err
	}
	d.summary.End = d.now

	d.logger.Info("Replay finished",
		zap.Int("events", d.summary.Events),
		zap.Int("placed", d.summary.Placed),
		zap.Int("completions", d.summary.Completions),
		zap.Int("migrations", d.summary.Migrations),
		zap.Uint64("end", uint64(d.now)),
	)
	return d.summary, nil
}

func (d *Driver) step(ctx context.Context, it item) error {
	switch it.kind {
	case itemArrival:
		d.sub.SubmitTask(it.task)
		d.summary.Arrivals++
		return d.dispatch(d.engine.TaskArrived(ctx, it.at, it.task.ID))

	case itemTaskDone:
		if err := d.sub.CompleteTask(it.task.ID); err != nil {
			d.logger.Warn("Failed to complete task", zap.Uint32("task_id", uint32(it.task.ID)), zap.Error(err))
			return nil
		}
		d.summary.Completions++
		return d.dispatch(d.engine.TaskCompleted(ctx, it.at, it.task.ID))

	case itemMigrationDone:
		if err := d.sub.CompleteMigration(it.vm); err != nil {
			d.logger.Warn("Failed to complete migration", zap.Uint32("vm_id", uint32(it.vm)), zap.Error(err))
			return nil
		}
		return d.dispatch(d.engine.MigrationCompleted(ctx, it.at, it.vm))

	case itemStateChangeDone:
		if err := d.sub.CompleteStateChange(it.machine); err != nil {
			d.logger.Warn("Failed to complete state change", zap.Uint32("machine_id", uint32(it.machine)), zap.Error(err))
			return nil
		}
		d.summary.StateChanges++
		return d.dispatch(d.engine.MachineStateChangeCompleted(ctx, it.at, it.machine))

	case itemSLAWarning:
		task, err := d.sub.Task(it.task.ID)
		if err != nil || task.Completed {
			return nil
		}
		return d.dispatch(d.engine.SLAWarning(ctx, it.at, it.task.ID))

	case itemMemoryWarning:
		return d.dispatch(d.engine.MemoryWarning(ctx, it.at, it.machine))

	case itemTick:
		d.summary.Ticks++
		if err := d.dispatch(d.engine.PeriodicTick(ctx, it.at)); err != nil {
			return err
		}
		d.queue.push(item{at: it.at + d.tick, kind: itemTick})
		return nil
	}
	return fmt.Errorf("%w: unknown queue item %d", domain.ErrInvalidArgument, it.kind)
}

// dispatch accounts for a handled event. Only invariant violations stop the replay.
func (d *Driver) dispatch(res engine.Result, err error) error {
	d.summary.Events++
	for _, out := range res.Admissions {
		if out.Placed() {
			d.summary.Placed++
		}
	}
	d.summary.Migrations += len(res.SLA.Migrations) + len(res.Evacuations)

	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrInvariant) {
		return fmt.Errorf("replay aborted at t=%d: %w", res.Event.Time, err)
	}
	d.logger.Warn("Event handling failed",
		zap.String("event", string(res.Event.Kind)),
		zap.Uint64("time", uint64(res.Event.Time)),
		zap.Error(err),
	)
	return nil
}

func (d *Driver) collectFollowups() {
	for _, f := range d.sub.DrainFollowups() {
		it := item{at: f.At, vm: f.VM, machine: f.Machine, task: domain.Task{ID: f.Task}}
		switch f.Kind {
		case memory.FollowupTaskDone:
			it.kind = itemTaskDone
		case memory.FollowupMigrationDone:
			it.kind = itemMigrationDone
		case memory.FollowupStateChangeDone:
			it.kind = itemStateChangeDone
		default:
			continue
		}
		if it.at < d.now {
			it.at = d.now
		}
		d.queue.push(it)
	}
}
