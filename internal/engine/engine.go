// Package engine owns all placement state and routes substrate events to the
// admission, SLA, migration and power components.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/uber-go/tally/v4"
	"go.uber.org/zap"

	"github.com/limiquantix/vmplacer/internal/admission"
	"github.com/limiquantix/vmplacer/internal/binding"
	"github.com/limiquantix/vmplacer/internal/catalog"
	"github.com/limiquantix/vmplacer/internal/config"
	"github.com/limiquantix/vmplacer/internal/domain"
	"github.com/limiquantix/vmplacer/internal/events"
	"github.com/limiquantix/vmplacer/internal/metrics"
	"github.com/limiquantix/vmplacer/internal/migration"
	"github.com/limiquantix/vmplacer/internal/placement"
	"github.com/limiquantix/vmplacer/internal/power"
	"github.com/limiquantix/vmplacer/internal/sla"
	"github.com/limiquantix/vmplacer/internal/substrate"
)

// LeaderChecker checks if this instance is the leader.
type LeaderChecker interface {
	IsLeader() bool
}

type handler func(ctx context.Context, ev Event, res *Result) error

// Snapshot is a read-only summary of engine state for status endpoints.
type Snapshot struct {
	Initialized      bool                  `json:"initialized"`
	ShutDown         bool                  `json:"shut_down"`
	LastEvent        EventKind             `json:"last_event"`
	LastEventTime    domain.Time           `json:"last_event_time"`
	EventsHandled    uint64                `json:"events_handled"`
	BoundTasks       int                   `json:"bound_tasks"`
	PendingTasks     []domain.TaskID       `json:"pending_tasks"`
	Migrations       []migration.Migration `json:"migrations"`
	WakingMachines   []domain.MachineID    `json:"waking_machines"`
	InvariantErrors  uint64                `json:"invariant_errors"`
	PlacementMode    config.PlacementMode  `json:"placement_mode"`
	AdmissionRetries bool                  `json:"admission_retries"`
}

// Engine is the placement and rebalancing controller. Dispatch must be called from one
// goroutine at a time; Snapshot may be called concurrently.
type Engine struct {
	cfg       *config.Config
	sub       substrate.Substrate
	commands  *recorder
	bindings  *binding.Table
	pending   *orderedmap.OrderedMap[domain.TaskID, domain.Time]
	slaPolicy sla.Policy

	catalog   *catalog.Catalog
	policy    *placement.Policy
	admission *admission.Controller
	monitor   *sla.Monitor
	migration *migration.Coordinator
	power     *power.Controller

	handlers      map[EventKind]handler
	metrics       *metrics.Metrics
	emitter       events.Emitter
	leaderChecker LeaderChecker
	reporter      substrate.Reporter
	logger        *zap.Logger

	initialized bool
	shutDown    bool
	handled     uint64
	invariants  uint64

	mu       sync.RWMutex
	snapshot Snapshot
}

// Option configures optional engine collaborators.
type Option func(*Engine)

// WithMetrics reports engine metrics to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithEmitter sends engine events to em.
func WithEmitter(em events.Emitter) Option {
	return func(e *Engine) { e.emitter = em }
}

// WithLeaderChecker gates SLA sweeps and proactive sleep on leadership.
func WithLeaderChecker(lc LeaderChecker) Option {
	return func(e *Engine) { e.leaderChecker = lc }
}

// WithReporter enables the end-of-run report at shutdown.
func WithReporter(r substrate.Reporter) Option {
	return func(e *Engine) { e.reporter = r }
}

// New wires an engine against a substrate.
func New(cfg *config.Config, sub substrate.Substrate, logger *zap.Logger, opts ...Option) (*Engine, error) {
	slaPolicy, err := sla.PolicyFromConfig(cfg.SLA)
	if err != nil {
		return nil, fmt.Errorf("invalid sla config: %w", err)
	}
	powerCfg, err := power.ConfigFrom(cfg.Power)
	if err != nil {
		return nil, fmt.Errorf("invalid power config: %w", err)
	}

	e := &Engine{
		cfg:       cfg,
		sub:       sub,
		commands:  &recorder{next: sub},
		bindings:  binding.NewTable(),
		pending:   orderedmap.NewOrderedMap[domain.TaskID, domain.Time](),
		slaPolicy: slaPolicy,
		metrics:   metrics.New(tally.NoopScope),
		emitter:   events.Discard{},
		logger:    logger.With(zap.String("component", "engine")),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.power = power.New(powerCfg, sub, e.commands, logger)
	e.migration = migration.New(sub, sub, e.bindings, e.power, e.commands, e.power, logger)
	e.catalog = catalog.New(sub, e.migration, e.power, logger)
	e.policy = placement.New(placement.ConfigFrom(cfg.Placement), slaPolicy, logger)
	e.monitor = sla.NewMonitor(slaPolicy, sub, e.commands, e.bindings, e.migration, logger)
	e.admission = admission.New(sub, e.catalog, e.policy, slaPolicy, e.commands, e.bindings, e.monitor, e.power, logger)

	e.handlers = map[EventKind]handler{
		EventInitialize:                  e.handleInitialize,
		EventTaskArrived:                 e.handleTaskArrived,
		EventTaskCompleted:               e.handleTaskCompleted,
		EventMigrationCompleted:          e.handleMigrationCompleted,
		EventPeriodicTick:                e.handlePeriodicTick,
		EventMemoryWarning:               e.handleMemoryWarning,
		EventSLAWarning:                  e.handleSLAWarning,
		EventMachineStateChangeCompleted: e.handleStateChangeCompleted,
		EventShutdown:                    e.handleShutdown,
	}
	e.publish(Event{})
	return e, nil
}

// Dispatch routes one event to its handler and returns the commands it caused.
// Errors wrapping domain.ErrInvariant indicate an engine bug and should abort the run.
func (e *Engine) Dispatch(ctx context.Context, ev Event) (Result, error) {
	res := Result{Event: ev}
	h, ok := e.handlers[ev.Kind]
	if !ok {
		return res, fmt.Errorf("%w: unknown event kind %q", domain.ErrInvalidArgument, ev.Kind)
	}
	if err := e.checkLifecycle(ev); err != nil {
		e.invariantViolated(ev, err)
		return res, err
	}

	sw := e.metrics.DispatchLatency.Start()
	defer sw.Stop()
	e.metrics.Events.Counter(string(ev.Kind)).Inc(1)

	err := h(ctx, ev, &res)
	res.Commands = e.commands.take()
	e.handled++
	e.countCommands(res.Commands)

	if errors.Is(err, domain.ErrInvariant) {
		e.invariantViolated(ev, err)
	}

	e.metrics.BoundTasks.Update(float64(e.bindings.Len()))
	e.metrics.PendingAdmissions.Update(float64(e.pending.Len()))
	e.metrics.MigrationsInFlight.Update(float64(len(e.migration.InFlight())))
	e.metrics.MachinesWaking.Update(float64(len(e.power.Transitions())))
	e.publish(ev)

	return res, err
}

// Initialize places one VM on every machine.
func (e *Engine) Initialize(ctx context.Context, now domain.Time) (Result, error) {
	return e.Dispatch(ctx, Event{Kind: EventInitialize, Time: now})
}

// TaskArrived admits a new task.
func (e *Engine) TaskArrived(ctx context.Context, now domain.Time, task domain.TaskID) (Result, error) {
	return e.Dispatch(ctx, Event{Kind: EventTaskArrived, Time: now, Task: task})
}

// TaskCompleted releases a finished task's binding.
func (e *Engine) TaskCompleted(ctx context.Context, now domain.Time, task domain.TaskID) (Result, error) {
	return e.Dispatch(ctx, Event{Kind: EventTaskCompleted, Time: now, Task: task})
}

// MigrationCompleted closes a VM's outstanding migration.
func (e *Engine) MigrationCompleted(ctx context.Context, now domain.Time, vm domain.VMID) (Result, error) {
	return e.Dispatch(ctx, Event{Kind: EventMigrationCompleted, Time: now, VM: vm})
}

// PeriodicTick runs the SLA sweep and retries pending admissions.
func (e *Engine) PeriodicTick(ctx context.Context, now domain.Time) (Result, error) {
	return e.Dispatch(ctx, Event{Kind: EventPeriodicTick, Time: now})
}

// MemoryWarning reacts to memory pressure on a machine.
func (e *Engine) MemoryWarning(ctx context.Context, now domain.Time, machine domain.MachineID) (Result, error) {
	return e.Dispatch(ctx, Event{Kind: EventMemoryWarning, Time: now, Machine: machine})
}

// SLAWarning reacts to a task at risk of missing its deadline.
func (e *Engine) SLAWarning(ctx context.Context, now domain.Time, task domain.TaskID) (Result, error) {
	return e.Dispatch(ctx, Event{Kind: EventSLAWarning, Time: now, Task: task})
}

// MachineStateChangeCompleted records that a machine finished a power transition.
func (e *Engine) MachineStateChangeCompleted(ctx context.Context, now domain.Time, machine domain.MachineID) (Result, error) {
	return e.Dispatch(ctx, Event{Kind: EventMachineStateChangeCompleted, Time: now, Machine: machine})
}

// Shutdown stops every VM and reports end-of-run statistics.
func (e *Engine) Shutdown(ctx context.Context, now domain.Time) (Result, error) {
	return e.Dispatch(ctx, Event{Kind: EventShutdown, Time: now})
}

// Snapshot returns the state published after the last dispatched event.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshot
}

// Binding returns the VM a task is bound to.
func (e *Engine) Binding(task domain.TaskID) (domain.VMID, bool) {
	return e.bindings.Lookup(task)
}

func (e *Engine) publish(ev Event) {
	s := Snapshot{
		Initialized:      e.initialized,
		ShutDown:         e.shutDown,
		LastEvent:        ev.Kind,
		LastEventTime:    ev.Time,
		EventsHandled:    e.handled,
		BoundTasks:       e.bindings.Len(),
		PendingTasks:     e.pending.Keys(),
		WakingMachines:   e.power.Transitions(),
		InvariantErrors:  e.invariants,
		PlacementMode:    e.policy.Mode(),
		Migrations:       e.migration.InFlight(),
		AdmissionRetries: e.retrying(),
	}

	e.mu.Lock()
	e.snapshot = s
	e.mu.Unlock()
}

func (e *Engine) checkLifecycle(ev Event) error {
	switch {
	case e.shutDown:
		return fmt.Errorf("%w: %s event after shutdown", domain.ErrInvariant, ev.Kind)
	case ev.Kind == EventInitialize && e.initialized:
		return fmt.Errorf("%w: initialize delivered twice", domain.ErrInvariant)
	case ev.Kind != EventInitialize && !e.initialized:
		return fmt.Errorf("%w: %s event before initialize", domain.ErrInvariant, ev.Kind)
	}
	return nil
}

func (e *Engine) invariantViolated(ev Event, err error) {
	e.invariants++
	e.metrics.InvariantErrors.Inc(1)
	e.logger.Error("Invariant violated",
		zap.String("event", string(ev.Kind)),
		zap.Uint64("time", uint64(ev.Time)),
		zap.Error(err),
	)
	e.publish(ev)
}

func (e *Engine) countCommands(cmds []Command) {
	for _, c := range cmds {
		switch c.Op {
		case OpSetMachineState:
			if c.Err != nil {
				continue
			}
			if c.State.Active() {
				e.metrics.Wakes.Inc(1)
			} else {
				e.metrics.Sleeps.Inc(1)
			}
		case OpMigrateVM:
			if c.Err != nil {
				e.metrics.MigrationsRejected.Inc(1)
			}
		}
	}
}

func (e *Engine) retrying() bool {
	return e.cfg.Admission.OnFailure == config.FailureRetry
}

func (e *Engine) isLeader() bool {
	return e.leaderChecker == nil || e.leaderChecker.IsLeader()
}
