// Package metrics defines the controller's tally metrics.
package metrics

import (
	"io"
	"net/http"
	"time"

	"github.com/uber-go/tally/v4"
	promreporter "github.com/uber-go/tally/v4/prometheus"

	"github.com/limiquantix/vmplacer/internal/domain"
)

// Metrics contains every metric the engine reports.
type Metrics struct {
	Events tally.Scope

	AdmissionPlaced      tally.Counter
	AdmissionPlacedNewVM tally.Counter
	AdmissionFailed      tally.Counter
	AdmissionRetried     tally.Counter
	PendingAdmissions    tally.Gauge

	BoundTasks     tally.Gauge
	TasksCompleted tally.Counter

	SLAViolations [domain.NumSLATiers]tally.Counter
	Escalations   tally.Counter

	MigrationsStarted   tally.Counter
	MigrationsRejected  tally.Counter
	MigrationsCompleted tally.Counter
	MigrationsInFlight  tally.Gauge

	Wakes           tally.Counter
	Sleeps          tally.Counter
	MachinesWaking  tally.Gauge
	MemoryWarnings  tally.Counter
	InvariantErrors tally.Counter

	DispatchLatency tally.Timer
}

// New returns a Metrics struct with every metric rooted below scope.
func New(scope tally.Scope) *Metrics {
	admission := scope.SubScope("admission")
	success := admission.Tagged(map[string]string{"result": "success"})
	fail := admission.Tagged(map[string]string{"result": "fail"})

	sla := scope.SubScope("sla")
	migration := scope.SubScope("migration")
	power := scope.SubScope("power")

	m := &Metrics{
		Events: scope.SubScope("events"),

		AdmissionPlaced:      success.Counter("placed"),
		AdmissionPlacedNewVM: success.Counter("placed_new_vm"),
		AdmissionFailed:      fail.Counter("failed"),
		AdmissionRetried:     admission.Counter("retried"),
		PendingAdmissions:    admission.Gauge("pending"),

		BoundTasks:     scope.Gauge("bound_tasks"),
		TasksCompleted: scope.Counter("tasks_completed"),

		Escalations: sla.Counter("escalations"),

		MigrationsStarted:   migration.Counter("started"),
		MigrationsRejected:  migration.Counter("rejected"),
		MigrationsCompleted: migration.Counter("completed"),
		MigrationsInFlight:  migration.Gauge("in_flight"),

		Wakes:           power.Counter("wakes"),
		Sleeps:          power.Counter("sleeps"),
		MachinesWaking:  power.Gauge("transitions"),
		MemoryWarnings:  scope.Counter("memory_warnings"),
		InvariantErrors: scope.Counter("invariant_errors"),

		DispatchLatency: scope.Timer("dispatch_latency"),
	}
	for tier := domain.SLA0; tier <= domain.SLA3; tier++ {
		m.SLAViolations[tier] = sla.Tagged(map[string]string{"tier": tier.String()}).Counter("violations")
	}
	return m
}

// NewPrometheusScope creates a root scope reporting through a prometheus reporter and
// returns the HTTP handler that serves it.
func NewPrometheusScope(prefix string, interval time.Duration) (tally.Scope, io.Closer, http.Handler) {
	reporter := promreporter.NewReporter(promreporter.Options{})
	scope, closer := tally.NewRootScope(tally.ScopeOptions{
		Prefix:         prefix,
		Tags:           map[string]string{},
		CachedReporter: reporter,
		Separator:      promreporter.DefaultSeparator,
	}, interval)
	return scope, closer, reporter.HTTPHandler()
}
