package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all conductor metrics instruments.
type Metrics struct {
	RequestDuration    metric.Float64Histogram
	TasksAssigned      metric.Int64Counter
	TasksCompleted     metric.Int64Counter
	TasksFailed        metric.Int64Counter
	TasksBlocked       metric.Int64Counter
	TriggersRaised     metric.Int64Counter
	SnapshotsPublished metric.Int64Counter
	ActiveProjects     metric.Int64UpDownCounter
	BackendFallbacks   metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("conductor.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksAssigned, err = meter.Int64Counter("conductor.tasks.assigned",
		metric.WithDescription("Tasks assigned to workers"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("conductor.tasks.completed",
		metric.WithDescription("Tasks completed"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("conductor.tasks.failed",
		metric.WithDescription("Task failures including retries"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksBlocked, err = meter.Int64Counter("conductor.tasks.blocked",
		metric.WithDescription("Tasks moved to blocked"),
	)
	if err != nil {
		return nil, err
	}

	m.TriggersRaised, err = meter.Int64Counter("conductor.triggers.raised",
		metric.WithDescription("Trigger events created"),
	)
	if err != nil {
		return nil, err
	}

	m.SnapshotsPublished, err = meter.Int64Counter("conductor.knowledge.snapshots",
		metric.WithDescription("Knowledge snapshots published"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveProjects, err = meter.Int64UpDownCounter("conductor.projects.active",
		metric.WithDescription("Projects currently in a non-terminal phase"),
	)
	if err != nil {
		return nil, err
	}

	m.BackendFallbacks, err = meter.Int64Counter("conductor.router.fallbacks",
		metric.WithDescription("Backend fallback hops during routing"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
