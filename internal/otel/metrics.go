package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all station metrics instruments.
type Metrics struct {
	RequestDuration   metric.Float64Histogram
	CycleDuration     metric.Float64Histogram
	LeaseExecDuration metric.Float64Histogram
	PulseDuration     metric.Float64Histogram
	ToolkitDuration   metric.Float64Histogram
	ToolCallErrors    metric.Int64Counter
	ActiveCycles      metric.Int64UpDownCounter
	SVFMessages       metric.Int64Counter
	GateDenies        metric.Int64Counter
	RateLimitRejects  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("calyx.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.CycleDuration, err = meter.Float64Histogram("calyx.cycle.duration",
		metric.WithDescription("Cycle processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.LeaseExecDuration, err = meter.Float64Histogram("calyx.lease.exec.duration",
		metric.WithDescription("Lease execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.PulseDuration, err = meter.Float64Histogram("calyx.pulse.duration",
		metric.WithDescription("Bridge pulse generation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolkitDuration, err = meter.Float64Histogram("calyx.toolkit.duration",
		metric.WithDescription("Toolkit module invocation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallErrors, err = meter.Int64Counter("calyx.tool.errors",
		metric.WithDescription("Tool server call error count"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveCycles, err = meter.Int64UpDownCounter("calyx.cycle.active",
		metric.WithDescription("Number of currently running cycles"),
	)
	if err != nil {
		return nil, err
	}

	m.SVFMessages, err = meter.Int64Counter("calyx.svf.messages",
		metric.WithDescription("Total SVF messages appended"),
	)
	if err != nil {
		return nil, err
	}

	m.GateDenies, err = meter.Int64Counter("calyx.gate.denies",
		metric.WithDescription("Gate checks refused"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("calyx.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
