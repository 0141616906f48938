package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the service's metric instruments.
type Metrics struct {
	RequestDuration metric.Float64Histogram
	StoreOpDuration metric.Float64Histogram
	StoreErrors     metric.Int64Counter
	StoreHealthy    metric.Int64Gauge
	LLMCallDuration metric.Float64Histogram
	ToolCalls       metric.Int64Counter
	PushDeliveries  metric.Int64Counter
	PushFailures    metric.Int64Counter
	AuthRejects     metric.Int64Counter
	RateLimitReject metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("currency_agent.request.duration",
		metric.WithDescription("JSON-RPC request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.StoreOpDuration, err = meter.Float64Histogram("currency_agent.store.op.duration",
		metric.WithDescription("Store operation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.StoreErrors, err = meter.Int64Counter("currency_agent.store.errors",
		metric.WithDescription("Store operations that failed against the database"),
	)
	if err != nil {
		return nil, err
	}

	m.StoreHealthy, err = meter.Int64Gauge("currency_agent.store.healthy",
		metric.WithDescription("1 when the last database probe succeeded"),
	)
	if err != nil {
		return nil, err
	}

	m.LLMCallDuration, err = meter.Float64Histogram("currency_agent.llm.duration",
		metric.WithDescription("LLM call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCalls, err = meter.Int64Counter("currency_agent.tool.calls",
		metric.WithDescription("Exchange rate tool invocations"),
	)
	if err != nil {
		return nil, err
	}

	m.PushDeliveries, err = meter.Int64Counter("currency_agent.push.deliveries",
		metric.WithDescription("Push notifications delivered"),
	)
	if err != nil {
		return nil, err
	}

	m.PushFailures, err = meter.Int64Counter("currency_agent.push.failures",
		metric.WithDescription("Push notifications abandoned after retries"),
	)
	if err != nil {
		return nil, err
	}

	m.AuthRejects, err = meter.Int64Counter("currency_agent.auth.rejects",
		metric.WithDescription("Requests rejected by basic auth"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitReject, err = meter.Int64Counter("currency_agent.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
