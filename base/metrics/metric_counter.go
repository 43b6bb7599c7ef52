package metrics

import (
	vm "github.com/VictoriaMetrics/metrics"
)

// Counter is a counter metric.
type Counter struct {
	*metricBase
	*vm.Counter
}

// NewCounter registers a new counter metric.
func (r *Registry) NewCounter(id string, labels map[string]string) (*Counter, error) {
	base, err := r.newMetricBase(id, labels)
	if err != nil {
		return nil, err
	}

	m := &Counter{
		metricBase: base,
	}
	m.Counter = m.set.NewCounter(m.LabeledID())

	if err := r.register(m); err != nil {
		return nil, err
	}
	return m, nil
}

// CurrentValue returns the current counter value.
func (c *Counter) CurrentValue() uint64 {
	return c.Get()
}
