package metrics

import (
	"fmt"

	vm "github.com/VictoriaMetrics/metrics"
)

// Gauge is a gauge metric.
type Gauge struct {
	*metricBase
	*vm.Gauge
}

// NewGauge registers a new gauge metric that reads its value from fn.
func (r *Registry) NewGauge(id string, labels map[string]string, fn func() float64) (*Gauge, error) {
	if fn == nil {
		return nil, fmt.Errorf("%w: no value function provided", ErrInvalidOptions)
	}

	base, err := r.newMetricBase(id, labels)
	if err != nil {
		return nil, err
	}

	m := &Gauge{
		metricBase: base,
	}
	m.Gauge = m.set.NewGauge(m.LabeledID(), fn)

	if err := r.register(m); err != nil {
		return nil, err
	}
	return m, nil
}

// CurrentValue returns the current gauge value.
func (g *Gauge) CurrentValue() float64 {
	return g.Get()
}
