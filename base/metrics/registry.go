// Package metrics collects the metrics of the engine and exposes them in
// the prometheus format.
package metrics

import (
	"fmt"
	"io"
	"sort"
	"sync"

	vm "github.com/VictoriaMetrics/metrics"
)

// Registry holds a set of metrics.
type Registry struct {
	namespace string

	lock     sync.RWMutex
	registry []Metric
}

// NewRegistry returns a new registry. The namespace is prefixed to all
// metric names.
func NewRegistry(namespace string) *Registry {
	return &Registry{
		namespace: namespace,
	}
}

func (r *Registry) register(m Metric) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	for _, registeredMetric := range r.registry {
		if m.LabeledID() == registeredMetric.LabeledID() {
			return fmt.Errorf("%w: %s", ErrAlreadyRegistered, m.LabeledID())
		}
	}

	r.registry = append(r.registry, m)
	sort.Sort(byLabeledID(r.registry))
	return nil
}

// Metrics returns all registered metrics, ordered by their labeled ID.
func (r *Registry) Metrics() []Metric {
	r.lock.RLock()
	defer r.lock.RUnlock()

	return append([]Metric(nil), r.registry...)
}

// WritePrometheus writes all metrics in the prometheus format. Process
// metrics are included if requested.
func (r *Registry) WritePrometheus(w io.Writer, processMetrics bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	for _, m := range r.registry {
		m.WritePrometheus(w)
	}
	if processMetrics {
		vm.WriteProcessMetrics(w)
	}
}

type byLabeledID []Metric

func (r byLabeledID) Len() int           { return len(r) }
func (r byLabeledID) Less(i, j int) bool { return r[i].LabeledID() < r[j].LabeledID() }
func (r byLabeledID) Swap(i, j int)      { r[i], r[j] = r[j], r[i] }
