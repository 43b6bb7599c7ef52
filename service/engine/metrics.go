package engine

import (
	"sync"

	"github.com/safing/portguard/base/metrics"
	"github.com/safing/portguard/service/events"
)

type engineMetrics struct {
	reg *metrics.Registry

	segments *metrics.Counter
	skipped  *metrics.Counter

	eventsLock sync.Mutex
	events     map[events.Type]*metrics.Counter
}

func newEngineMetrics(reg *metrics.Registry, e *Engine) (*engineMetrics, error) {
	m := &engineMetrics{
		reg:    reg,
		events: make(map[events.Type]*metrics.Counter),
	}

	var err error
	m.segments, err = reg.NewCounter("engine/segments/total", nil)
	if err != nil {
		return nil, err
	}
	m.skipped, err = reg.NewCounter("engine/segments/skipped/total", nil)
	if err != nil {
		return nil, err
	}

	gauges := []struct {
		id string
		fn func() float64
	}{
		{"detection/profiles", func() float64 { return float64(e.scans.Len()) }},
		{"detection/sensitivity", func() float64 { return float64(e.scans.Sensitivity()) }},
		{"intel/sources", func() float64 { return float64(e.threats.Len()) }},
		{"intel/blocked", func() float64 { return float64(e.threats.BlockedCount()) }},
	}
	for _, g := range gauges {
		if _, err := reg.NewGauge(g.id, nil, g.fn); err != nil {
			return nil, err
		}
	}

	_, err = reg.NewFetchingCounter("events/dropped/total", nil, func() uint64 {
		return e.instance.SecurityEvents().Dropped()
	})
	if err != nil {
		return nil, err
	}

	return m, nil
}

// countEvent counts an emitted event by type. Counters are created on first use.
func (m *engineMetrics) countEvent(t events.Type) {
	m.eventsLock.Lock()
	defer m.eventsLock.Unlock()

	c, ok := m.events[t]
	if !ok {
		var err error
		c, err = m.reg.NewCounter("events/total", map[string]string{"type": string(t)})
		if err != nil {
			return
		}
		m.events[t] = c
	}
	c.Inc()
}
