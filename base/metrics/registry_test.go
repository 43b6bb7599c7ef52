package metrics

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := NewRegistry("portguard")

	blocked, err := r.NewCounter("enforcement/actions_total", map[string]string{"kind": "permanent"})
	require.NoError(t, err)
	assert.Equal(t, `portguard_enforcement_actions_total{kind="permanent"}`, blocked.LabeledID())
	blocked.Inc()
	blocked.Inc()
	assert.Equal(t, uint64(2), blocked.CurrentValue())

	_, err = r.NewCounter("enforcement/actions_total", map[string]string{"kind": "permanent"})
	require.ErrorIs(t, err, ErrAlreadyRegistered)

	_, err = r.NewCounter("invalid-name", nil)
	require.Error(t, err)

	var fetched uint64 = 7
	_, err = r.NewFetchingCounter("segments/dropped_total", nil, func() uint64 { return fetched })
	require.NoError(t, err)

	_, err = r.NewGauge("threat/sources", nil, func() float64 { return 3 })
	require.NoError(t, err)

	var buf bytes.Buffer
	r.WritePrometheus(&buf, false)
	out := buf.String()
	assert.Contains(t, out, `portguard_enforcement_actions_total{kind="permanent"} 2`)
	assert.Contains(t, out, "portguard_segments_dropped_total 7")
	assert.Contains(t, out, "portguard_threat_sources 3")

	metrics := r.Metrics()
	require.Len(t, metrics, 3)
	assert.Equal(t, "portguard_enforcement_actions_total{kind=\"permanent\"}", metrics[0].LabeledID())
}
