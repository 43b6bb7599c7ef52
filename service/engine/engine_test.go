package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/safing/portguard/base/api"
	"github.com/safing/portguard/base/metrics"
	"github.com/safing/portguard/service/config"
	"github.com/safing/portguard/service/events"
	"github.com/safing/portguard/service/firewall/blocklist"
	"github.com/safing/portguard/service/mgr"
	"github.com/safing/portguard/service/network/packet"
)

var (
	attacker = netip.MustParseAddr("203.0.113.5")
	t0       = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
)

type chanSource struct {
	ch chan packet.Segment
}

func (s *chanSource) Name() string                     { return "test" }
func (s *chanSource) Segments() <-chan packet.Segment { return s.ch }

type testInstance struct {
	cfg     *config.Config
	events  *mgr.EventMgr[events.SecurityEvent]
	bl      *blocklist.Blocklist
	filter  *blocklist.Memory
	sources []packet.Source
	api     *api.API
	metrics *metrics.Registry
}

func (i *testInstance) Config() *config.Config                               { return i.cfg }
func (i *testInstance) SecurityEvents() *mgr.EventMgr[events.SecurityEvent] { return i.events }
func (i *testInstance) Blocklist() *blocklist.Blocklist                      { return i.bl }
func (i *testInstance) PacketSources() []packet.Source                       { return i.sources }
func (i *testInstance) API() *api.API                                        { return i.api }
func (i *testInstance) Metrics() *metrics.Registry                           { return i.metrics }

type testEnv struct {
	*testInstance
	engine *Engine
	sub    *mgr.EventSubscription[events.SecurityEvent]
	now    time.Time
}

func newTestEnv(t *testing.T, modify func(cfg *config.Config)) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Enforcement.DryRun = true
	if modify != nil {
		modify(cfg)
	}
	require.NoError(t, cfg.Validate())

	filter := blocklist.NewMemory()
	inst := &testInstance{
		cfg:     cfg,
		events:  mgr.NewEventMgr[events.SecurityEvent]("security event", nil),
		bl:      blocklist.NewWithBackend(filter, false),
		filter:  filter,
		api:     api.New(""),
		metrics: metrics.NewRegistry("portguard"),
	}
	env := &testEnv{
		testInstance: inst,
		sub:          inst.events.Subscribe("test", 10000),
		now:          t0,
	}

	e, err := New(inst)
	require.NoError(t, err)
	env.engine = e
	return env
}

// useFakeClock drives the engine and the filter from env.now.
func (env *testEnv) useFakeClock() {
	env.filter.SetClock(func() time.Time { return env.now })
	env.engine.SetClock(func() time.Time { return env.now })
}

// do runs fn as a worker of the engine.
func (env *testEnv) do(t *testing.T, fn func(w *mgr.WorkerCtx)) {
	t.Helper()

	require.NoError(t, env.engine.Manager().Do("test", func(w *mgr.WorkerCtx) error {
		fn(w)
		return nil
	}))
}

func (env *testEnv) drain() []events.SecurityEvent {
	var evts []events.SecurityEvent
	for {
		select {
		case evt := <-env.sub.Events():
			evts = append(evts, evt)
		default:
			return evts
		}
	}
}

func ofType(evts []events.SecurityEvent, eventType events.Type) []events.SecurityEvent {
	var matching []events.SecurityEvent
	for _, evt := range evts {
		if evt.Type == eventType {
			matching = append(matching, evt)
		}
	}
	return matching
}

func segment(src netip.Addr, port uint16, flags packet.TCPFlags, ts time.Time) packet.Segment {
	return packet.Segment{
		Src: src,
		Observation: packet.Observation{
			Timestamp: ts,
			DstPort:   port,
			Flags:     flags,
		},
	}
}

func TestRapidAndStealthScanGetBlocked(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.useFakeClock()

	env.do(t, func(w *mgr.WorkerCtx) {
		for i, port := range []uint16{22, 80, 443, 8080} {
			env.engine.HandleSegment(w, segment(attacker, port, packet.SYN, t0.Add(time.Duration(i)*750*time.Millisecond)))
		}
	})

	evts := env.drain()
	assert.NotEmpty(t, ofType(evts, events.RapidPortScan))
	assert.NotEmpty(t, ofType(evts, events.StealthScan))

	profile, ok := env.engine.Threats().Get(attacker)
	require.True(t, ok)
	assert.InDelta(t, 1.0, profile.Score, 0.0001)
	assert.False(t, profile.Blocked)

	// Crossing the threshold wakes up the control loop.
	assert.Len(t, env.engine.enforceNow, 1)

	env.now = t0.Add(3 * time.Second)
	env.do(t, func(w *mgr.WorkerCtx) {
		env.engine.ControlTick(w, env.now)
	})

	profile, _ = env.engine.Threats().Get(attacker)
	assert.True(t, profile.Blocked)
	assert.Nil(t, profile.AutoUnblock)
	assert.Equal(t, blocklist.KindPermanent, profile.Enforcement)

	record, ok := env.filter.Active(attacker)
	require.True(t, ok)
	assert.Equal(t, blocklist.KindPermanent, record.Kind)

	blocked := ofType(env.drain(), events.SourceBlocked)
	require.Len(t, blocked, 1)
	assert.Equal(t, attacker, blocked[0].Source)
}

func TestSYNFloodMidStream(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.useFakeClock()

	env.do(t, func(w *mgr.WorkerCtx) {
		for i := range 15 {
			env.engine.HandleSegment(w, segment(attacker, 80, packet.SYN, t0.Add(time.Duration(i)*250*time.Millisecond)))
		}
	})

	floods := ofType(env.drain(), events.SYNFlood)
	require.Len(t, floods, 5)
	assert.Contains(t, floods[0].Details, "11 SYNs")
	for _, evt := range floods {
		assert.Equal(t, uint8(6), evt.ThreatLevel.Severity)
		assert.Equal(t, events.DoSAttack, evt.ThreatLevel.Category)
		assert.Equal(t, events.ActionRateLimitingApplied, evt.Action)
	}
}

func TestSweepKeepsThreatProfiles(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.useFakeClock()

	env.do(t, func(w *mgr.WorkerCtx) {
		env.engine.HandleSegment(w, segment(attacker, 22, packet.FIN, t0))
	})
	_, ok := env.engine.ScanProfiles().Get(attacker)
	require.True(t, ok)

	env.now = t0.Add(6 * time.Minute)
	env.do(t, func(w *mgr.WorkerCtx) {
		env.engine.MaintenanceTick(w, env.now)
	})

	_, ok = env.engine.ScanProfiles().Get(attacker)
	assert.False(t, ok)
	_, ok = env.engine.Threats().Get(attacker)
	assert.True(t, ok)
}

func TestInternalSegmentsAreSkipped(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	env.do(t, func(w *mgr.WorkerCtx) {
		env.engine.HandleSegment(w, segment(netip.MustParseAddr("192.168.1.20"), 22, packet.SYN, t0))
	})

	assert.Empty(t, env.drain())
	assert.Equal(t, 0, env.engine.ScanProfiles().Len())
	assert.Equal(t, uint64(1), env.engine.metrics.skipped.CurrentValue())
}

func TestRecalibration(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.useFakeClock()
	ctx := context.Background()

	var sources []netip.Addr
	for i := range 101 {
		src := netip.AddrFrom4([4]byte{198, 51, byte(100 + i/200), byte(1 + i%200)})
		sources = append(sources, src)
		env.engine.Threats().RecordEvent(events.New(t0, src, events.StealthScan, events.ThreatLevel{
			Severity:   10,
			Confidence: 1,
			Category:   events.Reconnaissance,
		}, events.ActionMonitoringEnhanced, "test"))
		env.engine.Threats().RecordEvent(events.New(t0, src, events.StealthScan, events.ThreatLevel{
			Severity:   10,
			Confidence: 1,
			Category:   events.Reconnaissance,
		}, events.ActionMonitoringEnhanced, "test"))
	}
	n, err := env.engine.Coordinator().Enforce(ctx)
	require.NoError(t, err)
	require.Equal(t, 101, n)
	env.drain()

	env.do(t, func(w *mgr.WorkerCtx) { env.engine.Recalibrate(w) })
	assert.Equal(t, ElevatedSensitivity, env.engine.ScanProfiles().Sensitivity())
	changed := ofType(env.drain(), events.SensitivityChanged)
	require.Len(t, changed, 1)
	assert.Equal(t, "101", changed[0].Attrs["blocked_sources"])

	// Between the bounds the level is kept.
	for _, src := range sources[:51] {
		require.NoError(t, env.engine.Coordinator().Unblock(ctx, src))
	}
	env.do(t, func(w *mgr.WorkerCtx) { env.engine.Recalibrate(w) })
	assert.Equal(t, ElevatedSensitivity, env.engine.ScanProfiles().Sensitivity())
	assert.Empty(t, ofType(env.drain(), events.SensitivityChanged))

	for _, src := range sources[51:95] {
		require.NoError(t, env.engine.Coordinator().Unblock(ctx, src))
	}
	env.do(t, func(w *mgr.WorkerCtx) { env.engine.Recalibrate(w) })
	assert.Equal(t, config.DefaultSensitivity, env.engine.ScanProfiles().Sensitivity())
	assert.Len(t, ofType(env.drain(), events.SensitivityChanged), 1)
}

func TestRecalibrationRestoresConfiguredLevel(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Detection.Sensitivity = 3
	})
	env.useFakeClock()

	require.NoError(t, env.engine.ScanProfiles().SetSensitivity(ElevatedSensitivity))
	env.do(t, func(w *mgr.WorkerCtx) { env.engine.Recalibrate(w) })
	assert.Equal(t, 3, env.engine.ScanProfiles().Sensitivity())

	changed := ofType(env.drain(), events.SensitivityChanged)
	require.Len(t, changed, 1)
	assert.Equal(t, "0", changed[0].Attrs["blocked_sources"])
}

func TestLoops(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Engine.ControlInterval = 10 * time.Millisecond
		cfg.Engine.MaintenanceInterval = 50 * time.Millisecond
		cfg.Engine.PollTimeout = 5 * time.Millisecond
	})
	src := &chanSource{ch: make(chan packet.Segment, 16)}
	env.sources = []packet.Source{src}

	require.NoError(t, env.engine.Start())
	assert.True(t, env.engine.Running())
	require.Error(t, env.engine.Start())

	now := time.Now()
	for i, port := range []uint16{22, 23, 25, 80} {
		src.ch <- segment(attacker, port, packet.SYN, now.Add(time.Duration(i)*time.Millisecond))
	}

	assert.Eventually(t, func() bool {
		_, ok := env.filter.Active(attacker)
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, env.engine.Stop())
	assert.False(t, env.engine.Running())
	env.engine.Manager().Cancel()
	assert.True(t, env.engine.Manager().WaitForWorkers(time.Second))
}

func TestAPI(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.useFakeClock()
	handler := env.api.Handler()

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}
	unblock := func(src string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/v1/threats/%s/unblock", src), nil)
		req.RemoteAddr = "127.0.0.1:40000"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusNotFound, get("/api/v1/threats/203.0.113.5").Code)
	assert.Equal(t, http.StatusBadRequest, get("/api/v1/threats/not-an-ip").Code)
	assert.Equal(t, http.StatusNotFound, unblock("203.0.113.5").Code)

	env.do(t, func(w *mgr.WorkerCtx) {
		for i, port := range []uint16{22, 80, 443} {
			env.engine.HandleSegment(w, segment(attacker, port, packet.SYN, t0.Add(time.Duration(i)*time.Second)))
		}
		env.engine.ControlTick(w, t0.Add(3*time.Second))
	})

	rec := get("/api/v1/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Equal(t, int64(1), gjson.Get(body, "detection.monitored_sources").Int())
	assert.Equal(t, int64(1), gjson.Get(body, "intel.blocked_sources").Int())
	assert.Equal(t, int64(config.DefaultSensitivity), gjson.Get(body, "detection.sensitivity").Int())

	rec = get("/api/v1/threats/203.0.113.5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, gjson.Get(rec.Body.String(), "blocked").Bool())
	assert.InDelta(t, 1.0, gjson.Get(rec.Body.String(), "threat_score").Float(), 0.0001)

	rec = get("/api/v1/scans")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(3), gjson.Get(rec.Body.String(), "0.unique_ports.#").Int())

	rec = get("/api/v1/enforcements")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "203.0.113.5", gjson.Get(rec.Body.String(), "0.addr").String())

	rec = unblock("203.0.113.5")
	require.Equal(t, http.StatusOK, rec.Code)
	_, ok := env.filter.Active(attacker)
	assert.False(t, ok)

	rec = get("/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	out := rec.Body.String()
	assert.Contains(t, out, "portguard_engine_segments_total 3")
	assert.Contains(t, out, `portguard_events_total{type="SOURCE_BLOCKED"} 1`)
	assert.True(t, strings.Contains(out, "portguard_intel_blocked 0"))
}

func TestLockdownAPI(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.useFakeClock()
	handler := env.api.Handler()

	call := func(method, remoteAddr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, "/api/v1/lockdown", nil)
		req.RemoteAddr = remoteAddr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}
	const local = "127.0.0.1:40000"

	rec := call(http.MethodGet, "192.0.2.1:1234")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, gjson.Get(rec.Body.String(), "active").Bool())

	// Only local clients may change the lockdown.
	assert.Equal(t, http.StatusForbidden, call(http.MethodPost, "192.0.2.1:1234").Code)
	assert.False(t, env.filter.Lockdown())

	rec = call(http.MethodPost, local)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "lockdown enabled\n", rec.Body.String())
	assert.True(t, env.filter.Lockdown())
	assert.True(t, gjson.Get(call(http.MethodGet, local).Body.String(), "active").Bool())

	rec = call(http.MethodPost, local)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "lockdown already enabled\n", rec.Body.String())

	rec = call(http.MethodDelete, local)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "lockdown released\n", rec.Body.String())
	assert.False(t, env.filter.Lockdown())

	evts := env.drain()
	enabled := ofType(evts, events.LockdownEnabled)
	require.Len(t, enabled, 1)
	assert.Equal(t, uint8(8), enabled[0].ThreatLevel.Severity)
	assert.Equal(t, events.Operational, enabled[0].ThreatLevel.Category)
	assert.Len(t, ofType(evts, events.LockdownReleased), 1)

	// Filter failures are reported and leave the state unchanged.
	env.filter.FailNext(blocklist.ActionLockdown, fmt.Errorf("xtables lock held"))
	assert.Equal(t, http.StatusInternalServerError, call(http.MethodPost, local).Code)
	assert.False(t, env.filter.Lockdown())
}
