package enforcement

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safing/portguard/service/events"
	"github.com/safing/portguard/service/firewall/blocklist"
	"github.com/safing/portguard/service/intel/threat"
)

var (
	attacker = netip.MustParseAddr("203.0.113.5")
	t0       = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
)

type recorder struct {
	lock   sync.Mutex
	events []events.SecurityEvent
}

func (r *recorder) Emit(evt events.SecurityEvent) {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.events = append(r.events, evt)
}

func (r *recorder) types() []events.Type {
	r.lock.Lock()
	defer r.lock.Unlock()

	types := make([]events.Type, 0, len(r.events))
	for _, evt := range r.events {
		types = append(types, evt.Type)
	}
	return types
}

type testEnv struct {
	store  *threat.Store
	filter *blocklist.Memory
	sink   *recorder
	coord  *Coordinator
	now    time.Time
}

func newTestEnv(threshold float32) *testEnv {
	env := &testEnv{
		store: threat.NewStore(threat.Settings{
			BlockThreshold: threshold,
			DecayIdle:      time.Hour,
			DecayRate:      0.95,
		}),
		filter: blocklist.NewMemory(),
		sink:   &recorder{},
		now:    t0,
	}
	env.filter.SetClock(func() time.Time { return env.now })
	env.coord = NewCoordinator(env.store, env.filter, env.sink, Settings{
		TemporaryBlock:       6 * time.Hour,
		RateLimitConnections: 10,
		RateLimitWindow:      5 * time.Minute,
		RehabilitationFactor: 12 * time.Hour,
		MaxParallelCommands:  4,
	})
	env.coord.SetClock(func() time.Time { return env.now })
	return env
}

func (env *testEnv) record(src netip.Addr, severity uint8, confidence float32) threat.Profile {
	p, _ := env.store.RecordEvent(events.New(env.now, src, events.StealthScan, events.ThreatLevel{
		Severity:   severity,
		Confidence: confidence,
		Category:   events.Reconnaissance,
	}, events.ActionMonitoringEnhanced, "test"))
	return p
}

func TestChooseKind(t *testing.T) {
	t.Parallel()

	c := newTestEnv(0.8).coord
	assert.Equal(t, blocklist.Permanent{}, c.ChooseKind(0.95))
	assert.Equal(t, blocklist.Temporary{Duration: 6 * time.Hour}, c.ChooseKind(0.9))
	assert.Equal(t, blocklist.Temporary{Duration: 6 * time.Hour}, c.ChooseKind(0.75))
	assert.Equal(t, blocklist.RateLimited{Limit: 10, Window: 5 * time.Minute}, c.ChooseKind(0.7))
	assert.Equal(t, blocklist.RateLimited{Limit: 10, Window: 5 * time.Minute}, c.ChooseKind(0.3))

	assert.Nil(t, c.AutoUnblockTime(blocklist.Permanent{}, 0.95, t0))
	at := c.AutoUnblockTime(blocklist.Temporary{Duration: 6 * time.Hour}, 0.75, t0)
	require.NotNil(t, at)
	assert.Equal(t, t0.Add(9*time.Hour), *at)
}

func TestPermanentBlock(t *testing.T) {
	t.Parallel()

	env := newTestEnv(0.8)
	ctx := context.Background()

	env.record(attacker, 9, 0.95)
	p := env.record(attacker, 5, 0.76)
	require.InDelta(t, 0.95, p.Score, 1e-5)

	n, err := env.coord.Enforce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, []blocklist.Command{
		{Action: blocklist.ActionBlock, Addr: attacker, Kind: blocklist.Permanent{}},
	}, env.filter.Commands())
	p, _ = env.store.Get(attacker)
	assert.True(t, p.Blocked)
	assert.Nil(t, p.AutoUnblock)
	assert.Equal(t, []events.Type{events.SourceBlocked}, env.sink.types())

	// Permanent blocks are not rehabilitated.
	env.now = t0.Add(30 * 24 * time.Hour)
	n, err = env.coord.Rehabilitate(ctx, env.now)
	require.NoError(t, err)
	assert.Zero(t, n)
	p, _ = env.store.Get(attacker)
	assert.True(t, p.Blocked)
}

func TestTemporaryBlockAndRehabilitation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(0.7)
	ctx := context.Background()

	env.record(attacker, 7, 1)
	p := env.record(attacker, 5, 1)
	require.InDelta(t, 0.75, p.Score, 1e-6)

	n, err := env.coord.Enforce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	p, _ = env.store.Get(attacker)
	require.True(t, p.Blocked)
	require.NotNil(t, p.AutoUnblock)
	assert.Equal(t, t0.Add(9*time.Hour), *p.AutoUnblock)
	rec, ok := env.filter.Active(attacker)
	require.True(t, ok)
	assert.Equal(t, blocklist.Temporary{Duration: 6 * time.Hour}, rec.EnforcementKind())

	env.now = t0.Add(8 * time.Hour)
	n, err = env.coord.Rehabilitate(ctx, env.now)
	require.NoError(t, err)
	assert.Zero(t, n)

	env.now = t0.Add(9 * time.Hour)
	n, err = env.coord.Rehabilitate(ctx, env.now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	p, _ = env.store.Get(attacker)
	assert.False(t, p.Blocked)
	assert.Nil(t, p.AutoUnblock)
	commands := env.filter.Commands()
	require.Len(t, commands, 2)
	assert.Equal(t, blocklist.Command{Action: blocklist.ActionUnblock, Addr: attacker}, commands[1])
	assert.Equal(t, []events.Type{events.SourceBlocked, events.SourceUnblocked}, env.sink.types())
}

func TestRateLimit(t *testing.T) {
	t.Parallel()

	env := newTestEnv(0.5)
	env.record(attacker, 7, 1)
	env.record(attacker, 2, 1) // 0.6

	n, err := env.coord.Enforce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, []blocklist.Command{
		{Action: blocklist.ActionRateLimit, Addr: attacker, Kind: blocklist.RateLimited{Limit: 10, Window: 5 * time.Minute}},
	}, env.filter.Commands())
	p, _ := env.store.Get(attacker)
	require.NotNil(t, p.AutoUnblock)
	assert.Equal(t, t0.Add(7*time.Hour+12*time.Minute), p.AutoUnblock.Round(time.Second))
	assert.Equal(t, []events.Type{events.SourceRateLimited}, env.sink.types())
}

func TestSingleTrigger(t *testing.T) {
	t.Parallel()

	env := newTestEnv(0.8)
	ctx := context.Background()

	env.record(attacker, 10, 1)
	env.record(attacker, 10, 1)
	_, err := env.coord.Enforce(ctx)
	require.NoError(t, err)

	for range 10 {
		env.now = env.now.Add(time.Minute)
		env.record(attacker, 10, 1)
		n, err := env.coord.Enforce(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	}
	assert.Len(t, env.filter.Commands(), 1)
}

func TestBlockFailure(t *testing.T) {
	t.Parallel()

	env := newTestEnv(0.8)
	ctx := context.Background()
	errRejected := errors.New("iptables: resource temporarily unavailable")

	env.record(attacker, 10, 1)
	env.record(attacker, 10, 1)
	env.filter.FailNext(blocklist.ActionBlock, errRejected)

	n, err := env.coord.Enforce(ctx)
	require.ErrorIs(t, err, blocklist.ErrFilterCommandFailed)
	require.ErrorIs(t, err, errRejected)
	assert.Zero(t, n)

	p, _ := env.store.Get(attacker)
	assert.False(t, p.Blocked, "blocked must only be set after the filter confirmed")
	require.Len(t, env.sink.events, 1)
	failed := env.sink.events[0]
	assert.Equal(t, events.FilterCommandFailed, failed.Type)
	assert.Equal(t, attacker, failed.Source)
	assert.Equal(t, blocklist.ActionBlock, failed.Attrs["action"])

	// The next pass retries.
	n, err = env.coord.Enforce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	p, _ = env.store.Get(attacker)
	assert.True(t, p.Blocked)
}

func TestUnblockFailure(t *testing.T) {
	t.Parallel()

	env := newTestEnv(0.7)
	ctx := context.Background()

	env.record(attacker, 7, 1)
	env.record(attacker, 5, 1)
	_, err := env.coord.Enforce(ctx)
	require.NoError(t, err)

	env.now = t0.Add(9 * time.Hour)
	env.filter.FailNext(blocklist.ActionUnblock, errors.New("rejected"))
	_, err = env.coord.Rehabilitate(ctx, env.now)
	require.ErrorIs(t, err, blocklist.ErrFilterCommandFailed)
	p, _ := env.store.Get(attacker)
	assert.True(t, p.Blocked)

	n, err := env.coord.Rehabilitate(ctx, env.now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRenewExpiredTemporaryBlock(t *testing.T) {
	t.Parallel()

	env := newTestEnv(0.7)
	ctx := context.Background()

	env.record(attacker, 7, 1)
	env.record(attacker, 5, 1)
	_, err := env.coord.Enforce(ctx)
	require.NoError(t, err)

	// The filter rule is still live within its own duration.
	env.now = t0.Add(5 * time.Hour)
	n, err := env.coord.Reconcile(ctx, env.now)
	require.NoError(t, err)
	assert.Zero(t, n)

	// The filter rule expires after 6h, three hours before rehabilitation.
	env.now = t0.Add(6 * time.Hour)
	_, active := env.filter.Active(attacker)
	require.False(t, active)

	n, err = env.coord.Reconcile(ctx, env.now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, active := env.filter.Active(attacker)
	require.True(t, active)
	assert.Equal(t, blocklist.Temporary{Duration: 3 * time.Hour}, rec.EnforcementKind())
	assert.Equal(t, t0.Add(9*time.Hour), rec.Expires)
	p, _ := env.store.Get(attacker)
	assert.True(t, p.Blocked)
	assert.Equal(t, blocklist.Temporary{Duration: 6 * time.Hour}, p.EnforcementKind())
	assert.Equal(t, []events.Type{events.SourceBlocked, events.BlockRenewed}, env.sink.types())

	// Rehabilitation lifts the renewed block.
	env.now = t0.Add(9 * time.Hour)
	n, err = env.coord.Rehabilitate(ctx, env.now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	p, _ = env.store.Get(attacker)
	assert.False(t, p.Blocked)
}

func TestReinstallLostPermanentBlock(t *testing.T) {
	t.Parallel()

	env := newTestEnv(0.8)
	ctx := context.Background()

	env.record(attacker, 10, 1)
	env.record(attacker, 10, 1)
	_, err := env.coord.Enforce(ctx)
	require.NoError(t, err)

	// Rules were flushed outside of the engine.
	require.NoError(t, env.filter.Teardown(ctx))

	n, err := env.coord.Reconcile(ctx, env.now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	rec, ok := env.filter.Active(attacker)
	require.True(t, ok)
	assert.Equal(t, blocklist.Permanent{}, rec.EnforcementKind())
}

func TestManualUnblock(t *testing.T) {
	t.Parallel()

	env := newTestEnv(0.8)
	ctx := context.Background()

	require.ErrorIs(t, env.coord.Unblock(ctx, attacker), ErrNotBlocked)

	env.record(attacker, 10, 1)
	env.record(attacker, 10, 1)
	_, err := env.coord.Enforce(ctx)
	require.NoError(t, err)

	require.NoError(t, env.coord.Unblock(ctx, attacker))
	p, _ := env.store.Get(attacker)
	assert.False(t, p.Blocked)
	_, ok := env.filter.Active(attacker)
	assert.False(t, ok)

	require.ErrorIs(t, env.coord.Unblock(ctx, attacker), ErrNotBlocked)
}

func TestEnforceMany(t *testing.T) {
	t.Parallel()

	env := newTestEnv(0.8)
	for i := range 50 {
		src := netip.AddrFrom4([4]byte{198, 51, 100, byte(i + 1)})
		env.record(src, 10, 1)
		env.record(src, 10, 1)
	}

	n, err := env.coord.Enforce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 50, n)
	assert.Equal(t, 50, env.store.BlockedCount())
	assert.Len(t, env.filter.Records(), 50)
}
