package enforcement

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/safing/portguard/service/config"
	"github.com/safing/portguard/service/events"
	"github.com/safing/portguard/service/firewall/blocklist"
	"github.com/safing/portguard/service/intel/threat"
)

// ErrNotBlocked is returned when unblocking a source that is not blocked.
var ErrNotBlocked = errors.New("source is not blocked")

// Settings configure a Coordinator.
type Settings struct {
	TemporaryBlock       time.Duration
	RateLimitConnections int
	RateLimitWindow      time.Duration
	RehabilitationFactor time.Duration
	MaxParallelCommands  int
}

// SettingsFromConfig returns the coordinator settings of the given configuration.
func SettingsFromConfig(cfg config.Enforcement) Settings {
	return Settings{
		TemporaryBlock:       cfg.TemporaryBlock,
		RateLimitConnections: cfg.RateLimitConnections,
		RateLimitWindow:      cfg.RateLimitWindow,
		RehabilitationFactor: cfg.RehabilitationFactor,
		MaxParallelCommands:  cfg.MaxParallelCommands,
	}
}

// Coordinator turns threat scores into packet filter commands.
// It never holds the threat store lock while a filter command runs:
// profiles are claimed, the command is issued, and the outcome is
// confirmed or aborted afterwards.
type Coordinator struct {
	store    *threat.Store
	filter   blocklist.Filter
	sink     events.Sink
	settings Settings

	clockLock sync.Mutex
	now       func() time.Time
}

// NewCoordinator returns a new enforcement coordinator.
func NewCoordinator(store *threat.Store, filter blocklist.Filter, sink events.Sink, settings Settings) *Coordinator {
	if sink == nil {
		sink = events.Discard
	}
	if settings.MaxParallelCommands <= 0 {
		settings.MaxParallelCommands = 1
	}
	return &Coordinator{
		store:    store,
		filter:   filter,
		sink:     sink,
		settings: settings,
		now:      time.Now,
	}
}

// SetClock replaces the clock of the coordinator.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.clockLock.Lock()
	defer c.clockLock.Unlock()

	c.now = now
}

func (c *Coordinator) clock() time.Time {
	c.clockLock.Lock()
	defer c.clockLock.Unlock()

	return c.now()
}

// Enforce blocks all sources that crossed the block threshold and returns
// how many were blocked. Failed commands leave the source unblocked and are
// returned as errors matching blocklist.ErrFilterCommandFailed.
func (c *Coordinator) Enforce(ctx context.Context) (int, error) {
	candidates := c.store.ClaimBlockCandidates()
	if len(candidates) == 0 {
		return 0, nil
	}

	var (
		lock    sync.Mutex
		blocked int
	)
	err := c.parallel(len(candidates), func(i int) error {
		candidate := candidates[i]
		if err := c.block(ctx, candidate); err != nil {
			return err
		}
		lock.Lock()
		defer lock.Unlock()
		blocked++
		return nil
	})
	return blocked, err
}

func (c *Coordinator) block(ctx context.Context, candidate threat.Candidate) error {
	src := candidate.Source
	score := candidate.CrossingScore
	kind := c.ChooseKind(score)

	if err := c.install(ctx, src, kind); err != nil {
		c.store.AbortBlock(src)
		c.commandFailed(src, err)
		return err
	}

	now := c.clock()
	autoUnblock := c.AutoUnblockTime(kind, score, now)
	c.store.ConfirmBlock(src, kind, autoUnblock)

	evtType, action := events.SourceBlocked, events.ActionBlocked
	if _, ok := kind.(blocklist.RateLimited); ok {
		evtType, action = events.SourceRateLimited, events.ActionRateLimitingApplied
	}
	evt := events.New(now, src, evtType, events.ThreatLevel{
		Severity:   severityOf(score),
		Confidence: score,
		Category:   events.Enforcement,
	}, action, fmt.Sprintf("%s at threat score %.2f", kind, score))
	evt.SetAttr("kind", kind.Name())
	if autoUnblock != nil {
		evt.SetAttr("auto_unblock_time", autoUnblock.Format(time.RFC3339))
	}
	c.sink.Emit(evt)
	return nil
}

// install issues the filter command of the given kind.
func (c *Coordinator) install(ctx context.Context, src netip.Addr, kind blocklist.Kind) error {
	switch k := kind.(type) {
	case blocklist.Permanent:
		return c.filter.Block(ctx, src, blocklist.NoExpiry)
	case blocklist.Temporary:
		return c.filter.Block(ctx, src, k.Duration)
	case blocklist.RateLimited:
		return c.filter.RateLimit(ctx, src, k.Limit, k.Window)
	default:
		return fmt.Errorf("unknown enforcement kind %T", kind)
	}
}

// Rehabilitate unblocks all sources whose auto unblock time passed and
// returns how many were unblocked.
func (c *Coordinator) Rehabilitate(ctx context.Context, now time.Time) (int, error) {
	claimed := c.store.ClaimRehabilitation(now)
	if len(claimed) == 0 {
		return 0, nil
	}

	var (
		lock      sync.Mutex
		unblocked int
	)
	err := c.parallel(len(claimed), func(i int) error {
		if err := c.unblock(ctx, claimed[i], "rehabilitated"); err != nil {
			return err
		}
		lock.Lock()
		defer lock.Unlock()
		unblocked++
		return nil
	})
	return unblocked, err
}

// Unblock lifts the block of a single source on operator request.
func (c *Coordinator) Unblock(ctx context.Context, src netip.Addr) error {
	profile, ok := c.store.ClaimUnblock(src)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotBlocked, src)
	}
	return c.unblock(ctx, profile, "unblocked by operator")
}

func (c *Coordinator) unblock(ctx context.Context, profile threat.Profile, reason string) error {
	src := profile.Source
	if err := c.filter.Unblock(ctx, src); err != nil {
		c.store.AbortUnblock(src)
		c.commandFailed(src, err)
		return err
	}
	c.store.ConfirmUnblock(src)

	evt := events.New(c.clock(), src, events.SourceUnblocked, events.ThreatLevel{
		Severity:   severityOf(profile.Score),
		Confidence: profile.Score,
		Category:   events.Enforcement,
	}, events.ActionUnblocked, fmt.Sprintf("%s, was %s", reason, profile.Enforcement))
	c.sink.Emit(evt)
	return nil
}

// Reconcile checks every blocked source against the packet filter and
// reinstalls enforcements the filter no longer has. Temporary blocks that
// expired before their rehabilitation time are renewed for the remaining
// time, capped at the temporary block duration. It returns how many
// enforcements were reinstalled.
func (c *Coordinator) Reconcile(ctx context.Context, now time.Time) (int, error) {
	claimed := c.store.ClaimBlocked()
	if len(claimed) == 0 {
		return 0, nil
	}

	var (
		lock    sync.Mutex
		renewed int
	)
	err := c.parallel(len(claimed), func(i int) error {
		ok, err := c.reconcile(ctx, claimed[i], now)
		if err != nil || !ok {
			return err
		}
		lock.Lock()
		defer lock.Unlock()
		renewed++
		return nil
	})
	return renewed, err
}

func (c *Coordinator) reconcile(ctx context.Context, profile threat.Profile, now time.Time) (renewed bool, err error) {
	src := profile.Source
	defer c.store.Release(src)

	if _, active := c.filter.Active(src); active {
		return false, nil
	}

	kind := profile.EnforcementKind()
	if kind == nil {
		return false, nil
	}
	install := kind
	if t, ok := kind.(blocklist.Temporary); ok {
		// Rehabilitation takes over once eligible.
		if profile.AutoUnblock == nil || !profile.AutoUnblock.After(now) {
			return false, nil
		}
		install = blocklist.Temporary{Duration: min(t.Duration, profile.AutoUnblock.Sub(now))}
	}

	if err := c.install(ctx, src, install); err != nil {
		c.commandFailed(src, err)
		return false, err
	}

	evt := events.New(now, src, events.BlockRenewed, events.ThreatLevel{
		Severity:   severityOf(profile.Score),
		Confidence: profile.Score,
		Category:   events.Enforcement,
	}, events.ActionBlocked, fmt.Sprintf("reinstalled %s", install))
	evt.SetAttr("kind", kind.Name())
	c.sink.Emit(evt)
	return true, nil
}

// commandFailed reports a rejected filter command.
func (c *Coordinator) commandFailed(src netip.Addr, err error) {
	evt := events.New(c.clock(), src, events.FilterCommandFailed, events.ThreatLevel{
		Severity:   1,
		Confidence: 1,
		Category:   events.Operational,
	}, events.ActionNone, err.Error())

	var cmdErr *blocklist.CommandError
	if errors.As(err, &cmdErr) {
		evt.SetAttr("action", cmdErr.Action)
	}
	evt.SetAttr("error", err.Error())
	c.sink.Emit(evt)
}

// parallel runs fn for all indexes with at most MaxParallelCommands at a
// time and collects all errors.
func (c *Coordinator) parallel(n int, fn func(i int) error) error {
	var (
		group  errgroup.Group
		lock   sync.Mutex
		result *multierror.Error
	)
	group.SetLimit(c.settings.MaxParallelCommands)
	for i := range n {
		group.Go(func() error {
			if err := fn(i); err != nil {
				lock.Lock()
				defer lock.Unlock()
				result = multierror.Append(result, err)
			}
			return nil
		})
	}
	_ = group.Wait()
	return result.ErrorOrNil()
}
