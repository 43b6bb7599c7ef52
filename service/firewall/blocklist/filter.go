package blocklist

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"
)

// NoExpiry is the expiry of a permanent block.
const NoExpiry time.Duration = 0

var (
	// ErrFilterCommandFailed is returned when the packet filter rejected a command.
	ErrFilterCommandFailed = errors.New("filter command failed")

	// ErrUnsupported is returned on systems without iptables.
	ErrUnsupported = errors.New("iptables is only supported on linux")
)

// Filter commands.
const (
	ActionBlock           = "block"
	ActionRateLimit       = "rate-limit"
	ActionUnblock         = "unblock"
	ActionLockdown        = "lockdown"
	ActionReleaseLockdown = "release-lockdown"
)

// Filter is a packet filter that drops or limits traffic of sources.
type Filter interface {
	// Block drops all traffic from the address. An expiry of NoExpiry
	// installs a permanent block, any other expiry a temporary one.
	Block(ctx context.Context, addr netip.Addr, expiry time.Duration) error
	// RateLimit caps new connections from the address within the window.
	RateLimit(ctx context.Context, addr netip.Addr, maxConnections int, window time.Duration) error
	// Unblock removes all rules of the address. Unblocking an address
	// without rules is not an error.
	Unblock(ctx context.Context, addr netip.Addr) error
	// Active returns the live enforcement record of the address.
	Active(addr netip.Addr) (Record, bool)
}

// Record is a live enforcement at the packet filter.
type Record struct {
	Addr      netip.Addr `json:"addr"`
	Kind      string     `json:"kind"`
	Detail    string     `json:"detail"`
	Installed time.Time  `json:"installed"`
	// Expires is zero if the record does not expire on its own.
	Expires time.Time `json:"expires,omitempty"`

	kind Kind
}

// EnforcementKind returns the kind of the record.
func (r Record) EnforcementKind() Kind {
	return r.kind
}

// Expired returns whether the record expired at the given time.
func (r Record) Expired(now time.Time) bool {
	return !r.Expires.IsZero() && !r.Expires.After(now)
}

func newRecord(addr netip.Addr, kind Kind, now time.Time) Record {
	r := Record{
		Addr:      addr,
		Kind:      kind.Name(),
		Detail:    kind.String(),
		Installed: now,
		kind:      kind,
	}
	if t, ok := kind.(Temporary); ok {
		r.Expires = now.Add(t.Duration)
	}
	return r
}

// KindForBlock returns the kind installed by a block with the given expiry.
func KindForBlock(expiry time.Duration) Kind {
	if expiry == NoExpiry {
		return Permanent{}
	}
	return Temporary{Duration: expiry}
}

// CommandError describes a failed filter command.
type CommandError struct {
	Action string
	Addr   netip.Addr
	Err    error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %s %s: %s", ErrFilterCommandFailed, e.Action, e.Addr, e.Err)
}

// Is makes errors.Is match ErrFilterCommandFailed.
func (e *CommandError) Is(target error) bool {
	return target == ErrFilterCommandFailed //nolint:errorlint
}

// Unwrap returns the underlying error.
func (e *CommandError) Unwrap() error {
	return e.Err
}

func commandError(action string, addr netip.Addr, err error) error {
	if err == nil {
		return nil
	}
	return &CommandError{Action: action, Addr: addr, Err: err}
}

func lockdownError(enabled bool, err error) error {
	action := ActionLockdown
	if !enabled {
		action = ActionReleaseLockdown
	}
	return fmt.Errorf("%w: %s: %w", ErrFilterCommandFailed, action, err)
}
