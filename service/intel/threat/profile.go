package threat

import (
	"net/netip"
	"time"

	"github.com/safing/portguard/service/firewall/blocklist"
)

// Profile is the threat state of a single source.
type Profile struct {
	Source       netip.Addr `json:"source_address"`
	FirstSeen    time.Time  `json:"first_seen"`
	LastActivity time.Time  `json:"last_activity"`
	Score        float32    `json:"threat_score"`
	EventsCount  uint32     `json:"events_count"`
	Blocked      bool       `json:"blocked"`
	// AutoUnblock is nil for unblocked sources and permanent blocks.
	AutoUnblock *time.Time `json:"auto_unblock_time,omitempty"`
	Enforcement string     `json:"enforcement,omitempty"`

	kind blocklist.Kind
}

// EnforcementKind returns the kind of the current block, if blocked.
func (p Profile) EnforcementKind() blocklist.Kind {
	return p.kind
}

// Rehabilitates returns whether the block of the profile is lifted
// automatically at some point.
func (p Profile) Rehabilitates() bool {
	return p.Blocked && p.AutoUnblock != nil
}

// entry is a profile with its bookkeeping.
type entry struct {
	Profile

	// baseScore is the score at the last activity. Decay is always
	// computed from it, so the number of decay ticks does not matter.
	baseScore float32

	// candidate is set when an event raised the score above the block
	// threshold while not blocked. It is kept until a block succeeds.
	candidate bool
	// crossingScore is the score at the moment of crossing.
	crossingScore float32

	// pending is set while a filter command for the source is in flight.
	pending bool
}

func (e *entry) export() Profile {
	p := e.Profile
	if p.AutoUnblock != nil {
		t := *p.AutoUnblock
		p.AutoUnblock = &t
	}
	return p
}
