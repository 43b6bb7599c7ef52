package blocklist

import (
	"fmt"
	"time"
)

// Kind is the kind of an enforcement: Permanent, Temporary or RateLimited.
type Kind interface {
	// Name returns a short identifier of the kind.
	Name() string
	String() string

	isKind()
}

// Kind names.
const (
	KindPermanent   = "permanent"
	KindTemporary   = "temporary"
	KindRateLimited = "rate-limited"
)

// Permanent drops all traffic from the source until it is unblocked manually.
type Permanent struct{}

// Temporary drops all traffic from the source for the given duration.
type Temporary struct {
	Duration time.Duration
}

// RateLimited caps the new connections of the source within a window.
type RateLimited struct {
	Limit  int
	Window time.Duration
}

func (Permanent) isKind()   {}
func (Temporary) isKind()   {}
func (RateLimited) isKind() {}

// Name returns the kind name.
func (Permanent) Name() string { return KindPermanent }

// Name returns the kind name.
func (Temporary) Name() string { return KindTemporary }

// Name returns the kind name.
func (RateLimited) Name() string { return KindRateLimited }

func (Permanent) String() string { return KindPermanent }

func (k Temporary) String() string { return fmt.Sprintf("%s(%s)", KindTemporary, k.Duration) }

func (k RateLimited) String() string {
	return fmt.Sprintf("%s(%d/%s)", KindRateLimited, k.Limit, k.Window)
}
