package enforcement

import (
	"math"
	"time"

	"github.com/safing/portguard/service/firewall/blocklist"
)

// Score bounds of the enforcement kinds.
const (
	PermanentScore = 0.9
	TemporaryScore = 0.7
)

// ChooseKind returns the enforcement kind for a source that crossed the
// block threshold with the given score.
func (c *Coordinator) ChooseKind(score float32) blocklist.Kind {
	switch {
	case score > PermanentScore:
		return blocklist.Permanent{}
	case score > TemporaryScore:
		return blocklist.Temporary{Duration: c.settings.TemporaryBlock}
	default:
		return blocklist.RateLimited{
			Limit:  c.settings.RateLimitConnections,
			Window: c.settings.RateLimitWindow,
		}
	}
}

// AutoUnblockTime returns when a source blocked with the given kind and score
// becomes eligible for rehabilitation. Permanent blocks never are.
func (c *Coordinator) AutoUnblockTime(kind blocklist.Kind, score float32, now time.Time) *time.Time {
	if _, ok := kind.(blocklist.Permanent); ok {
		return nil
	}
	at := now.Add(time.Duration(float64(score) * float64(c.settings.RehabilitationFactor)))
	return &at
}

// severityOf maps a score to an event severity.
func severityOf(score float32) uint8 {
	return uint8(min(10, max(1, math.Round(float64(score)*10))))
}
