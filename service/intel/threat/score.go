package threat

import (
	"math"
	"time"

	"github.com/safing/portguard/service/events"
)

// Bucket maps an event severity to its base score increase.
// Severities outside of 1-10 get the lowest increase.
func Bucket(severity uint8) float32 {
	switch {
	case severity >= 1 && severity <= 3:
		return 0.1
	case severity >= 4 && severity <= 6:
		return 0.25
	case severity >= 7 && severity <= 8:
		return 0.5
	case severity >= 9 && severity <= 10:
		return 0.8
	default:
		return 0.05
	}
}

// ScoreIncrease returns how much an event with the given threat level
// raises the score of its source.
func ScoreIncrease(level events.ThreatLevel) float32 {
	return Bucket(level.Severity) * clamp(level.Confidence)
}

// Decayed returns the score after being idle for the given duration.
// The score loses (1-rate) of its value per idle day.
func Decayed(score float32, idle time.Duration, rate float64) float32 {
	if idle <= 0 {
		return score
	}
	return clamp(float32(float64(score) * math.Pow(rate, idle.Hours()/24)))
}

func clamp(v float32) float32 {
	switch {
	case v < 0 || math.IsNaN(float64(v)):
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
