package portscan

import (
	"math"
	"time"

	"github.com/safing/portguard/service/config"
)

// Thresholds are the detector parameters in effect for a sensitivity level.
type Thresholds struct {
	ScanWindow        time.Duration
	FloodWindow       time.Duration
	ScanPortThreshold int
	SYNFloodThreshold int
}

// ThresholdsFor scales the base thresholds, which apply at the default
// sensitivity, to the given level. Higher levels widen the windows and
// lower the SYN flood threshold.
func ThresholdsFor(base Thresholds, level int) Thresholds {
	if level == config.DefaultSensitivity {
		return base
	}

	windowFactor := 0.5 + float64(level)/10
	synThreshold := int(math.Round(float64(base.SYNFloodThreshold) * config.DefaultSensitivity / float64(level)))
	if synThreshold < 1 {
		synThreshold = 1
	}

	return Thresholds{
		ScanWindow:        time.Duration(float64(base.ScanWindow) * windowFactor),
		FloodWindow:       time.Duration(float64(base.FloodWindow) * windowFactor),
		ScanPortThreshold: base.ScanPortThreshold,
		SYNFloodThreshold: synThreshold,
	}
}
