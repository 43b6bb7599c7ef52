package config

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/safing/portguard/service/network/netutils"
)

// Sensitivity bounds.
const (
	MinSensitivity = 1
	MaxSensitivity = 10
)

// MaxChainLength leaves room for the suffixes of the derived chains within
// the 28 characters iptables allows.
const MaxChainLength = 20

// ErrInvalidSensitivity is returned for sensitivity levels outside of 1 to 10.
var ErrInvalidSensitivity = errors.New("invalid sensitivity")

// CheckSensitivity returns ErrInvalidSensitivity if level is out of range.
func CheckSensitivity(level int) error {
	if level < MinSensitivity || level > MaxSensitivity {
		return fmt.Errorf("%w: %d is not within %d-%d", ErrInvalidSensitivity, level, MinSensitivity, MaxSensitivity)
	}
	return nil
}

// Validate checks the configuration and returns all problems found.
func (c *Config) Validate() error {
	var result *multierror.Error

	if err := CheckSensitivity(c.Detection.Sensitivity); err != nil {
		result = multierror.Append(result, err)
	}

	d := c.Detection
	if d.ScanWindow <= 0 || d.FloodWindow <= 0 {
		result = multierror.Append(result, errors.New("detection windows must be positive"))
	}
	if d.ScanPortThreshold < 1 || d.SYNFloodThreshold < 1 {
		result = multierror.Append(result, errors.New("detection thresholds must be at least 1"))
	}
	if d.ProfileRetention < d.ScanWindow || d.ProfileRetention < d.FloodWindow {
		result = multierror.Append(result, errors.New("profile retention must cover the detection windows"))
	}
	if _, err := netutils.ParseNetworks(d.TrustedNetworks); err != nil {
		result = multierror.Append(result, fmt.Errorf("trusted networks: %w", err))
	}

	i := c.Intel
	if i.BlockThreshold <= 0 || i.BlockThreshold > 1 {
		result = multierror.Append(result, fmt.Errorf("block threshold %.2f is not within (0, 1]", i.BlockThreshold))
	}
	if i.DecayRate <= 0 || i.DecayRate > 1 {
		result = multierror.Append(result, fmt.Errorf("decay rate %.2f is not within (0, 1]", i.DecayRate))
	}

	e := c.Enforcement
	switch {
	case e.Chain == "":
		result = multierror.Append(result, errors.New("enforcement chain must be set"))
	case len(e.Chain) > MaxChainLength:
		result = multierror.Append(result, fmt.Errorf("enforcement chain %q is longer than %d characters", e.Chain, MaxChainLength))
	}
	if e.BackupOnStart && e.BackupDir == "" {
		result = multierror.Append(result, errors.New("backup on start needs a backup dir"))
	}
	if e.TemporaryBlock <= 0 || e.RateLimitWindow <= 0 || e.RehabilitationFactor <= 0 {
		result = multierror.Append(result, errors.New("enforcement durations must be positive"))
	}
	if e.RateLimitConnections < 1 {
		result = multierror.Append(result, errors.New("rate limit must allow at least one connection"))
	}
	if e.MaxParallelCommands < 1 {
		result = multierror.Append(result, errors.New("max parallel commands must be at least 1"))
	}

	g := c.Engine
	if g.ControlInterval <= 0 || g.MaintenanceInterval <= 0 || g.PollTimeout <= 0 {
		result = multierror.Append(result, errors.New("engine intervals must be positive"))
	}

	return result.ErrorOrNil()
}
