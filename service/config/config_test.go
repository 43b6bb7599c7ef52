package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5, cfg.Detection.Sensitivity)
	assert.Len(t, cfg.Detection.StealthPorts, 18)
	assert.InDelta(t, 0.8, cfg.Intel.BlockThreshold, 0.0001)
}

func TestLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
detection:
  sensitivity: 7
  scan_window: 20s
  trusted_networks:
    - 198.51.100.0/24
intel:
  block_threshold: 0.7
enforcement:
  dry_run: true
`), 0o0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Detection.Sensitivity)
	assert.Equal(t, 20*time.Second, cfg.Detection.ScanWindow)
	assert.Equal(t, []string{"198.51.100.0/24"}, cfg.Detection.TrustedNetworks)
	assert.InDelta(t, 0.7, cfg.Intel.BlockThreshold, 0.0001)
	assert.True(t, cfg.Enforcement.DryRun)
	// Untouched values keep their defaults.
	assert.Equal(t, 5*time.Second, cfg.Detection.FloodWindow)
	assert.Equal(t, "PORTGUARD-BLOCK", cfg.Enforcement.Chain)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestInvalidSensitivity(t *testing.T) {
	t.Parallel()

	for _, level := range []int{0, 11, -3} {
		assert.ErrorIs(t, CheckSensitivity(level), ErrInvalidSensitivity, level)
	}
	for level := MinSensitivity; level <= MaxSensitivity; level++ {
		assert.NoError(t, CheckSensitivity(level))
	}

	cfg := Default()
	err := cfg.Parse([]byte("detection:\n  sensitivity: 12\n"))
	assert.ErrorIs(t, err, ErrInvalidSensitivity)
}

func TestValidateCollectsErrors(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Intel.BlockThreshold = 1.5
	cfg.Enforcement.Chain = ""
	cfg.Detection.TrustedNetworks = []string{"not-a-network"}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "block threshold")
	assert.Contains(t, err.Error(), "enforcement chain")
	assert.Contains(t, err.Error(), "trusted networks")
}

func TestLoadStealthAndBackup(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.NoError(t, cfg.Parse([]byte(`
enforcement:
  stealth_mode: true
  stealth_drop_ports: [23, 445]
  backup_on_start: false
`)))
	assert.True(t, cfg.Enforcement.StealthMode)
	assert.Equal(t, []uint16{23, 445}, cfg.Enforcement.StealthDropPorts)
	assert.False(t, cfg.Enforcement.BackupOnStart)
	assert.Equal(t, "/var/lib/portguard/backup", cfg.Enforcement.BackupDir)
}

func TestValidateChainLength(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Enforcement.Chain = "PORTGUARD-BLOCK-CHAIN-OF-THE-HOST"
	assert.ErrorContains(t, cfg.Validate(), "longer than")

	cfg = Default()
	cfg.Enforcement.BackupDir = ""
	assert.ErrorContains(t, cfg.Validate(), "backup dir")
}
