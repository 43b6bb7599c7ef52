package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the default location of the configuration file.
const DefaultPath = "/etc/portguard/config.yml"

// Config is the immutable configuration snapshot of the engine.
type Config struct {
	Log          Log          `yaml:"log"`
	Detection    Detection    `yaml:"detection"`
	Intel        Intel        `yaml:"intel"`
	Enforcement  Enforcement  `yaml:"enforcement"`
	Interception Interception `yaml:"interception"`
	Engine       Engine       `yaml:"engine"`
	Events       Events       `yaml:"events"`
	API          API          `yaml:"api"`
	GeoIP        GeoIP        `yaml:"geoip"`
}

// Log configures the logging system.
type Log struct {
	Level  string `yaml:"level"`
	Dir    string `yaml:"dir"`
	Stdout bool   `yaml:"stdout"`
}

// Detection configures the scan and flood detectors.
type Detection struct {
	// Sensitivity is the initial detector sensitivity from 1 to 10.
	Sensitivity int `yaml:"sensitivity"`
	// StealthPorts are the well-known service ports watched for enumeration.
	StealthPorts []uint16 `yaml:"stealth_ports"`

	ScanWindow        time.Duration `yaml:"scan_window"`
	FloodWindow       time.Duration `yaml:"flood_window"`
	ScanPortThreshold int           `yaml:"scan_port_threshold"`
	SYNFloodThreshold int           `yaml:"syn_flood_threshold"`
	ProfileRetention  time.Duration `yaml:"profile_retention"`

	// TrustedNetworks are never scored, like internal addresses.
	TrustedNetworks []string `yaml:"trusted_networks"`
}

// Intel configures the threat intelligence store.
type Intel struct {
	BlockThreshold float32       `yaml:"block_threshold"`
	DecayIdle      time.Duration `yaml:"decay_idle"`
	DecayRate      float64       `yaml:"decay_rate"`
}

// Enforcement configures the enforcement coordinator and the packet filter.
type Enforcement struct {
	DryRun bool   `yaml:"dry_run"`
	Chain  string `yaml:"chain"`

	TemporaryBlock       time.Duration `yaml:"temporary_block"`
	RateLimitConnections int           `yaml:"rate_limit_connections"`
	RateLimitWindow      time.Duration `yaml:"rate_limit_window"`
	// RehabilitationFactor is multiplied by the threat score to get the
	// time until a blocked source is eligible for rehabilitation.
	RehabilitationFactor time.Duration `yaml:"rehabilitation_factor"`
	MaxParallelCommands  int           `yaml:"max_parallel_commands"`
	FlushConntrack       bool          `yaml:"flush_conntrack"`
	ClearOnExit          bool          `yaml:"clear_on_exit"`

	// StealthMode drops ping requests, outgoing TCP resets and all inbound
	// traffic to StealthDropPorts.
	StealthMode      bool     `yaml:"stealth_mode"`
	StealthDropPorts []uint16 `yaml:"stealth_drop_ports"`

	// BackupDir holds the iptables backups. With BackupOnStart the rules
	// are saved before any rules are installed.
	BackupDir     string `yaml:"backup_dir"`
	BackupOnStart bool   `yaml:"backup_on_start"`
}

// Interception configures the packet source.
type Interception struct {
	Enabled    bool     `yaml:"enabled"`
	QueueBase  uint16   `yaml:"queue_base"`
	Interfaces []string `yaml:"interfaces"`
}

// Engine configures the control loops.
type Engine struct {
	ControlInterval     time.Duration `yaml:"control_interval"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
	PollTimeout         time.Duration `yaml:"poll_timeout"`
	ShutdownGrace       time.Duration `yaml:"shutdown_grace"`
}

// Events configures the security event audit log.
type Events struct {
	AuditFile string `yaml:"audit_file"`
}

// API configures the status API.
type API struct {
	Listen string `yaml:"listen"`
}

// GeoIP configures the optional geoip enrichment of events.
type GeoIP struct {
	CountryDB string `yaml:"country_db"`
	ASNDB     string `yaml:"asn_db"`
	CacheSize int    `yaml:"cache_size"`
}

// Load reads the configuration file at path on top of the defaults.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return cfg, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := cfg.Parse(data); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML data on top of the current values and validates the result.
func (c *Config) Parse(data []byte) error {
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return c.Validate()
}
