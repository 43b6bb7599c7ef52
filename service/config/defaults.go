package config

import "time"

// DefaultSensitivity is the sensitivity the detectors are tuned for.
const DefaultSensitivity = 5

// DefaultStealthPorts are the well-known service ports watched for enumeration.
var DefaultStealthPorts = []uint16{
	21, 22, 23, 25, 53, 80, 110, 135, 139, 143, 443, 445, 993, 995, 1433, 3389, 5060, 5061,
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Log: Log{
			Level: "info",
			Dir:   "/var/log/portguard",
		},
		Detection: Detection{
			Sensitivity:       DefaultSensitivity,
			StealthPorts:      append([]uint16(nil), DefaultStealthPorts...),
			ScanWindow:        10 * time.Second,
			FloodWindow:       5 * time.Second,
			ScanPortThreshold: 2,
			SYNFloodThreshold: 10,
			ProfileRetention:  5 * time.Minute,
		},
		Intel: Intel{
			BlockThreshold: 0.8,
			DecayIdle:      time.Hour,
			DecayRate:      0.95,
		},
		Enforcement: Enforcement{
			Chain:                "PORTGUARD-BLOCK",
			TemporaryBlock:       6 * time.Hour,
			RateLimitConnections: 10,
			RateLimitWindow:      5 * time.Minute,
			RehabilitationFactor: 12 * time.Hour,
			MaxParallelCommands:  4,
			FlushConntrack:       true,
			BackupDir:            "/var/lib/portguard/backup",
			BackupOnStart:        true,
		},
		Interception: Interception{
			Enabled:   true,
			QueueBase: 1717,
		},
		Engine: Engine{
			ControlInterval:     time.Second,
			MaintenanceInterval: time.Minute,
			PollTimeout:         100 * time.Millisecond,
			ShutdownGrace:       2 * time.Second,
		},
		API: API{
			Listen: "127.0.0.1:8717",
		},
		GeoIP: GeoIP{
			CacheSize: 4096,
		},
	}
}
