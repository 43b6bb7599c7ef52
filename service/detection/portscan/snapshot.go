package portscan

import (
	"net/netip"
	"slices"
	"time"
)

// Attack techniques derived from a scan profile.
const (
	TechniqueComprehensiveScan = "COMPREHENSIVE_SCAN"
	TechniqueSYNFlood          = "SYN_FLOOD"
	TechniqueExploitTargeting  = "EXPLOIT_TARGETING"
)

const (
	comprehensiveScanPorts = 10
	synFloodTechniqueCount = 5
	activeScannerPorts     = 2
)

// exploitPorts are ports of services with a history of remote exploits:
// SMB/NetBIOS, MSSQL, Oracle, RDP and WinRM.
var exploitPorts = NewPortSet([]uint16{135, 139, 445, 1433, 1521, 3389, 5985, 5986})

// ProfileSnapshot is a point-in-time copy of a scan profile.
type ProfileSnapshot struct {
	Source             netip.Addr `json:"source_address"`
	FirstSeen          time.Time  `json:"first_seen"`
	LastSeen           time.Time  `json:"last_seen"`
	Observations       int        `json:"observations"`
	UniquePorts        []uint16   `json:"unique_ports"`
	SYNCount           uint32     `json:"syn_count_in_window"`
	LastSYN            time.Time  `json:"last_syn_time"`
	ThreatContribution float32    `json:"threat_contribution"`
	Techniques         []string   `json:"techniques,omitempty"`
}

// Stats summarizes the store.
type Stats struct {
	MonitoredSources      int `json:"monitored_sources"`
	ActiveScanners        int `json:"active_scanners"`
	StealthPortsMonitored int `json:"stealth_ports_monitored"`
	Sensitivity           int `json:"sensitivity"`
}

func (p *Profile) snapshot(src netip.Addr) ProfileSnapshot {
	ports := make([]uint16, 0, len(p.uniquePorts))
	for port := range p.uniquePorts {
		ports = append(ports, port)
	}
	slices.Sort(ports)

	return ProfileSnapshot{
		Source:             src,
		FirstSeen:          p.firstSeen,
		LastSeen:           p.lastSeen,
		Observations:       len(p.observations),
		UniquePorts:        ports,
		SYNCount:           p.synCount,
		LastSYN:            p.lastSYN,
		ThreatContribution: p.threatContribution,
		Techniques:         p.techniques(),
	}
}

func (p *Profile) techniques() []string {
	var found []string
	if len(p.uniquePorts) > comprehensiveScanPorts {
		found = append(found, TechniqueComprehensiveScan)
	}
	if p.synCount > synFloodTechniqueCount {
		found = append(found, TechniqueSYNFlood)
	}
	for port := range p.uniquePorts {
		if exploitPorts.Has(port) {
			found = append(found, TechniqueExploitTargeting)
			break
		}
	}
	return found
}

// Get returns a snapshot of the profile of the given source.
func (s *Store) Get(src netip.Addr) (ProfileSnapshot, bool) {
	src = src.Unmap()

	s.lock.Lock()
	defer s.lock.Unlock()

	p, ok := s.profiles[src]
	if !ok {
		return ProfileSnapshot{}, false
	}
	return p.snapshot(src), true
}

// Snapshot returns snapshots of all profiles, ordered by source address.
func (s *Store) Snapshot() []ProfileSnapshot {
	s.lock.Lock()
	snaps := make([]ProfileSnapshot, 0, len(s.profiles))
	for src, p := range s.profiles {
		snaps = append(snaps, p.snapshot(src))
	}
	s.lock.Unlock()

	slices.SortFunc(snaps, func(a, b ProfileSnapshot) int {
		return a.Source.Compare(b.Source)
	})
	return snaps
}

// Stats returns summary statistics of the store.
func (s *Store) Stats() Stats {
	s.lock.Lock()
	defer s.lock.Unlock()

	stats := Stats{
		MonitoredSources:      len(s.profiles),
		StealthPortsMonitored: len(s.wellKnown),
		Sensitivity:           s.Sensitivity(),
	}
	for _, p := range s.profiles {
		if len(p.uniquePorts) > activeScannerPorts {
			stats.ActiveScanners++
		}
	}
	return stats
}
