package portscan

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/safing/portguard/service/config"
	"github.com/safing/portguard/service/events"
	"github.com/safing/portguard/service/network/netutils"
	"github.com/safing/portguard/service/network/packet"
)

// ErrClassificationSkipped is returned for segments that are not classified,
// such as segments from internal or trusted sources.
var ErrClassificationSkipped = errors.New("classification skipped")

// maxObservations caps the history of a single source during a flood.
const maxObservations = 4096

// Settings configure a Store.
type Settings struct {
	Base             Thresholds
	Sensitivity      int
	StealthPorts     []uint16
	ProfileRetention time.Duration
	TrustedNetworks  netutils.Networks
}

// SettingsFromConfig returns the store settings of the given configuration.
func SettingsFromConfig(cfg config.Detection) (Settings, error) {
	trusted, err := netutils.ParseNetworks(cfg.TrustedNetworks)
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		Base: Thresholds{
			ScanWindow:        cfg.ScanWindow,
			FloodWindow:       cfg.FloodWindow,
			ScanPortThreshold: cfg.ScanPortThreshold,
			SYNFloodThreshold: cfg.SYNFloodThreshold,
		},
		Sensitivity:      cfg.Sensitivity,
		StealthPorts:     cfg.StealthPorts,
		ProfileRetention: cfg.ProfileRetention,
		TrustedNetworks:  trusted,
	}, nil
}

// Profile is the recent scan history of a single source.
type Profile struct {
	firstSeen    time.Time
	lastSeen     time.Time
	observations []packet.Observation
	uniquePorts  PortSet

	synCount uint32
	lastSYN  time.Time

	threatContribution float32
}

// Store holds the scan profiles of all sources.
type Store struct {
	lock     sync.Mutex
	profiles map[netip.Addr]*Profile

	base       Thresholds
	thresholds Thresholds
	wellKnown  PortSet
	retention  time.Duration
	trusted    netutils.Networks

	sensitivity atomic.Int32
}

// NewStore returns a new scan profile store.
func NewStore(settings Settings) (*Store, error) {
	if err := config.CheckSensitivity(settings.Sensitivity); err != nil {
		return nil, err
	}

	s := &Store{
		profiles:  make(map[netip.Addr]*Profile),
		base:      settings.Base,
		wellKnown: NewPortSet(settings.StealthPorts),
		retention: settings.ProfileRetention,
		trusted:   settings.TrustedNetworks,
	}
	s.thresholds = ThresholdsFor(s.base, settings.Sensitivity)
	s.sensitivity.Store(int32(settings.Sensitivity))
	return s, nil
}

// Sensitivity returns the current sensitivity level.
func (s *Store) Sensitivity() int {
	return int(s.sensitivity.Load())
}

// SetSensitivity changes the sensitivity level of the detectors.
// Invalid levels are rejected and leave the current level in place.
func (s *Store) SetSensitivity(level int) error {
	if err := config.CheckSensitivity(level); err != nil {
		return err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	s.thresholds = ThresholdsFor(s.base, level)
	s.sensitivity.Store(int32(level))
	return nil
}

// Thresholds returns the thresholds currently in effect.
func (s *Store) Thresholds() Thresholds {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.thresholds
}

// Skip returns whether segments from the address are never classified.
func (s *Store) Skip(src netip.Addr) bool {
	return !src.Unmap().Is4() || netutils.IsInternal(src) || s.trusted.Contains(src)
}

// Ingest records an observation and returns a security event for every
// heuristic that matches. A profile evicted by a concurrent sweep is
// simply recreated.
func (s *Store) Ingest(src netip.Addr, port uint16, flags packet.TCPFlags, now time.Time) ([]events.SecurityEvent, error) {
	if s.Skip(src) {
		return nil, fmt.Errorf("%w: %s is internal or trusted", ErrClassificationSkipped, src)
	}
	src = src.Unmap()

	alerts, synCount, floodThreshold := s.ingest(src, packet.Observation{
		Timestamp: now,
		DstPort:   port,
		Flags:     flags,
	})

	evts := make([]events.SecurityEvent, 0, len(alerts)+1)
	for _, alert := range alerts {
		evts = append(evts, events.New(now, src, alert.Type, events.ThreatLevel{
			Severity:   alert.Severity(),
			Confidence: scanConfidence,
			Category:   events.Reconnaissance,
		}, events.ActionMonitoringEnhanced, fmt.Sprintf("%s from %s: %s", alert.Type, src, alert.Details)))
	}
	if synCount > uint32(floodThreshold) {
		evts = append(evts, events.New(now, src, events.SYNFlood, events.ThreatLevel{
			Severity:   SYNFloodSeverity(synCount),
			Confidence: floodConfidence,
			Category:   events.DoSAttack,
		}, events.ActionRateLimitingApplied, fmt.Sprintf("%s from %s: %d SYNs", events.SYNFlood, src, synCount)))
	}

	return evts, nil
}

func (s *Store) ingest(src netip.Addr, obs packet.Observation) (alerts []Alert, synCount uint32, floodThreshold int) {
	s.lock.Lock()
	defer s.lock.Unlock()

	now := obs.Timestamp
	t := s.thresholds

	p, ok := s.profiles[src]
	if !ok {
		p = &Profile{
			firstSeen:   now,
			uniquePorts: make(PortSet),
		}
		s.profiles[src] = p
	}
	p.lastSeen = now
	p.observations = append(p.observations, obs)
	p.uniquePorts[obs.DstPort] = struct{}{}
	p.prune(now, max(t.ScanWindow, t.FloodWindow))

	// The SYN counter covers the trailing flood window, so it starts over
	// once the gap since the last SYN exceeds the window.
	if obs.Flags.IsSYNOnly() {
		p.synCount = p.countSYNs(now, t.FloodWindow)
		p.lastSYN = now
		if p.synCount > uint32(t.SYNFloodThreshold) {
			p.threatContribution += weightSYNFlood
		}
	}

	alerts = Classify(p.window(now, t.ScanWindow), s.wellKnown, t.ScanPortThreshold, t.ScanWindow)
	for _, a := range alerts {
		p.threatContribution += a.Weight
	}

	if obs.Flags.IsSYNOnly() {
		synCount = p.synCount
	}
	return alerts, synCount, t.SYNFloodThreshold
}

// Sweep removes all profiles that were created before the retention period
// and returns how many were removed.
func (s *Store) Sweep(now time.Time) int {
	s.lock.Lock()
	defer s.lock.Unlock()

	cutoff := now.Add(-s.retention)
	removed := 0
	for src, p := range s.profiles {
		if p.firstSeen.Before(cutoff) {
			delete(s.profiles, src)
			removed++
		}
	}
	return removed
}

// Len returns the number of profiles.
func (s *Store) Len() int {
	s.lock.Lock()
	defer s.lock.Unlock()

	return len(s.profiles)
}

// prune drops observations older than keep, and the oldest ones beyond the cap.
func (p *Profile) prune(now time.Time, keep time.Duration) {
	drop := 0
	for drop < len(p.observations) && now.Sub(p.observations[drop].Timestamp) >= keep {
		drop++
	}
	if over := len(p.observations) - drop - maxObservations; over > 0 {
		drop += over
	}
	if drop > 0 {
		p.observations = append(p.observations[:0], p.observations[drop:]...)
	}
}

// window returns the observations within the trailing duration.
func (p *Profile) window(now time.Time, d time.Duration) []packet.Observation {
	for i, o := range p.observations {
		if now.Sub(o.Timestamp) < d {
			return p.observations[i:]
		}
	}
	return nil
}

func (p *Profile) countSYNs(now time.Time, d time.Duration) uint32 {
	var n uint32
	for _, o := range p.window(now, d) {
		if o.Flags.IsSYNOnly() {
			n++
		}
	}
	return n
}
