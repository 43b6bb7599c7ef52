package threat

import (
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/safing/portguard/service/config"
	"github.com/safing/portguard/service/events"
	"github.com/safing/portguard/service/firewall/blocklist"
)

// HighThreatScore is the score above which a source counts as a high threat.
const HighThreatScore = 0.7

// Settings configure a Store.
type Settings struct {
	BlockThreshold float32
	DecayIdle      time.Duration
	DecayRate      float64
}

// SettingsFromConfig returns the store settings of the given configuration.
func SettingsFromConfig(cfg config.Intel) Settings {
	return Settings(cfg)
}

// Store holds the threat profiles of all sources. Profiles are never
// removed, their number is bounded by the address space.
type Store struct {
	lock     sync.Mutex
	profiles map[netip.Addr]*entry

	settings Settings
}

// NewStore returns a new threat intelligence store.
func NewStore(settings Settings) *Store {
	return &Store{
		profiles: make(map[netip.Addr]*entry),
		settings: settings,
	}
}

// BlockThreshold returns the score above which sources are blocked.
func (s *Store) BlockThreshold() float32 {
	return s.settings.BlockThreshold
}

// RecordEvent raises the score of the event source. It is the only way a
// score increases. Events that were not produced by a detector are ignored.
func (s *Store) RecordEvent(evt events.SecurityEvent) (profile Profile, recorded bool) {
	if !evt.Type.IsDetection() || !evt.Source.IsValid() {
		return Profile{}, false
	}
	src := evt.Source.Unmap()
	now := evt.Timestamp

	s.lock.Lock()
	defer s.lock.Unlock()

	e, ok := s.profiles[src]
	if !ok {
		e = &entry{
			Profile: Profile{
				Source:       src,
				FirstSeen:    now,
				LastActivity: now,
			},
		}
		s.profiles[src] = e
	}
	s.decay(e, now)

	e.Score = clamp(e.Score + ScoreIncrease(evt.ThreatLevel))
	e.baseScore = e.Score
	e.EventsCount++
	if now.After(e.LastActivity) {
		e.LastActivity = now
	}

	if !e.Blocked && !e.candidate && e.Score > s.settings.BlockThreshold {
		e.candidate = true
		e.crossingScore = e.Score
	}

	return e.export(), true
}

// decay lowers the score of an idle profile. It never raises a score.
func (s *Store) decay(e *entry, now time.Time) bool {
	idle := now.Sub(e.LastActivity)
	if idle <= s.settings.DecayIdle {
		return false
	}
	decayed := Decayed(e.baseScore, idle, s.settings.DecayRate)
	if decayed >= e.Score {
		return false
	}
	e.Score = decayed
	// A candidate that fell back to the threshold has to cross it again.
	if e.candidate && e.Score <= s.settings.BlockThreshold {
		e.candidate = false
	}
	return true
}

// DecayTick decays the scores of all idle profiles and returns how many
// scores were lowered.
func (s *Store) DecayTick(now time.Time) int {
	s.lock.Lock()
	defer s.lock.Unlock()

	var decayed int
	for _, e := range s.profiles {
		if s.decay(e, now) {
			decayed++
		}
	}
	return decayed
}

// Candidate is a profile that crossed the block threshold.
type Candidate struct {
	Profile
	// CrossingScore is the score at the moment of crossing.
	CrossingScore float32
}

// ClaimBlockCandidates returns all unblocked profiles that crossed the block
// threshold and are still above it. Claimed profiles must be released with
// ConfirmBlock or AbortBlock.
func (s *Store) ClaimBlockCandidates() []Candidate {
	s.lock.Lock()
	defer s.lock.Unlock()

	var claimed []Candidate
	for _, e := range s.profiles {
		if !e.candidate || e.Blocked || e.pending {
			continue
		}
		if e.Score <= s.settings.BlockThreshold {
			e.candidate = false
			continue
		}
		e.pending = true
		claimed = append(claimed, Candidate{
			Profile:       e.export(),
			CrossingScore: e.crossingScore,
		})
	}
	sortCandidates(claimed)
	return claimed
}

// ConfirmBlock marks a claimed profile as blocked after the packet filter
// accepted the block.
func (s *Store) ConfirmBlock(src netip.Addr, kind blocklist.Kind, autoUnblock *time.Time) {
	s.lock.Lock()
	defer s.lock.Unlock()

	e, ok := s.profiles[src]
	if !ok {
		return
	}
	e.pending = false
	e.candidate = false
	e.Blocked = true
	e.AutoUnblock = autoUnblock
	e.Enforcement = kind.String()
	e.kind = kind
}

// AbortBlock releases a claimed profile without blocking it, leaving it a
// candidate for the next attempt.
func (s *Store) AbortBlock(src netip.Addr) {
	s.release(src)
}

// ClaimRehabilitation returns all blocked profiles whose auto unblock time
// passed. Claimed profiles must be released with ConfirmUnblock or AbortUnblock.
func (s *Store) ClaimRehabilitation(now time.Time) []Profile {
	s.lock.Lock()
	defer s.lock.Unlock()

	var claimed []Profile
	for _, e := range s.profiles {
		if !e.Rehabilitates() || e.pending || e.AutoUnblock.After(now) {
			continue
		}
		e.pending = true
		claimed = append(claimed, e.export())
	}
	sortProfiles(claimed)
	return claimed
}

// ClaimUnblock claims a single blocked profile for a manual unblock.
func (s *Store) ClaimUnblock(src netip.Addr) (Profile, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	e, ok := s.profiles[src.Unmap()]
	if !ok || !e.Blocked || e.pending {
		return Profile{}, false
	}
	e.pending = true
	return e.export(), true
}

// ConfirmUnblock marks a claimed profile as unblocked after the packet
// filter removed the block. The score is kept.
func (s *Store) ConfirmUnblock(src netip.Addr) {
	s.lock.Lock()
	defer s.lock.Unlock()

	e, ok := s.profiles[src]
	if !ok {
		return
	}
	e.pending = false
	e.Blocked = false
	e.AutoUnblock = nil
	e.Enforcement = ""
	e.kind = nil
}

// AbortUnblock releases a claimed profile, leaving it blocked.
func (s *Store) AbortUnblock(src netip.Addr) {
	s.release(src)
}

func (s *Store) release(src netip.Addr) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if e, ok := s.profiles[src]; ok {
		e.pending = false
	}
}

// ClaimBlocked returns all blocked profiles that are not claimed otherwise,
// to check them against the packet filter. Release them with Release.
func (s *Store) ClaimBlocked() []Profile {
	s.lock.Lock()
	defer s.lock.Unlock()

	var claimed []Profile
	for _, e := range s.profiles {
		if !e.Blocked || e.pending {
			continue
		}
		e.pending = true
		claimed = append(claimed, e.export())
	}
	sortProfiles(claimed)
	return claimed
}

// Release releases a profile claimed by ClaimBlocked.
func (s *Store) Release(src netip.Addr) {
	s.release(src)
}

// BlockedCount returns the number of blocked profiles.
func (s *Store) BlockedCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()

	var n int
	for _, e := range s.profiles {
		if e.Blocked {
			n++
		}
	}
	return n
}

// Get returns the profile of the source.
func (s *Store) Get(src netip.Addr) (Profile, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	e, ok := s.profiles[src.Unmap()]
	if !ok {
		return Profile{}, false
	}
	return e.export(), true
}

// Snapshot returns all profiles ordered by source address.
func (s *Store) Snapshot() []Profile {
	s.lock.Lock()
	defer s.lock.Unlock()

	list := make([]Profile, 0, len(s.profiles))
	for _, e := range s.profiles {
		list = append(list, e.export())
	}
	sortProfiles(list)
	return list
}

// Len returns the number of profiles.
func (s *Store) Len() int {
	s.lock.Lock()
	defer s.lock.Unlock()

	return len(s.profiles)
}

// Stats summarize the store.
type Stats struct {
	TotalSources      int            `json:"total_sources"`
	HighThreatSources int            `json:"high_threat_sources"`
	BlockedSources    int            `json:"blocked_sources"`
	BlockedByKind     map[string]int `json:"blocked_by_kind"`
	AverageScore      float32        `json:"average_score"`
}

// Stats returns statistics of the store.
func (s *Store) Stats() Stats {
	s.lock.Lock()
	defer s.lock.Unlock()

	stats := Stats{
		TotalSources:  len(s.profiles),
		BlockedByKind: make(map[string]int, 3),
	}
	var sum float32
	for _, e := range s.profiles {
		sum += e.Score
		if e.Score > HighThreatScore {
			stats.HighThreatSources++
		}
		if e.Blocked {
			stats.BlockedSources++
			if e.kind != nil {
				stats.BlockedByKind[e.kind.Name()]++
			}
		}
	}
	if len(s.profiles) > 0 {
		stats.AverageScore = sum / float32(len(s.profiles))
	}
	return stats
}

func sortProfiles(list []Profile) {
	slices.SortFunc(list, func(a, b Profile) int {
		return a.Source.Compare(b.Source)
	})
}

func sortCandidates(list []Candidate) {
	slices.SortFunc(list, func(a, b Candidate) int {
		return a.Source.Compare(b.Source)
	})
}
