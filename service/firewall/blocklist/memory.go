package blocklist

import (
	"context"
	"net/netip"
	"slices"
	"sync"
	"time"
)

// Command is a filter command received by a Memory filter.
type Command struct {
	Action string
	Addr   netip.Addr
	Kind   Kind
}

// Memory is a packet filter that only keeps records in memory.
// It is used for dry runs and does not touch the system firewall.
type Memory struct {
	lock     sync.Mutex
	records  map[netip.Addr]Record
	commands []Command
	failures map[string][]error
	lockdown bool

	now func() time.Time
}

var _ Backend = &Memory{}

// NewMemory returns a new in-memory filter.
func NewMemory() *Memory {
	return &Memory{
		records:  make(map[netip.Addr]Record),
		failures: make(map[string][]error),
		now:      time.Now,
	}
}

// SetClock replaces the clock used for installing and expiring records.
func (m *Memory) SetClock(now func() time.Time) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.now = now
}

// FailNext makes the next command of the given action fail with err.
func (m *Memory) FailNext(action string, err error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.failures[action] = append(m.failures[action], err)
}

// Commands returns all received commands, including failed ones.
func (m *Memory) Commands() []Command {
	m.lock.Lock()
	defer m.lock.Unlock()

	return slices.Clone(m.commands)
}

func (m *Memory) command(action string, addr netip.Addr, kind Kind) error {
	m.commands = append(m.commands, Command{Action: action, Addr: addr, Kind: kind})

	if queued := m.failures[action]; len(queued) > 0 {
		m.failures[action] = queued[1:]
		return commandError(action, addr, queued[0])
	}
	return nil
}

// Setup implements Backend.
func (m *Memory) Setup(_ context.Context) error { return nil }

// Teardown implements Backend.
func (m *Memory) Teardown(_ context.Context) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	clear(m.records)
	m.lockdown = false
	return nil
}

// SetLockdown implements Backend.
func (m *Memory) SetLockdown(_ context.Context, enabled bool) (changed bool, err error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.lockdown == enabled {
		return false, nil
	}

	action := ActionLockdown
	if !enabled {
		action = ActionReleaseLockdown
	}
	m.commands = append(m.commands, Command{Action: action})
	if queued := m.failures[action]; len(queued) > 0 {
		m.failures[action] = queued[1:]
		return false, lockdownError(enabled, queued[0])
	}

	m.lockdown = enabled
	return true, nil
}

// Lockdown implements Backend.
func (m *Memory) Lockdown() bool {
	m.lock.Lock()
	defer m.lock.Unlock()

	return m.lockdown
}

// Block implements Filter.
func (m *Memory) Block(_ context.Context, addr netip.Addr, expiry time.Duration) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	kind := KindForBlock(expiry)
	if err := m.command(ActionBlock, addr, kind); err != nil {
		return err
	}
	m.records[addr] = newRecord(addr, kind, m.now())
	return nil
}

// RateLimit implements Filter.
func (m *Memory) RateLimit(_ context.Context, addr netip.Addr, maxConnections int, window time.Duration) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	kind := RateLimited{Limit: maxConnections, Window: window}
	if err := m.command(ActionRateLimit, addr, kind); err != nil {
		return err
	}
	m.records[addr] = newRecord(addr, kind, m.now())
	return nil
}

// Unblock implements Filter.
func (m *Memory) Unblock(_ context.Context, addr netip.Addr) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if err := m.command(ActionUnblock, addr, nil); err != nil {
		return err
	}
	delete(m.records, addr)
	return nil
}

// Active implements Filter.
func (m *Memory) Active(addr netip.Addr) (Record, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()

	r, ok := m.records[addr]
	if !ok || r.Expired(m.now()) {
		return Record{}, false
	}
	return r, true
}

// Records implements Backend.
func (m *Memory) Records() []Record {
	m.lock.Lock()
	defer m.lock.Unlock()

	return sortedRecords(m.records)
}

// Expire implements Backend.
func (m *Memory) Expire(_ context.Context, now time.Time) ([]netip.Addr, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	var expired []netip.Addr
	for addr, r := range m.records {
		if r.Expired(now) {
			delete(m.records, addr)
			expired = append(expired, addr)
		}
	}
	return expired, nil
}

func sortedRecords(records map[netip.Addr]Record) []Record {
	list := make([]Record, 0, len(records))
	for _, r := range records {
		list = append(list, r)
	}
	slices.SortFunc(list, func(a, b Record) int {
		return a.Addr.Compare(b.Addr)
	})
	return list
}
