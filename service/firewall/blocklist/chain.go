package blocklist

import (
	"context"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/safing/portguard/base/log"
)

const (
	filterTable = "filter"
	inputChain  = "INPUT"
	outputChain = "OUTPUT"
	ruleComment = "portguard"
)

// table is the subset of iptables operations used by ChainFilter.
type table interface {
	Exists(table, chain string, rulespec ...string) (bool, error)
	Insert(table, chain string, pos int, rulespec ...string) error
	Append(table, chain string, rulespec ...string) error
	Delete(table, chain string, rulespec ...string) error
	List(table, chain string) ([]string, error)
	ListChains(table string) ([]string, error)
	ClearChain(table, chain string) error
	DeleteChain(table, chain string) error
	ChainExists(table, chain string) (bool, error)
	ChangePolicy(table, chain, target string) error
}

// ChainFilter enforces blocks and rate limits with rules in a dedicated
// iptables chain that is jumped to from INPUT.
type ChainFilter struct {
	tbl   table
	chain string

	// flush removes tracked connections of a newly blocked source.
	flush func(addr netip.Addr) error

	stealth      bool
	stealthPorts []uint16

	lock     sync.Mutex
	records  map[netip.Addr]Record
	rules    map[netip.Addr][][]string
	lockdown bool

	now func() time.Time
}

var _ Backend = &ChainFilter{}

func newChainFilter(tbl table, chain string, flush func(netip.Addr) error) *ChainFilter {
	return &ChainFilter{
		tbl:     tbl,
		chain:   chain,
		flush:   flush,
		records: make(map[netip.Addr]Record),
		rules:   make(map[netip.Addr][][]string),
		now:     time.Now,
	}
}

// Setup creates an empty block chain and inserts the jump from INPUT.
// The stealth chains are installed or removed as configured. A lockdown
// left by a previous run stays in place.
func (cf *ChainFilter) Setup(_ context.Context) error {
	cf.lock.Lock()
	defer cf.lock.Unlock()

	if err := cf.installChain(cf.blockChain()); err != nil {
		return err
	}

	for _, c := range cf.stealthChains() {
		var err error
		if cf.stealth {
			err = cf.installChain(c)
		} else {
			err = cf.removeChain(c)
		}
		if err != nil {
			return err
		}
	}

	active, err := cf.chainActive(cf.lockdownChain())
	if err != nil {
		return err
	}
	if active {
		log.Warning("blocklist: lockdown of a previous run is still active")
	}
	cf.lockdown = active
	return nil
}

// Teardown removes all chains and their jump rules.
// Any errors encountered accumulated into a *multierror.Error.
func (cf *ChainFilter) Teardown(_ context.Context) error {
	cf.lock.Lock()
	defer cf.lock.Unlock()

	var result *multierror.Error
	for _, c := range cf.chains() {
		if err := cf.removeChain(c); err != nil {
			result = multierror.Append(result, err)
		}
	}

	clear(cf.records)
	clear(cf.rules)
	cf.lockdown = false
	return result.ErrorOrNil()
}

func sourceSpec(addr netip.Addr) []string {
	return []string{"-s", netip.PrefixFrom(addr, addr.BitLen()).String()}
}

func blockRules(addr netip.Addr) [][]string {
	rule := sourceSpec(addr)
	rule = append(rule, "-m", "comment", "--comment", ruleComment, "-j", "DROP")
	return [][]string{rule}
}

// recentListName returns the name of the xt_recent list of the address.
func recentListName(addr netip.Addr) string {
	return "PG-" + strings.ReplaceAll(addr.String(), ".", "-")
}

func rateLimitRules(addr netip.Addr, maxConnections int, window time.Duration) [][]string {
	name := recentListName(addr)
	seconds := strconv.Itoa(int(window.Round(time.Second) / time.Second))

	set := sourceSpec(addr)
	set = append(set,
		"-p", "tcp", "-m", "conntrack", "--ctstate", "NEW",
		"-m", "recent", "--set", "--name", name,
		"-m", "comment", "--comment", ruleComment,
	)
	check := sourceSpec(addr)
	check = append(check,
		"-p", "tcp", "-m", "conntrack", "--ctstate", "NEW",
		"-m", "recent", "--rcheck", "--seconds", seconds, "--hitcount", strconv.Itoa(maxConnections+1), "--name", name,
		"-m", "comment", "--comment", ruleComment,
		"-j", "DROP",
	)
	return [][]string{set, check}
}

// Block implements Filter.
func (cf *ChainFilter) Block(_ context.Context, addr netip.Addr, expiry time.Duration) error {
	cf.lock.Lock()
	defer cf.lock.Unlock()

	kind := KindForBlock(expiry)
	if err := cf.install(addr, kind, blockRules(addr)); err != nil {
		return commandError(ActionBlock, addr, err)
	}

	// Established connections would otherwise survive the block.
	// The block itself is in place, so a failed flush is not a failed command.
	if cf.flush != nil {
		if err := cf.flush(addr); err != nil {
			log.Warningf("blocklist: blocked %s, but failed to flush its connections: %s", addr, err)
		}
	}
	return nil
}

// RateLimit implements Filter.
func (cf *ChainFilter) RateLimit(_ context.Context, addr netip.Addr, maxConnections int, window time.Duration) error {
	cf.lock.Lock()
	defer cf.lock.Unlock()

	kind := RateLimited{Limit: maxConnections, Window: window}
	return commandError(ActionRateLimit, addr, cf.install(addr, kind, rateLimitRules(addr, maxConnections, window)))
}

// Unblock implements Filter.
func (cf *ChainFilter) Unblock(_ context.Context, addr netip.Addr) error {
	cf.lock.Lock()
	defer cf.lock.Unlock()

	return commandError(ActionUnblock, addr, cf.remove(addr))
}

// install replaces any rules of the address with the given ones.
func (cf *ChainFilter) install(addr netip.Addr, kind Kind, rules [][]string) error {
	if err := cf.remove(addr); err != nil {
		return err
	}

	for i, rule := range rules {
		if err := cf.tbl.Append(filterTable, cf.chain, rule...); err != nil {
			// Roll back the rules installed so far.
			for _, installed := range rules[:i] {
				_ = cf.tbl.Delete(filterTable, cf.chain, installed...)
			}
			return err
		}
	}

	cf.rules[addr] = rules
	cf.records[addr] = newRecord(addr, kind, cf.now())
	return nil
}

// remove deletes all rules of the address. Rules that are already gone are skipped.
func (cf *ChainFilter) remove(addr netip.Addr) error {
	// Setup starts with an empty chain, so unknown addresses have no rules.
	rules, ok := cf.rules[addr]
	if !ok {
		return nil
	}

	var result *multierror.Error
	for _, rule := range rules {
		exists, err := cf.tbl.Exists(filterTable, cf.chain, rule...)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if exists {
			if err := cf.tbl.Delete(filterTable, cf.chain, rule...); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return err
	}

	delete(cf.rules, addr)
	delete(cf.records, addr)
	return nil
}

// Active implements Filter.
func (cf *ChainFilter) Active(addr netip.Addr) (Record, bool) {
	cf.lock.Lock()
	defer cf.lock.Unlock()

	r, ok := cf.records[addr]
	if !ok || r.Expired(cf.now()) {
		return Record{}, false
	}
	return r, true
}

// Records implements Backend.
func (cf *ChainFilter) Records() []Record {
	cf.lock.Lock()
	defer cf.lock.Unlock()

	return sortedRecords(cf.records)
}

// Expire removes the rules of all temporary blocks that expired.
func (cf *ChainFilter) Expire(_ context.Context, now time.Time) ([]netip.Addr, error) {
	cf.lock.Lock()
	defer cf.lock.Unlock()

	var (
		expired []netip.Addr
		result  *multierror.Error
	)
	for addr, r := range cf.records {
		if !r.Expired(now) {
			continue
		}
		if err := cf.remove(addr); err != nil {
			result = multierror.Append(result, commandError(ActionUnblock, addr, err))
			continue
		}
		expired = append(expired, addr)
	}
	return expired, result.ErrorOrNil()
}
