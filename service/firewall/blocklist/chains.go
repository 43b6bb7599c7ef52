package blocklist

import (
	"context"
	"fmt"
	"strconv"

	"github.com/hashicorp/go-multierror"
)

// Suffixes of the chains derived from the block chain.
const (
	stealthSuffix  = "-STEALTH"
	resetSuffix    = "-RST"
	lockdownSuffix = "-LOCK"
)

// ownChain is a chain of the filter table that is jumped to from the
// start of a builtin chain.
type ownChain struct {
	name   string
	parent string
	rules  [][]string
}

func (c ownChain) jump() []string {
	return []string{"-j", c.name}
}

func (cf *ChainFilter) blockChain() ownChain {
	return ownChain{name: cf.chain, parent: inputChain}
}

// stealthChains hide the host: pings and traffic to the drop ports are
// dropped inbound, resets for closed ports are dropped outbound.
func (cf *ChainFilter) stealthChains() []ownChain {
	in := ownChain{
		name:   cf.chain + stealthSuffix,
		parent: inputChain,
		rules: [][]string{
			{"-p", "icmp", "--icmp-type", "echo-request", "-m", "comment", "--comment", ruleComment, "-j", "DROP"},
		},
	}
	for _, port := range cf.stealthPorts {
		in.rules = append(in.rules, []string{
			"-p", "tcp", "--dport", strconv.Itoa(int(port)), "-m", "comment", "--comment", ruleComment, "-j", "DROP",
		})
	}

	out := ownChain{
		name:   cf.chain + resetSuffix,
		parent: outputChain,
		rules: [][]string{
			{"-p", "tcp", "--tcp-flags", "RST", "RST", "-m", "comment", "--comment", ruleComment, "-j", "DROP"},
		},
	}
	return []ownChain{in, out}
}

// lockdownChain drops all new connections except on loopback.
func (cf *ChainFilter) lockdownChain() ownChain {
	return ownChain{
		name:   cf.chain + lockdownSuffix,
		parent: inputChain,
		rules: [][]string{
			{"-i", "lo", "-j", "RETURN"},
			{"-m", "conntrack", "--ctstate", "NEW", "-m", "comment", "--comment", ruleComment, "-j", "DROP"},
		},
	}
}

func (cf *ChainFilter) chains() []ownChain {
	return append([]ownChain{cf.lockdownChain(), cf.blockChain()}, cf.stealthChains()...)
}

// installChain creates the chain with its rules, replacing existing ones,
// and jumps to it first thing in the parent chain.
func (cf *ChainFilter) installChain(c ownChain) error {
	if err := cf.tbl.ClearChain(filterTable, c.name); err != nil {
		return fmt.Errorf("failed to create chain %s: %w", c.name, err)
	}
	for _, rule := range c.rules {
		if err := cf.tbl.Append(filterTable, c.name, rule...); err != nil {
			return fmt.Errorf("failed to add rule to %s: %w", c.name, err)
		}
	}

	ok, err := cf.tbl.Exists(filterTable, c.parent, c.jump()...)
	if err != nil {
		return fmt.Errorf("failed to check jump to %s: %w", c.name, err)
	}
	if !ok {
		if err := cf.tbl.Insert(filterTable, c.parent, 1, c.jump()...); err != nil {
			return fmt.Errorf("failed to insert jump to %s: %w", c.name, err)
		}
	}
	return nil
}

// removeChain removes the jump to the chain and the chain itself.
// Parts that do not exist are skipped.
func (cf *ChainFilter) removeChain(c ownChain) error {
	var result *multierror.Error

	ok, err := cf.tbl.Exists(filterTable, c.parent, c.jump()...)
	if err != nil {
		result = multierror.Append(result, err)
	}
	if ok {
		if err := cf.tbl.Delete(filterTable, c.parent, c.jump()...); err != nil {
			result = multierror.Append(result, err)
		}
	}

	exists, err := cf.tbl.ChainExists(filterTable, c.name)
	if err != nil {
		result = multierror.Append(result, err)
	}
	if exists {
		if err := cf.tbl.ClearChain(filterTable, c.name); err != nil {
			result = multierror.Append(result, err)
		}
		if err := cf.tbl.DeleteChain(filterTable, c.name); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}

// chainActive returns whether the chain exists and is jumped to.
func (cf *ChainFilter) chainActive(c ownChain) (bool, error) {
	exists, err := cf.tbl.ChainExists(filterTable, c.name)
	if err != nil || !exists {
		return false, err
	}
	return cf.tbl.Exists(filterTable, c.parent, c.jump()...)
}

// SetLockdown implements Backend.
func (cf *ChainFilter) SetLockdown(_ context.Context, enabled bool) (changed bool, err error) {
	cf.lock.Lock()
	defer cf.lock.Unlock()

	if cf.lockdown == enabled {
		return false, nil
	}

	c := cf.lockdownChain()
	if enabled {
		err = cf.installChain(c)
		if err != nil {
			// Do not leave a half installed chain behind.
			_ = cf.removeChain(c)
		}
	} else {
		err = cf.removeChain(c)
	}
	if err != nil {
		return false, lockdownError(enabled, err)
	}

	cf.lockdown = enabled
	return true, nil
}

// Lockdown implements Backend.
func (cf *ChainFilter) Lockdown() bool {
	cf.lock.Lock()
	defer cf.lock.Unlock()

	return cf.lockdown
}
