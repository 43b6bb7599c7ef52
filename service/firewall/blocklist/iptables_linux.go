//go:build linux

package blocklist

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/coreos/go-iptables/iptables"
	ct "github.com/florianl/go-conntrack"

	"github.com/safing/portguard/service/config"
)

// NewIPTables returns a filter that manages the configured chains of the
// IPv4 filter table.
func NewIPTables(cfg config.Enforcement) (*ChainFilter, error) {
	tbl, err := iptables.NewWithProtocol(iptables.ProtocolIPv4)
	if err != nil {
		return nil, fmt.Errorf("iptables unavailable: %w", err)
	}

	var flush func(netip.Addr) error
	if cfg.FlushConntrack {
		flush = flushConnections
	}
	cf := newChainFilter(tbl, cfg.Chain, flush)
	cf.stealth = cfg.StealthMode
	cf.stealthPorts = cfg.StealthDropPorts
	return cf, nil
}

// RemoveChain removes all chains derived from chain and their jump rules,
// eg. after an unclean exit.
func RemoveChain(chain string) error {
	tbl, err := iptables.NewWithProtocol(iptables.ProtocolIPv4)
	if err != nil {
		return fmt.Errorf("iptables unavailable: %w", err)
	}
	return newChainFilter(tbl, chain, nil).Teardown(context.Background())
}

// BackupIPTables saves the rules of the BackupTables to a new file in dir
// and returns its path.
func BackupIPTables(dir string) (string, error) {
	tbl, err := iptables.NewWithProtocol(iptables.ProtocolIPv4)
	if err != nil {
		return "", fmt.Errorf("iptables unavailable: %w", err)
	}
	return newChainFilter(tbl, "", nil).Backup(dir, time.Now())
}

// RestoreIPTables replaces the rules of the tables in the backup file.
func RestoreIPTables(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read backup: %w", err)
	}
	tbl, err := iptables.NewWithProtocol(iptables.ProtocolIPv4)
	if err != nil {
		return fmt.Errorf("iptables unavailable: %w", err)
	}
	return restoreRules(tbl, data)
}

// flushConnections deletes all conntrack entries originating from addr.
func flushConnections(addr netip.Addr) error {
	nfct, err := ct.Open(&ct.Config{})
	if err != nil {
		return fmt.Errorf("failed to open conntrack: %w", err)
	}
	defer func() {
		_ = nfct.Close()
	}()

	sessions, err := nfct.Dump(ct.Conntrack, ct.IPv4)
	if err != nil {
		return fmt.Errorf("failed to dump conntrack: %w", err)
	}

	src := net.IP(addr.AsSlice())
	var deleteErr error
	for _, session := range sessions {
		if session.Origin == nil || session.Origin.Src == nil || !session.Origin.Src.Equal(src) {
			continue
		}
		if err := nfct.Delete(ct.Conntrack, ct.IPv4, session); err != nil && deleteErr == nil {
			deleteErr = err
		}
	}
	return deleteErr
}
