package netutils

import (
	"fmt"
	"net/netip"
	"strings"
)

// Networks is a list of address ranges.
type Networks []netip.Prefix

// ParseNetworks parses a list of CIDR ranges or single addresses.
func ParseNetworks(entries []string) (Networks, error) {
	nets := make(Networks, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if !strings.Contains(entry, "/") {
			addr, err := netip.ParseAddr(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid address %q: %w", entry, err)
			}
			addr = addr.Unmap()
			nets = append(nets, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}

		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid network %q: %w", entry, err)
		}
		nets = append(nets, prefix.Masked())
	}
	return nets, nil
}

// Contains returns whether any of the networks contains the address.
func (nets Networks) Contains(ip netip.Addr) bool {
	ip = ip.Unmap()
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
