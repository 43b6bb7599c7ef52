package netutils

import "net/netip"

// IPScope is the scope of the IP address.
type IPScope int8

// Defined IP Scopes.
const (
	Invalid IPScope = iota - 1
	Undefined
	HostLocal
	LinkLocal
	SiteLocal
	Global
	LocalMulticast
	GlobalMulticast
)

func (scope IPScope) String() string {
	switch scope {
	case Invalid:
		return "invalid"
	case Undefined:
		return "undefined"
	case HostLocal:
		return "host-local"
	case LinkLocal:
		return "link-local"
	case SiteLocal:
		return "site-local"
	case Global:
		return "global"
	case LocalMulticast:
		return "local-multicast"
	case GlobalMulticast:
		return "global-multicast"
	default:
		return "unknown"
	}
}

// GetIPScope returns the network scope of the given IPv4 address.
// Documentation ranges (TEST-NET-1/2/3) are treated as global, as they are
// routinely seen in lab setups.
func GetIPScope(ip netip.Addr) IPScope {
	if !ip.IsValid() {
		return Invalid
	}
	ip = ip.Unmap()
	if !ip.Is4() {
		return Undefined
	}

	ip4 := ip.As4()
	switch {
	case ip4 == [4]byte{0, 0, 0, 0}:
		// 0.0.0.0/32
		return LocalMulticast // Used as source for L2 based protocols with no L3 addressing.
	case ip4[0] == 0:
		// 0.0.0.0/8
		return Invalid
	case ip4[0] == 10:
		// 10.0.0.0/8 (RFC1918)
		return SiteLocal
	case ip4[0] == 127:
		// 127.0.0.0/8
		return HostLocal
	case ip4[0] == 169 && ip4[1] == 254:
		// 169.254.0.0/16 (RFC3927)
		return LinkLocal
	case ip4[0] == 172 && ip4[1]&0b11110000 == 16:
		// 172.16.0.0/12 (RFC1918)
		return SiteLocal
	case ip4[0] == 192 && ip4[1] == 168:
		// 192.168.0.0/16 (RFC1918)
		return SiteLocal
	case ip4[0] == 224:
		// 224.0.0.0/8 (RFC5771)
		return LocalMulticast
	case ip4[0] >= 225 && ip4[0] <= 238:
		// 225.0.0.0/8 - 238.0.0.0/8 (RFC5771)
		return GlobalMulticast
	case ip4[0] == 239:
		// 239.0.0.0/8 (RFC2365)
		return LocalMulticast
	case ip4 == [4]byte{255, 255, 255, 255}:
		// 255.255.255.255/32
		return LocalMulticast
	case ip4[0] >= 240:
		// 240.0.0.0/8 - 255.0.0.0/8 (minus 255.255.255.255/32)
		return Invalid
	default:
		return Global
	}
}

// IsInternal returns whether the address is private (RFC1918), loopback or link-local.
// Traffic from internal addresses is never scored.
func IsInternal(ip netip.Addr) bool {
	switch GetIPScope(ip) {
	case HostLocal, LinkLocal, SiteLocal:
		return true
	default:
		return false
	}
}
