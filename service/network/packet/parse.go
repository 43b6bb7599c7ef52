package packet

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Parse errors.
var (
	ErrEmptyPacket = errors.New("empty packet")
	ErrNotIPv4     = errors.New("not an IPv4 packet")
	ErrNotTCP      = errors.New("not a TCP packet")
)

// ParseSegment parses a raw IPv4 packet into a TCP segment observation.
func ParseSegment(packetData []byte, ts time.Time) (Segment, error) {
	if len(packetData) == 0 {
		return Segment{}, ErrEmptyPacket
	}
	if packetData[0]>>4 != 4 {
		return Segment{}, ErrNotIPv4
	}

	parsedPacket := gopacket.NewPacket(packetData, layers.LayerTypeIPv4, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	ipv4Layer := parsedPacket.Layer(layers.LayerTypeIPv4)
	if ipv4Layer == nil {
		return Segment{}, fmt.Errorf("failed to parse IPv4 packet: %w", layerError(parsedPacket))
	}
	ipv4, _ := ipv4Layer.(*layers.IPv4)
	if ipv4.Protocol != layers.IPProtocolTCP {
		return Segment{}, ErrNotTCP
	}

	src, ok := netip.AddrFromSlice(ipv4.SrcIP)
	if !ok {
		return Segment{}, fmt.Errorf("invalid source address %v", ipv4.SrcIP)
	}

	tcpLayer := parsedPacket.Layer(layers.LayerTypeTCP)
	if tcpLayer == nil {
		return Segment{}, fmt.Errorf("could not parse TCP layer: %w", layerError(parsedPacket))
	}
	tcp, _ := tcpLayer.(*layers.TCP)

	return Segment{
		Src: src.Unmap(),
		Observation: Observation{
			Timestamp: ts,
			DstPort:   uint16(tcp.DstPort),
			Flags:     flagsOf(tcp),
		},
	}, nil
}

func flagsOf(tcp *layers.TCP) TCPFlags {
	var f TCPFlags
	if tcp.FIN {
		f |= FIN
	}
	if tcp.SYN {
		f |= SYN
	}
	if tcp.RST {
		f |= RST
	}
	if tcp.PSH {
		f |= PSH
	}
	if tcp.ACK {
		f |= ACK
	}
	if tcp.URG {
		f |= URG
	}
	if tcp.ECE {
		f |= ECE
	}
	if tcp.CWR {
		f |= CWR
	}
	return f
}

func layerError(p gopacket.Packet) error {
	if errLayer := p.ErrorLayer(); errLayer != nil {
		return errLayer.Error()
	}
	return errors.New("layer missing")
}
