package portscan

import (
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/safing/portguard/service/events"
	"github.com/safing/portguard/service/network/packet"
)

// Heuristic weights.
const (
	weightRapidPortScan      float32 = 0.6
	weightSequentialScan     float32 = 0.7
	weightStealthScan        float32 = 0.9
	weightServiceEnumeration float32 = 0.5
	weightSYNFlood           float32 = 0.8
)

// Alert confidences.
const (
	scanConfidence  float32 = 0.95
	floodConfidence float32 = 0.9
)

const (
	sequentialRunLength    = 3
	serviceEnumerationMin  = 3
	floodSeverityCritical  = 50
	floodSeverityHigh      = 25
	floodSeverityBaseLevel = 6
)

// Alert is a single matching heuristic.
type Alert struct {
	Type    events.Type
	Weight  float32
	Details string
}

// Severity maps the heuristic weight onto the 1-10 event severity scale.
func (a Alert) Severity() uint8 {
	return uint8(math.Round(float64(a.Weight) * 10))
}

// PortSet is a set of ports.
type PortSet map[uint16]struct{}

// NewPortSet returns a set of the given ports.
func NewPortSet(ports []uint16) PortSet {
	set := make(PortSet, len(ports))
	for _, p := range ports {
		set[p] = struct{}{}
	}
	return set
}

// Has returns whether the port is in the set.
func (ps PortSet) Has(port uint16) bool {
	_, ok := ps[port]
	return ok
}

// Classify evaluates the scan heuristics over a window of observations of a
// single source. All matching heuristics are returned.
func Classify(window []packet.Observation, wellKnown PortSet, portThreshold int, scanWindow time.Duration) []Alert {
	if len(window) == 0 {
		return nil
	}

	var alerts []Alert
	ports := distinctPorts(window)

	if len(ports) > portThreshold {
		alerts = append(alerts, Alert{
			Type:    events.RapidPortScan,
			Weight:  weightRapidPortScan,
			Details: fmt.Sprintf("%d ports within %s", len(ports), scanWindow),
		})
	}

	if len(window) >= sequentialRunLength {
		if first, ok := sequentialRun(ports, sequentialRunLength); ok {
			alerts = append(alerts, Alert{
				Type:    events.SequentialScan,
				Weight:  weightSequentialScan,
				Details: fmt.Sprintf("consecutive ports from %d", first),
			})
		}
	}

	if flags, ok := stealthFlags(window); ok {
		alerts = append(alerts, Alert{
			Type:    events.StealthScan,
			Weight:  weightStealthScan,
			Details: fmt.Sprintf("%s probe", flags),
		})
	}

	if n := countWellKnown(ports, wellKnown); n >= serviceEnumerationMin {
		alerts = append(alerts, Alert{
			Type:    events.ServiceEnumeration,
			Weight:  weightServiceEnumeration,
			Details: fmt.Sprintf("%d well-known services probed", n),
		})
	}

	return alerts
}

// IsStealthProbe returns whether the flags match a SYN, FIN, NULL or Xmas probe.
func IsStealthProbe(flags packet.TCPFlags) bool {
	switch {
	case flags.Is(packet.SYN), flags.Is(packet.FIN), flags.Is(packet.NoFlags):
		return true
	case flags.Has(packet.Xmas):
		return true
	default:
		return false
	}
}

// SYNFloodSeverity scales the severity of a SYN flood with the SYN count.
func SYNFloodSeverity(count uint32) uint8 {
	switch {
	case count > floodSeverityCritical:
		return 10
	case count > floodSeverityHigh:
		return 8
	default:
		return floodSeverityBaseLevel
	}
}

func stealthFlags(window []packet.Observation) (packet.TCPFlags, bool) {
	for _, o := range window {
		if IsStealthProbe(o.Flags) {
			return o.Flags, true
		}
	}
	return 0, false
}

// distinctPorts returns the sorted distinct destination ports of the window.
func distinctPorts(window []packet.Observation) []uint16 {
	ports := make([]uint16, 0, len(window))
	for _, o := range window {
		ports = append(ports, o.DstPort)
	}
	slices.Sort(ports)
	return slices.Compact(ports)
}

// sequentialRun reports the first run of at least n consecutive ports in
// the sorted, distinct port list.
func sequentialRun(ports []uint16, n int) (first uint16, ok bool) {
	run := 1
	for i := 1; i < len(ports); i++ {
		if ports[i] == ports[i-1]+1 {
			run++
			if run >= n {
				return ports[i-n+1], true
			}
		} else {
			run = 1
		}
	}
	return 0, false
}

func countWellKnown(ports []uint16, wellKnown PortSet) int {
	n := 0
	for _, p := range ports {
		if wellKnown.Has(p) {
			n++
		}
	}
	return n
}
