package packet

import (
	"fmt"
	"net/netip"
	"time"
)

// Observation is a single inbound TCP segment as seen by the scan detector.
type Observation struct {
	Timestamp time.Time
	DstPort   uint16
	Flags     TCPFlags
}

// Segment is an inbound TCP segment observation together with its source.
type Segment struct {
	Src netip.Addr
	Observation
}

func (s Segment) String() string {
	return fmt.Sprintf("%s -> :%d [%s]", s.Src, s.DstPort, s.Flags)
}

// Source yields inbound TCP segments.
type Source interface {
	// Name identifies the source, eg. the monitored interface.
	Name() string
	// Segments returns the channel the source delivers segments on.
	Segments() <-chan Segment
}
