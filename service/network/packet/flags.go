package packet

import "strings"

// TCPFlags is the set of control flags of a TCP segment.
type TCPFlags uint8

// TCP Flags.
const (
	FIN TCPFlags = 1 << iota
	SYN
	RST
	PSH
	ACK
	URG
	ECE
	CWR
)

// NoFlags is a segment without any control flags set (NULL scan).
const NoFlags TCPFlags = 0

// Xmas is the FIN|PSH|URG combination of an Xmas tree scan.
const Xmas = FIN | PSH | URG

var flagNames = []struct {
	flag TCPFlags
	name string
}{
	{FIN, "FIN"},
	{SYN, "SYN"},
	{RST, "RST"},
	{PSH, "PSH"},
	{ACK, "ACK"},
	{URG, "URG"},
	{ECE, "ECE"},
	{CWR, "CWR"},
}

// Has returns whether all of the given flags are set.
func (f TCPFlags) Has(flags TCPFlags) bool {
	return f&flags == flags
}

// Is returns whether exactly the given flags are set.
func (f TCPFlags) Is(flags TCPFlags) bool {
	return f == flags
}

// IsSYNOnly returns whether the segment opens a connection, ie. SYN is set and ACK is not.
func (f TCPFlags) IsSYNOnly() bool {
	return f.Has(SYN) && !f.Has(ACK)
}

func (f TCPFlags) String() string {
	if f == NoFlags {
		return "NULL"
	}
	names := make([]string, 0, 8)
	for _, fn := range flagNames {
		if f.Has(fn.flag) {
			names = append(names, fn.name)
		}
	}
	return strings.Join(names, "|")
}
