package events

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/gofrs/uuid"
)

// Type identifies what kind of anomaly or action an event describes.
type Type string

// Detection event types.
const (
	RapidPortScan      Type = "RAPID_PORT_SCAN"
	SequentialScan     Type = "SEQUENTIAL_SCAN"
	StealthScan        Type = "STEALTH_SCAN"
	ServiceEnumeration Type = "SERVICE_ENUMERATION"
	SYNFlood           Type = "SYN_FLOOD_DETECTED"
)

// Enforcement event types.
const (
	SourceBlocked       Type = "SOURCE_BLOCKED"
	SourceRateLimited   Type = "SOURCE_RATE_LIMITED"
	SourceUnblocked     Type = "SOURCE_UNBLOCKED"
	BlockRenewed        Type = "BLOCK_RENEWED"
	FilterCommandFailed Type = "FILTER_COMMAND_FAILED"
	SensitivityChanged  Type = "SENSITIVITY_CHANGED"
	LockdownEnabled     Type = "LOCKDOWN_ENABLED"
	LockdownReleased    Type = "LOCKDOWN_RELEASED"
)

// IsDetection returns whether the event type was produced by a detector.
// Only detection events raise threat scores.
func (t Type) IsDetection() bool {
	switch t {
	case RapidPortScan, SequentialScan, StealthScan, ServiceEnumeration, SYNFlood:
		return true
	default:
		return false
	}
}

// Category groups events by the kind of threat.
type Category string

// Categories.
const (
	Reconnaissance Category = "RECONNAISSANCE"
	DoSAttack      Category = "DOS_ATTACK"
	Enforcement    Category = "ENFORCEMENT"
	Operational    Category = "OPERATIONAL"
)

// Action describes what the engine did in response to an event.
type Action string

// Actions.
const (
	ActionMonitoringEnhanced  Action = "MONITORING_ENHANCED"
	ActionRateLimitingApplied Action = "RATE_LIMITING_APPLIED"
	ActionBlocked             Action = "BLOCKED"
	ActionUnblocked           Action = "UNBLOCKED"
	ActionNone                Action = "NONE"
)

// ThreatLevel rates an event.
type ThreatLevel struct {
	// Severity ranges from 1 to 10.
	Severity uint8 `json:"severity"`
	// Confidence ranges from 0 to 1.
	Confidence float32  `json:"confidence"`
	Category   Category `json:"category"`
}

// SecurityEvent is a structured record describing one detected anomaly or
// enforcement action.
type SecurityEvent struct {
	ID          string            `json:"id"`
	Timestamp   time.Time         `json:"timestamp"`
	Source      netip.Addr        `json:"source_address"`
	Type        Type              `json:"event_type"`
	ThreatLevel ThreatLevel       `json:"threat_level"`
	Details     string            `json:"details"`
	Action      Action            `json:"action_taken"`
	Attrs       map[string]string `json:"attrs,omitempty"`
}

// New returns a new security event with a fresh ID.
func New(now time.Time, src netip.Addr, eventType Type, level ThreatLevel, action Action, details string) SecurityEvent {
	return SecurityEvent{
		ID:          uuid.Must(uuid.NewV4()).String(),
		Timestamp:   now,
		Source:      src,
		Type:        eventType,
		ThreatLevel: level,
		Details:     details,
		Action:      action,
	}
}

// SetAttr sets an additional attribute on the event.
func (e *SecurityEvent) SetAttr(key, value string) {
	if e.Attrs == nil {
		e.Attrs = make(map[string]string, 4)
	}
	e.Attrs[key] = value
}

func (e SecurityEvent) String() string {
	return fmt.Sprintf(
		"%s from %s (severity=%d confidence=%.2f %s): %s [%s]",
		e.Type, e.Source, e.ThreatLevel.Severity, e.ThreatLevel.Confidence,
		e.ThreatLevel.Category, e.Details, e.Action,
	)
}

// Sink consumes security events.
type Sink interface {
	Emit(event SecurityEvent)
}

// SinkFunc is a function that implements Sink.
type SinkFunc func(event SecurityEvent)

// Emit calls the function.
func (fn SinkFunc) Emit(event SecurityEvent) {
	fn(event)
}

// Discard is a sink that drops all events.
var Discard Sink = SinkFunc(func(SecurityEvent) {})
