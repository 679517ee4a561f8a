// Package audit defines the append-only security audit trail written by the
// admission pipeline.
package audit

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/carebridge/gatekeeper/pkg/domain/shared"
)

// EventType identifies what the pipeline decided or observed.
type EventType string

const (
	EventRequestDenied        EventType = "request_denied"
	EventRequestThrottled     EventType = "request_throttled"
	EventRequestBlocked       EventType = "request_blocked"
	EventThreatDetected       EventType = "threat_detected"
	EventIdentityBlacklisted  EventType = "identity_blacklisted"
	EventBlacklistUnavailable EventType = "blacklist_unavailable"
	EventLimitTightened       EventType = "limit_tightened"
)

// IsValid checks if the event type is known.
func (t EventType) IsValid() bool {
	switch t {
	case EventRequestDenied, EventRequestThrottled, EventRequestBlocked,
		EventThreatDetected, EventIdentityBlacklisted, EventBlacklistUnavailable,
		EventLimitTightened:
		return true
	default:
		return false
	}
}

// Severity of an audit event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// IsValid checks if the severity is known.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityInfo, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	default:
		return false
	}
}

// Event is a write-once audit record. Fields are only set through NewEvent
// and the With* builders before the event is handed to a Logger.
type Event struct {
	id          shared.ID
	eventType   EventType
	severity    Severity
	description string
	sourceIP    string
	userID      string
	requestID   string
	details     map[string]any
	timestamp   time.Time
}

// NewEvent creates a new audit event stamped with the current time.
func NewEvent(eventType EventType, severity Severity, description string) (*Event, error) {
	if !eventType.IsValid() {
		return nil, fmt.Errorf("%w: invalid event type %q", shared.ErrValidation, eventType)
	}
	if !severity.IsValid() {
		return nil, fmt.Errorf("%w: invalid severity %q", shared.ErrValidation, severity)
	}
	return &Event{
		id:          shared.NewID(),
		eventType:   eventType,
		severity:    severity,
		description: description,
		details:     make(map[string]any),
		timestamp:   time.Now().UTC(),
	}, nil
}

// Reconstitute rebuilds an event from persistence.
func Reconstitute(
	id shared.ID,
	eventType EventType,
	severity Severity,
	description string,
	sourceIP string,
	userID string,
	requestID string,
	details map[string]any,
	timestamp time.Time,
) *Event {
	if details == nil {
		details = make(map[string]any)
	}
	return &Event{
		id:          id,
		eventType:   eventType,
		severity:    severity,
		description: description,
		sourceIP:    sourceIP,
		userID:      userID,
		requestID:   requestID,
		details:     details,
		timestamp:   timestamp,
	}
}

// WithSource sets the client IP and optional user ID.
func (e *Event) WithSource(sourceIP, userID string) *Event {
	e.sourceIP = sourceIP
	e.userID = userID
	return e
}

// WithRequestID sets the tracing request ID.
func (e *Event) WithRequestID(requestID string) *Event {
	e.requestID = requestID
	return e
}

// WithDetail adds a single detail value.
func (e *Event) WithDetail(key string, value any) *Event {
	e.details[key] = value
	return e
}

// WithDetails merges details into the event.
func (e *Event) WithDetails(details map[string]any) *Event {
	maps.Copy(e.details, details)
	return e
}

// WithTimestamp overrides the event time.
func (e *Event) WithTimestamp(t time.Time) *Event {
	e.timestamp = t.UTC()
	return e
}

func (e *Event) ID() shared.ID           { return e.id }
func (e *Event) Type() EventType         { return e.eventType }
func (e *Event) Severity() Severity      { return e.severity }
func (e *Event) Description() string     { return e.description }
func (e *Event) SourceIP() string        { return e.sourceIP }
func (e *Event) UserID() string          { return e.userID }
func (e *Event) RequestID() string       { return e.requestID }
func (e *Event) Timestamp() time.Time    { return e.timestamp }
func (e *Event) Details() map[string]any { return maps.Clone(e.details) }

// Record is the serialized form used by log and archive sinks.
type Record struct {
	ID          string         `json:"id"`
	EventType   EventType      `json:"event_type"`
	Severity    Severity       `json:"severity"`
	Description string         `json:"description"`
	SourceIP    string         `json:"source_ip,omitempty"`
	UserID      string         `json:"user_id,omitempty"`
	RequestID   string         `json:"request_id,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// ToRecord converts the event to its serialized form.
func (e *Event) ToRecord() Record {
	return Record{
		ID:          e.id.String(),
		EventType:   e.eventType,
		Severity:    e.severity,
		Description: e.description,
		SourceIP:    e.sourceIP,
		UserID:      e.userID,
		RequestID:   e.requestID,
		Details:     e.Details(),
		Timestamp:   e.timestamp,
	}
}

// MarshalJSON implements json.Marshaler.
func (e *Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.ToRecord())
}
