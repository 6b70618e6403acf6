package audit

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType discriminates the payload variant of an AuditEvent.
// The string values are the discriminator values used on the wire.
type EventType string

const (
	// EventTypeActivity marks an event describing an action taken on a business object.
	EventTypeActivity EventType = "ActivityEventData"
	// EventTypeStateChange marks an event describing a transition between two states.
	EventTypeStateChange EventType = "StateChangeEventData"
)

// ParseEventType maps a discriminator value to an EventType.
// The empty string and any value other than the two known variants yield
// ErrUnknownEventType.
func ParseEventType(s string) (EventType, error) {
	switch EventType(s) {
	case EventTypeActivity:
		return EventTypeActivity, nil
	case EventTypeStateChange:
		return EventTypeStateChange, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEventType, s)
}

// Payload is the variant-specific part of an AuditEvent. It is sealed: only
// ActivityPayload and StateChangePayload implement it, which keeps the event's
// type and its payload shape from ever disagreeing.
type Payload interface {
	Type() EventType
	isPayload()
}

// ActivityPayload carries the opaque data of an activity event.
type ActivityPayload struct {
	Data string
}

// Type implements Payload.
func (ActivityPayload) Type() EventType { return EventTypeActivity }
func (ActivityPayload) isPayload()      {}

// StateChangePayload carries the before and after states of a state change.
type StateChangePayload struct {
	OldState string
	NewState string
}

// Type implements Payload.
func (StateChangePayload) Type() EventType { return EventTypeStateChange }
func (StateChangePayload) isPayload()      {}

// BusinessObject identifies the subject an event is about. Together the two
// fields form the partition key for every query.
type BusinessObject struct {
	ID   uuid.UUID
	Type string
}

// RequestContext holds optional correlation identifiers captured when the
// event was submitted.
type RequestContext struct {
	UserID       string `json:"userId,omitempty" bson:"userId,omitempty"`
	TenantID     string `json:"tenantId,omitempty" bson:"tenantId,omitempty"`
	OriginatorID string `json:"originatorId,omitempty" bson:"originatorId,omitempty"`
	RequestID    string `json:"requestId,omitempty" bson:"requestId,omitempty"`
	TraceID      string `json:"traceId,omitempty" bson:"traceId,omitempty"`
	SpanID       string `json:"spanId,omitempty" bson:"spanId,omitempty"`
}

// AuditEvent is an immutable record of something that happened to a business
// object. Events are append-only: once persisted they are never updated.
type AuditEvent struct {
	EventID                uuid.UUID
	Schema                 string
	BusinessObject         BusinessObject
	Timestamp              time.Time
	Summary                string
	SystemOfRecord         string
	RelatedBusinessObjects []string
	RequestContext         RequestContext
	ActivityType           string
	Payload                Payload
}

// Type returns the variant discriminator, derived from the payload.
func (e AuditEvent) Type() EventType {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Type()
}

// NewActivityEvent builds an activity event for the given business object.
func NewActivityEvent(bo BusinessObject, ts time.Time, summary, activityType, data string) AuditEvent {
	return AuditEvent{
		BusinessObject: bo,
		Timestamp:      ts,
		Summary:        summary,
		ActivityType:   activityType,
		Payload:        ActivityPayload{Data: data},
	}
}

// NewStateChangeEvent builds a state change event for the given business object.
func NewStateChangeEvent(bo BusinessObject, ts time.Time, summary, activityType, oldState, newState string) AuditEvent {
	return AuditEvent{
		BusinessObject: bo,
		Timestamp:      ts,
		Summary:        summary,
		ActivityType:   activityType,
		Payload:        StateChangePayload{OldState: oldState, NewState: newState},
	}
}

// relatedSet trims, de-duplicates and sorts related business object
// references. The result is nil for an empty set.
func relatedSet(refs []string) []string {
	if len(refs) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(refs))
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}

// wireEvent is the flat transport form of an AuditEvent. Variant fields are
// present only for their own variant.
type wireEvent struct {
	EventID                uuid.UUID      `json:"eventId"`
	Schema                 string         `json:"schema,omitempty"`
	Type                   EventType      `json:"type"`
	BusinessObjectID       uuid.UUID      `json:"businessObjectId"`
	BusinessObjectType     string         `json:"businessObjectType"`
	Timestamp              time.Time      `json:"timestamp"`
	Summary                string         `json:"summary,omitempty"`
	SystemOfRecord         string         `json:"systemOfRecord,omitempty"`
	RelatedBusinessObjects []string       `json:"relatedBusinessObjects,omitempty"`
	RequestContext         RequestContext `json:"requestContext"`
	ActivityType           string         `json:"activityType,omitempty"`
	Data                   *string        `json:"data,omitempty"`
	OldState               *string        `json:"oldState,omitempty"`
	NewState               *string        `json:"newState,omitempty"`
}

// MarshalJSON encodes the event in its flat, type-discriminated form.
func (e AuditEvent) MarshalJSON() ([]byte, error) {
	w := wireEvent{
		EventID:                e.EventID,
		Schema:                 e.Schema,
		BusinessObjectID:       e.BusinessObject.ID,
		BusinessObjectType:     e.BusinessObject.Type,
		Timestamp:              e.Timestamp,
		Summary:                e.Summary,
		SystemOfRecord:         e.SystemOfRecord,
		RelatedBusinessObjects: e.RelatedBusinessObjects,
		RequestContext:         e.RequestContext,
		ActivityType:           e.ActivityType,
	}
	switch p := e.Payload.(type) {
	case ActivityPayload:
		w.Type = EventTypeActivity
		w.Data = &p.Data
	case StateChangePayload:
		w.Type = EventTypeStateChange
		w.OldState = &p.OldState
		w.NewState = &p.NewState
	default:
		return nil, fmt.Errorf("%w: payload %T", ErrUnknownEventType, e.Payload)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the flat form, rebuilding the payload from the
// discriminator. An unknown discriminator is an error.
func (e *AuditEvent) UnmarshalJSON(b []byte) error {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	t, err := ParseEventType(string(w.Type))
	if err != nil {
		return err
	}
	*e = AuditEvent{
		EventID:                w.EventID,
		Schema:                 w.Schema,
		BusinessObject:         BusinessObject{ID: w.BusinessObjectID, Type: w.BusinessObjectType},
		Timestamp:              w.Timestamp,
		Summary:                w.Summary,
		SystemOfRecord:         w.SystemOfRecord,
		RelatedBusinessObjects: relatedSet(w.RelatedBusinessObjects),
		RequestContext:         w.RequestContext,
		ActivityType:           w.ActivityType,
	}
	switch t {
	case EventTypeActivity:
		e.Payload = ActivityPayload{Data: deref(w.Data)}
	case EventTypeStateChange:
		e.Payload = StateChangePayload{OldState: deref(w.OldState), NewState: deref(w.NewState)}
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
