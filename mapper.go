package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventData is the discriminated payload of a submission. Type selects the
// variant and Payload holds its fields.
type EventData struct {
	Schema       string
	Type         string
	ActivityType string
	Payload      Payload
}

type eventDataJSON struct {
	Schema       string  `json:"schema,omitempty"`
	Type         string  `json:"type"`
	ActivityType string  `json:"activityType,omitempty"`
	Data         *string `json:"data,omitempty"`
	OldState     *string `json:"oldState,omitempty"`
	NewState     *string `json:"newState,omitempty"`
}

// MarshalJSON writes the variant fields next to the discriminator.
func (d EventData) MarshalJSON() ([]byte, error) {
	out := eventDataJSON{Schema: d.Schema, Type: d.Type, ActivityType: d.ActivityType}
	switch p := d.Payload.(type) {
	case ActivityPayload:
		out.Data = &p.Data
	case StateChangePayload:
		out.OldState = &p.OldState
		out.NewState = &p.NewState
	}
	return json.Marshal(out)
}

// UnmarshalJSON selects the payload variant from the type field. An absent or
// unknown type leaves Payload nil so the mapper can reject it.
func (d *EventData) UnmarshalJSON(b []byte) error {
	var in eventDataJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	*d = EventData{Schema: in.Schema, Type: in.Type, ActivityType: in.ActivityType}
	switch EventType(in.Type) {
	case EventTypeActivity:
		d.Payload = ActivityPayload{Data: deref(in.Data)}
	case EventTypeStateChange:
		d.Payload = StateChangePayload{OldState: deref(in.OldState), NewState: deref(in.NewState)}
	}
	return nil
}

// Links groups the optional references of a submission.
type Links struct {
	SystemOfRecord         string   `json:"systemOfRecord,omitempty"`
	RelatedBusinessObjects []string `json:"relatedBusinessObjects,omitempty"`
}

// AuditEventRequest is the submission accepted from clients.
type AuditEventRequest struct {
	EventData      *EventData     `json:"eventData"`
	Timestamp      *time.Time     `json:"timestamp"`
	Summary        string         `json:"summary"`
	Links          *Links         `json:"links,omitempty"`
	RequestContext RequestContext `json:"requestContext"`
}

// BusinessObjectRef is the response form of a business object.
type BusinessObjectRef struct {
	ID   uuid.UUID `json:"id"`
	Type string    `json:"type"`
}

// AuditEventResponse is the representation of a stored event returned to clients.
type AuditEventResponse struct {
	EventID        uuid.UUID         `json:"eventId"`
	BusinessObject BusinessObjectRef `json:"businessObject"`
	EventData      EventData         `json:"eventData"`
	Timestamp      time.Time         `json:"timestamp"`
	Summary        string            `json:"summary"`
	Links          Links             `json:"links"`
	RequestContext RequestContext    `json:"requestContext"`
}

// ToStoredEvent maps a submission to the stored model, dispatching on the
// event data type. The event id is left zero; the pipeline assigns it.
func ToStoredEvent(boID uuid.UUID, boType string, req AuditEventRequest) (AuditEvent, error) {
	if req.EventData == nil || req.EventData.Type == "" {
		return AuditEvent{}, NewValidationError("unrecognized value")
	}
	t, err := ParseEventType(req.EventData.Type)
	if err != nil {
		return AuditEvent{}, NewValidationError(fmt.Sprintf("unrecognized value '%s'", req.EventData.Type))
	}
	if t == EventTypeActivity {
		return ToActivityEvent(boID, boType, req)
	}
	return ToStateChangeEvent(boID, boType, req)
}

// ToActivityEvent maps a submission whose payload must be an activity.
func ToActivityEvent(boID uuid.UUID, boType string, req AuditEventRequest) (AuditEvent, error) {
	if req.EventData == nil || req.EventData.Type == "" {
		return AuditEvent{}, NewValidationError("unrecognized value")
	}
	p, ok := req.EventData.Payload.(ActivityPayload)
	if !ok || EventType(req.EventData.Type) != EventTypeActivity {
		return AuditEvent{}, NewValidationError("invalid event data type")
	}
	return baseEvent(boID, boType, req, p), nil
}

// ToStateChangeEvent maps a submission whose payload must be a state change.
func ToStateChangeEvent(boID uuid.UUID, boType string, req AuditEventRequest) (AuditEvent, error) {
	if req.EventData == nil || req.EventData.Type == "" {
		return AuditEvent{}, NewValidationError("unrecognized value")
	}
	p, ok := req.EventData.Payload.(StateChangePayload)
	if !ok || EventType(req.EventData.Type) != EventTypeStateChange {
		return AuditEvent{}, NewValidationError("invalid event data type")
	}
	return baseEvent(boID, boType, req, p), nil
}

func baseEvent(boID uuid.UUID, boType string, req AuditEventRequest, p Payload) AuditEvent {
	e := AuditEvent{
		Schema:         req.EventData.Schema,
		BusinessObject: BusinessObject{ID: boID, Type: boType},
		Summary:        req.Summary,
		RequestContext: req.RequestContext,
		ActivityType:   req.EventData.ActivityType,
		Payload:        p,
	}
	if req.Timestamp != nil {
		e.Timestamp = req.Timestamp.UTC()
	}
	if req.Links != nil {
		e.SystemOfRecord = req.Links.SystemOfRecord
		e.RelatedBusinessObjects = relatedSet(req.Links.RelatedBusinessObjects)
	}
	return e
}

// FromStoredEvent maps a stored event to its response form.
// It panics on a payload that is neither variant.
func FromStoredEvent(e AuditEvent) AuditEventResponse {
	data := EventData{Schema: e.Schema, ActivityType: e.ActivityType}
	switch p := e.Payload.(type) {
	case ActivityPayload:
		data.Type = string(EventTypeActivity)
		data.Payload = p
	case StateChangePayload:
		data.Type = string(EventTypeStateChange)
		data.Payload = p
	default:
		panic(fmt.Sprintf("audit: unrecognized stored event payload %T for event %s", e.Payload, e.EventID))
	}
	related := e.RelatedBusinessObjects
	if related == nil {
		related = []string{}
	}
	return AuditEventResponse{
		EventID:        e.EventID,
		BusinessObject: BusinessObjectRef{ID: e.BusinessObject.ID, Type: e.BusinessObject.Type},
		EventData:      data,
		Timestamp:      e.Timestamp,
		Summary:        e.Summary,
		Links:          Links{SystemOfRecord: e.SystemOfRecord, RelatedBusinessObjects: related},
		RequestContext: e.RequestContext,
	}
}

// FromStoredEvents maps a page of stored events.
func FromStoredEvents(events []AuditEvent) []AuditEventResponse {
	out := make([]AuditEventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, FromStoredEvent(e))
	}
	return out
}
