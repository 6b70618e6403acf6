package audit

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func decodeRequest(t *testing.T, body string) AuditEventRequest {
	t.Helper()
	var req AuditEventRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		t.Fatalf("Failed to decode request: %v", err)
	}
	return req
}

func validationMessages(t *testing.T, err error) []string {
	t.Helper()
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("Expected *ValidationError, got %v", err)
	}
	return ve.Messages
}

func TestToStoredEventDispatchesOnType(t *testing.T) {
	boID := uuid.New()
	req := decodeRequest(t, `{
		"eventData": {"type": "StateChangeEventData", "activityType": "order.status", "oldState": "new", "newState": "paid"},
		"timestamp": "2024-01-01T12:00:00+02:00",
		"summary": "paid",
		"links": {"systemOfRecord": "orders", "relatedBusinessObjects": ["z", "y", "z"]},
		"requestContext": {"userId": "u-1"}
	}`)

	e, err := ToStoredEvent(boID, "order", req)
	if err != nil {
		t.Fatalf("Failed to map request: %v", err)
	}
	if e.EventID != uuid.Nil {
		t.Errorf("Expected the mapper to leave the event id unset, got %v", e.EventID)
	}
	if e.Payload != (StateChangePayload{OldState: "new", NewState: "paid"}) {
		t.Errorf("Expected old state 'new' and new state 'paid', got %#v", e.Payload)
	}
	if e.Timestamp.Location() != time.UTC || !e.Timestamp.Equal(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("Expected UTC timestamp 10:00, got %v", e.Timestamp)
	}
	if e.BusinessObject != (BusinessObject{ID: boID, Type: "order"}) {
		t.Errorf("Unexpected business object: %+v", e.BusinessObject)
	}
	if len(e.RelatedBusinessObjects) != 2 || e.RelatedBusinessObjects[0] != "y" {
		t.Errorf("Expected related objects [y z], got %v", e.RelatedBusinessObjects)
	}
	if e.SystemOfRecord != "orders" || e.RequestContext.UserID != "u-1" {
		t.Errorf("Links or request context lost: %+v", e)
	}
}

func TestToStoredEventRejectsUnrecognizedType(t *testing.T) {
	cases := map[string]string{
		`{"eventData": {"data": "x"}}`:                   "unrecognized value",
		`{"eventData": {"type": "", "data": "x"}}`:       "unrecognized value",
		`{"eventData": {"type": "Custom", "data": "x"}}`: "unrecognized value 'Custom'",
	}
	for body, want := range cases {
		_, err := ToStoredEvent(uuid.New(), "order", decodeRequest(t, body))
		msgs := validationMessages(t, err)
		if len(msgs) != 1 || msgs[0] != want {
			t.Errorf("%s: expected %q, got %v", body, want, msgs)
		}
	}
}

func TestVariantMappersRejectMismatchedPayload(t *testing.T) {
	activity := decodeRequest(t, `{"eventData": {"type": "ActivityEventData", "data": "x"}}`)
	change := decodeRequest(t, `{"eventData": {"type": "StateChangeEventData", "oldState": "a", "newState": "b"}}`)

	if _, err := ToStateChangeEvent(uuid.New(), "order", activity); validationMessages(t, err)[0] != "invalid event data type" {
		t.Errorf("Expected invalid event data type for activity into state change, got %v", err)
	}
	if _, err := ToActivityEvent(uuid.New(), "order", change); validationMessages(t, err)[0] != "invalid event data type" {
		t.Errorf("Expected invalid event data type for state change into activity, got %v", err)
	}
}

func TestFromStoredEvent(t *testing.T) {
	e := NewActivityEvent(testObject(), baseTime, "viewed", "order.viewed", "d")
	e.EventID = uuid.New()

	resp := FromStoredEvent(e)
	if resp.EventData.Type != string(EventTypeActivity) || resp.EventData.Payload != e.Payload {
		t.Errorf("Unexpected event data: %+v", resp.EventData)
	}
	if resp.Links.RelatedBusinessObjects == nil {
		t.Error("Expected an empty, non-nil related objects list")
	}

	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("Failed to marshal response: %v", err)
	}
	var back AuditEventResponse
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if back.EventData.Payload != e.Payload || back.EventID != e.EventID {
		t.Errorf("Response did not survive JSON: %+v", back)
	}
}

func TestFromStoredEventPanicsOnUnknownPayload(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected a panic for an event without a known payload")
		}
	}()
	FromStoredEvent(AuditEvent{EventID: uuid.New()})
}
