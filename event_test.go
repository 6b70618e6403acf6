package audit

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestEventJSONRoundTrip(t *testing.T) {
	bo := testObject()
	activity := NewActivityEvent(bo, baseTime, "viewed", "order.viewed", `{"page":2}`)
	change := NewStateChangeEvent(bo, baseTime, "paid", "order.status", "new", "paid")

	for _, e := range []AuditEvent{activity, change} {
		e.EventID = uuid.New()
		e.RelatedBusinessObjects = []string{"x"}
		e.RequestContext.UserID = "u-1"

		b, err := json.Marshal(e)
		if err != nil {
			t.Fatalf("Failed to marshal %s: %v", e.Type(), err)
		}
		var got AuditEvent
		if err := json.Unmarshal(b, &got); err != nil {
			t.Fatalf("Failed to unmarshal %s: %v", e.Type(), err)
		}
		if got.Type() != e.Type() || got.Payload != e.Payload {
			t.Errorf("Payload mismatch after round trip: %#v vs %#v", got.Payload, e.Payload)
		}
		if got.EventID != e.EventID || got.BusinessObject != e.BusinessObject || !got.Timestamp.Equal(e.Timestamp) {
			t.Errorf("Identity mismatch after round trip: %+v", got)
		}
		if got.RequestContext != e.RequestContext {
			t.Errorf("Request context mismatch: %+v", got.RequestContext)
		}
	}
}

func TestEventJSONCarriesOnlyItsVariantFields(t *testing.T) {
	e := NewActivityEvent(testObject(), baseTime, "viewed", "order.viewed", "d")
	b, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}
	s := string(b)
	if !strings.Contains(s, `"type":"ActivityEventData"`) || !strings.Contains(s, `"data":"d"`) {
		t.Errorf("Expected activity discriminator and data, got %s", s)
	}
	if strings.Contains(s, "oldState") || strings.Contains(s, "newState") {
		t.Errorf("Activity event must not carry state change fields: %s", s)
	}
}

func TestEventJSONRejectsUnknownType(t *testing.T) {
	payload := `{"eventId":"` + uuid.NewString() + `","type":"LoginEventData","businessObjectId":"` +
		uuid.NewString() + `","businessObjectType":"user","timestamp":"2024-01-01T00:00:00Z"}`
	var e AuditEvent
	err := json.Unmarshal([]byte(payload), &e)
	if !errors.Is(err, ErrUnknownEventType) {
		t.Fatalf("Expected ErrUnknownEventType, got %v", err)
	}

	if _, err := json.Marshal(AuditEvent{EventID: uuid.New()}); err == nil {
		t.Error("Expected an error marshalling an event without a payload")
	}
}

func TestRelatedSet(t *testing.T) {
	got := relatedSet([]string{" b", "a", "b ", "", "a"})
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Expected [a b], got %v", got)
	}
	if relatedSet([]string{"  "}) != nil {
		t.Error("Expected nil for a blank-only set")
	}
}

func TestParseEventType(t *testing.T) {
	if et, err := ParseEventType("StateChangeEventData"); err != nil || et != EventTypeStateChange {
		t.Errorf("Expected StateChangeEventData, got %q, %v", et, err)
	}
	for _, s := range []string{"", "activity", "ACTIVITYEVENTDATA"} {
		if _, err := ParseEventType(s); !errors.Is(err, ErrUnknownEventType) {
			t.Errorf("ParseEventType(%q): expected ErrUnknownEventType, got %v", s, err)
		}
	}
}
