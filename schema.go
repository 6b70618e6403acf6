package audit

import (
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"
)

// Column limits of the stored event shape.
const (
	MaxBusinessObjectTypeLen = 64
	MaxActivityTypeLen       = 255
	MaxSummaryLen            = 1024
)

// ValidateRequest checks a submission before it is mapped.
// All violations are collected into a single ValidationError so that clients
// see every problem at once. The event data discriminator itself is checked by
// the mapper.
//
// Checks performed:
//   - businessObjectType is present and fits its column
//   - timestamp and summary are present
//   - eventData is present
//   - schema, when set, is an absolute URI
func ValidateRequest(boType string, req AuditEventRequest) error {
	var msgs []string
	if strings.TrimSpace(boType) == "" {
		msgs = append(msgs, "businessObjectType must not be blank")
	} else if utf8.RuneCountInString(boType) > MaxBusinessObjectTypeLen {
		msgs = append(msgs, fmt.Sprintf("businessObjectType must be at most %d characters", MaxBusinessObjectTypeLen))
	}
	if req.Timestamp == nil || req.Timestamp.IsZero() {
		msgs = append(msgs, "timestamp must not be null")
	}
	if strings.TrimSpace(req.Summary) == "" {
		msgs = append(msgs, "summary must not be blank")
	} else if utf8.RuneCountInString(req.Summary) > MaxSummaryLen {
		msgs = append(msgs, fmt.Sprintf("summary must be at most %d characters", MaxSummaryLen))
	}
	if req.EventData == nil {
		msgs = append(msgs, "eventData must not be null")
	} else {
		if utf8.RuneCountInString(req.EventData.ActivityType) > MaxActivityTypeLen {
			msgs = append(msgs, fmt.Sprintf("eventData.activityType must be at most %d characters", MaxActivityTypeLen))
		}
		if s := req.EventData.Schema; s != "" {
			if u, err := url.Parse(s); err != nil || !u.IsAbs() {
				msgs = append(msgs, fmt.Sprintf("eventData.schema '%s' is not an absolute URI", s))
			}
		}
	}
	if len(msgs) > 0 {
		return NewValidationError(msgs...)
	}
	return nil
}
