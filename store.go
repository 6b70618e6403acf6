package audit

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RecordStore is the durable home of audit events. Implementations must
// tolerate concurrent inserts for the same business object.
type RecordStore interface {
	// InsertIfAbsent writes e keyed on its event id. A second write of the
	// same id is a no-op reported as AlreadyExists, never as an error.
	InsertIfAbsent(ctx context.Context, e AuditEvent) (InsertResult, error)
	// FindPage returns one page of the events matching q together with the
	// size of the whole filtered set.
	FindPage(ctx context.Context, q PageQuery) ([]AuditEvent, int64, error)
}

// SortDirection orders a page scan.
type SortDirection string

const (
	SortAsc  SortDirection = "ASC"
	SortDesc SortDirection = "DESC"
)

// ParseSortDirection accepts "asc" or "desc" in any case.
func ParseSortDirection(s string) (SortDirection, error) {
	switch strings.ToLower(s) {
	case "asc":
		return SortAsc, nil
	case "desc":
		return SortDesc, nil
	}
	return "", NewValidationError(fmt.Sprintf(
		"Invalid value '%s' for orders given; Has to be either 'desc' or 'asc' (case insensitive)", s))
}

// SortField names an event attribute a page may be ordered by.
type SortField string

const (
	SortByTimestamp      SortField = "timestamp"
	SortByEventID        SortField = "eventId"
	SortBySummary        SortField = "summary"
	SortByActivityType   SortField = "activityType"
	SortByType           SortField = "type"
	SortBySystemOfRecord SortField = "systemOfRecord"
)

var sortFields = map[SortField]struct {
	column string // relational column
	doc    string // document field
}{
	SortByTimestamp:      {"event_timestamp", "timestamp"},
	SortByEventID:        {"event_id", "_id"},
	SortBySummary:        {"summary", "summary"},
	SortByActivityType:   {"activity_type", "activityType"},
	SortByType:           {"event_type", "type"},
	SortBySystemOfRecord: {"system_of_record", "systemOfRecord"},
}

// ParseSortField validates a client supplied sort attribute.
func ParseSortField(s string) (SortField, error) {
	f := SortField(s)
	if _, ok := sortFields[f]; !ok {
		return "", NewValidationError(fmt.Sprintf("No property '%s' found for type 'AuditEvent'", s))
	}
	return f, nil
}

// PageQuery is the bounded scan handed to a RecordStore.
type PageQuery struct {
	BusinessObjectType string
	BusinessObjectID   uuid.UUID
	Start              *time.Time // inclusive
	End                *time.Time // exclusive
	SortBy             SortField
	Direction          SortDirection
	PageNumber         int
	PageSize           int
}

// Offset is the number of filtered rows preceding the page.
func (q PageQuery) Offset() int64 { return pageOffset(q.PageNumber, q.PageSize) }

// pageOffset is pageNumber*pageSize, saturating at math.MaxInt64 so that a
// page far past the end stays past the end.
func pageOffset(pageNumber, pageSize int) int64 {
	if pageNumber <= 0 || pageSize <= 0 {
		return 0
	}
	if int64(pageNumber) > math.MaxInt64/int64(pageSize) {
		return math.MaxInt64
	}
	return int64(pageNumber) * int64(pageSize)
}

// CondOp is a comparison in a boundary condition.
type CondOp int

const (
	OpEq CondOp = iota
	OpGte
	OpLt
)

// Condition is one predicate of a boundary condition. Field uses the
// SortField vocabulary plus the partition key fields.
type Condition struct {
	Field string
	Op    CondOp
	Value any
}

const (
	fieldBusinessObjectType = "businessObjectType"
	fieldBusinessObjectID   = "businessObjectId"
)

// Conditions returns the conjunction of predicates selecting q's rows:
// partition key equality plus the optional time window.
func (q PageQuery) Conditions() []Condition {
	conds := []Condition{
		{Field: fieldBusinessObjectType, Op: OpEq, Value: q.BusinessObjectType},
		{Field: fieldBusinessObjectID, Op: OpEq, Value: q.BusinessObjectID},
	}
	if q.Start != nil {
		conds = append(conds, Condition{Field: string(SortByTimestamp), Op: OpGte, Value: q.Start.UTC()})
	}
	if q.End != nil {
		conds = append(conds, Condition{Field: string(SortByTimestamp), Op: OpLt, Value: q.End.UTC()})
	}
	return conds
}

// matches evaluates the conditions against e in memory.
func matches(e AuditEvent, conds []Condition) bool {
	for _, c := range conds {
		switch c.Field {
		case fieldBusinessObjectType:
			if e.BusinessObject.Type != c.Value.(string) {
				return false
			}
		case fieldBusinessObjectID:
			if e.BusinessObject.ID != c.Value.(uuid.UUID) {
				return false
			}
		case string(SortByTimestamp):
			t := c.Value.(time.Time)
			if c.Op == OpGte && e.Timestamp.Before(t) {
				return false
			}
			if c.Op == OpLt && !e.Timestamp.Before(t) {
				return false
			}
		}
	}
	return true
}

// sortKey returns the value of field f on e for in-memory ordering.
func sortKey(e AuditEvent, f SortField) string {
	switch f {
	case SortByEventID:
		return e.EventID.String()
	case SortBySummary:
		return e.Summary
	case SortByActivityType:
		return e.ActivityType
	case SortByType:
		return string(e.Type())
	case SortBySystemOfRecord:
		return e.SystemOfRecord
	}
	return e.Timestamp.UTC().Format("2006-01-02T15:04:05.000000000Z")
}
