package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Dialect captures the differences between the relational engines SQLStore
// runs on.
type Dialect struct {
	// Name is the database/sql driver name.
	Name        string
	placeholder func(n int) string
	schema      []string
}

// SQLite is the dialect for github.com/mattn/go-sqlite3.
var SQLite = Dialect{
	Name:        "sqlite3",
	placeholder: func(int) string { return "?" },
	schema: []string{
		`CREATE TABLE IF NOT EXISTS audit_events (
			event_id TEXT PRIMARY KEY,
			schema_uri TEXT,
			event_type VARCHAR(32) NOT NULL,
			business_object_id TEXT NOT NULL,
			business_object_type VARCHAR(64) NOT NULL,
			event_timestamp TIMESTAMP NOT NULL,
			summary TEXT,
			system_of_record TEXT,
			activity_type VARCHAR(255),
			data TEXT,
			old_state TEXT,
			new_state TEXT,
			user_id TEXT,
			tenant_id TEXT,
			originator_id TEXT,
			request_id TEXT,
			trace_id TEXT,
			span_id TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS audit_event_related_objects (
			event_id TEXT NOT NULL REFERENCES audit_events(event_id),
			reference TEXT NOT NULL,
			PRIMARY KEY (event_id, reference)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_bo_time ON audit_events(business_object_type, business_object_id, event_timestamp)`,
	},
}

// Postgres is the dialect for github.com/jackc/pgx/v5/stdlib.
var Postgres = Dialect{
	Name:        "pgx",
	placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	schema: []string{
		`CREATE TABLE IF NOT EXISTS audit_events (
			event_id UUID PRIMARY KEY,
			schema_uri TEXT,
			event_type VARCHAR(32) NOT NULL,
			business_object_id UUID NOT NULL,
			business_object_type VARCHAR(64) NOT NULL,
			event_timestamp TIMESTAMPTZ NOT NULL,
			summary TEXT,
			system_of_record TEXT,
			activity_type VARCHAR(255),
			data TEXT,
			old_state TEXT,
			new_state TEXT,
			user_id TEXT,
			tenant_id TEXT,
			originator_id TEXT,
			request_id TEXT,
			trace_id TEXT,
			span_id TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS audit_event_related_objects (
			event_id UUID NOT NULL REFERENCES audit_events(event_id),
			reference TEXT NOT NULL,
			PRIMARY KEY (event_id, reference)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_bo_time ON audit_events(business_object_type, business_object_id, event_timestamp)`,
	},
}

// SetupDatabase creates the audit tables and indexes if they do not exist.
func SetupDatabase(ctx context.Context, db *sql.DB, d Dialect) error {
	for _, stmt := range d.schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("setup audit schema: %w", err)
		}
	}
	return nil
}

// SQLStore is a RecordStore over database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore returns a store using db. The schema must already exist; see
// SetupDatabase.
func NewSQLStore(db *sql.DB, d Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: d}
}

const eventColumns = `event_id, schema_uri, event_type, business_object_id, business_object_type,
	event_timestamp, summary, system_of_record, activity_type, data, old_state, new_state,
	user_id, tenant_id, originator_id, request_id, trace_id, span_id`

func (s *SQLStore) placeholders(from, n int) string {
	ps := make([]string, n)
	for i := range ps {
		ps[i] = s.dialect.placeholder(from + i)
	}
	return strings.Join(ps, ", ")
}

// InsertIfAbsent implements RecordStore. The event row and its related
// references are written in one transaction.
func (s *SQLStore) InsertIfAbsent(ctx context.Context, e AuditEvent) (InsertResult, error) {
	var data, oldState, newState sql.NullString
	switch p := e.Payload.(type) {
	case ActivityPayload:
		data = sql.NullString{String: p.Data, Valid: true}
	case StateChangePayload:
		oldState = sql.NullString{String: p.OldState, Valid: true}
		newState = sql.NullString{String: p.NewState, Valid: true}
	default:
		return 0, fmt.Errorf("%w: payload %T", ErrUnknownEventType, e.Payload)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rc := e.RequestContext
	res, err := tx.ExecContext(ctx,
		`INSERT INTO audit_events (`+eventColumns+`) VALUES (`+s.placeholders(1, 18)+`)
		ON CONFLICT (event_id) DO NOTHING`,
		e.EventID, nullString(e.Schema), string(e.Type()), e.BusinessObject.ID, e.BusinessObject.Type,
		e.Timestamp.UTC(), e.Summary, nullString(e.SystemOfRecord), e.ActivityType, data, oldState, newState,
		nullString(rc.UserID), nullString(rc.TenantID), nullString(rc.OriginatorID),
		nullString(rc.RequestID), nullString(rc.TraceID), nullString(rc.SpanID),
	)
	if err != nil {
		return 0, fmt.Errorf("insert audit event %s: %w", e.EventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("insert audit event %s: %w", e.EventID, err)
	}
	if n == 0 {
		return AlreadyExists, nil
	}

	for _, ref := range relatedSet(e.RelatedBusinessObjects) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO audit_event_related_objects (event_id, reference) VALUES (`+s.placeholders(1, 2)+`)`,
			e.EventID, ref,
		); err != nil {
			return 0, fmt.Errorf("insert related object for %s: %w", e.EventID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit audit event %s: %w", e.EventID, err)
	}
	return Inserted, nil
}

// where renders conds as a SQL boundary condition and its arguments.
func (s *SQLStore) where(conds []Condition) (string, []any) {
	clauses := make([]string, 0, len(conds))
	args := make([]any, 0, len(conds))
	for _, c := range conds {
		var col string
		switch c.Field {
		case fieldBusinessObjectType:
			col = "business_object_type"
		case fieldBusinessObjectID:
			col = "business_object_id"
		default:
			col = sortFields[SortField(c.Field)].column
		}
		op := "="
		switch c.Op {
		case OpGte:
			op = ">="
		case OpLt:
			op = "<"
		}
		args = append(args, c.Value)
		clauses = append(clauses, col+" "+op+" "+s.dialect.placeholder(len(args)))
	}
	return strings.Join(clauses, " AND "), args
}

// FindPage implements RecordStore. The count and the page are separate
// statements, so the total is a snapshot that may lag concurrent inserts.
func (s *SQLStore) FindPage(ctx context.Context, q PageQuery) ([]AuditEvent, int64, error) {
	where, args := s.where(q.Conditions())

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_events WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit events: %w", err)
	}
	if total == 0 || q.Offset() >= total {
		return []AuditEvent{}, total, nil
	}

	col, ok := sortFields[q.SortBy]
	if !ok {
		col = sortFields[SortByTimestamp]
	}
	dir := "ASC"
	if q.Direction == SortDesc {
		dir = "DESC"
	}
	n := len(args)
	query := `SELECT ` + eventColumns + ` FROM audit_events WHERE ` + where +
		` ORDER BY ` + col.column + ` ` + dir + `, event_id ` + dir +
		` LIMIT ` + s.dialect.placeholder(n+1) + ` OFFSET ` + s.dialect.placeholder(n+2)
	rows, err := s.db.QueryContext(ctx, query, append(args, q.PageSize, q.Offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	events := make([]AuditEvent, 0, q.PageSize)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, 0, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate audit events: %w", err)
	}
	if err := s.loadRelated(ctx, events); err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

func (s *SQLStore) loadRelated(ctx context.Context, events []AuditEvent) error {
	if len(events) == 0 {
		return nil
	}
	idx := make(map[uuid.UUID]int, len(events))
	args := make([]any, len(events))
	for i, e := range events {
		idx[e.EventID] = i
		args[i] = e.EventID
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, reference FROM audit_event_related_objects WHERE event_id IN (`+
			s.placeholders(1, len(args))+`) ORDER BY reference`, args...)
	if err != nil {
		return fmt.Errorf("query related objects: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		var ref string
		if err := rows.Scan(&id, &ref); err != nil {
			return fmt.Errorf("scan related object: %w", err)
		}
		if i, ok := idx[id]; ok {
			events[i].RelatedBusinessObjects = append(events[i].RelatedBusinessObjects, ref)
		}
	}
	return rows.Err()
}

func scanEvent(rows *sql.Rows) (AuditEvent, error) {
	var (
		e                                         AuditEvent
		eventType                                 string
		ts                                        time.Time
		schema, sor, data, oldState, newState     sql.NullString
		userID, tenantID, originatorID, requestID sql.NullString
		traceID, spanID, summary, activityType    sql.NullString
	)
	if err := rows.Scan(
		&e.EventID, &schema, &eventType, &e.BusinessObject.ID, &e.BusinessObject.Type,
		&ts, &summary, &sor, &activityType, &data, &oldState, &newState,
		&userID, &tenantID, &originatorID, &requestID, &traceID, &spanID,
	); err != nil {
		return AuditEvent{}, fmt.Errorf("scan audit event: %w", err)
	}
	t, err := ParseEventType(eventType)
	if err != nil {
		return AuditEvent{}, fmt.Errorf("scan audit event %s: %w", e.EventID, err)
	}
	switch t {
	case EventTypeActivity:
		e.Payload = ActivityPayload{Data: data.String}
	case EventTypeStateChange:
		e.Payload = StateChangePayload{OldState: oldState.String, NewState: newState.String}
	}
	e.Timestamp = ts.UTC()
	e.Schema = schema.String
	e.Summary = summary.String
	e.SystemOfRecord = sor.String
	e.ActivityType = activityType.String
	e.RequestContext = RequestContext{
		UserID:       userID.String,
		TenantID:     tenantID.String,
		OriginatorID: originatorID.String,
		RequestID:    requestID.String,
		TraceID:      traceID.String,
		SpanID:       spanID.String,
	}
	return e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Ping reports whether the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping audit store: %w", err)
	}
	return nil
}
