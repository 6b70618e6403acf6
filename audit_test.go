package audit

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

func TestMain(m *testing.M) {
	os.Exit(m.Run())
}

// openTestDB returns a SQLite database in a per-test directory with the audit
// schema applied.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", "file:"+filepath.Join(t.TempDir(), "audit.db")+"?_busy_timeout=5000")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := SetupDatabase(context.Background(), db, SQLite); err != nil {
		t.Fatalf("Failed to setup database: %v", err)
	}
	return db
}

func newTestSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	return NewSQLStore(openTestDB(t), SQLite)
}

// storeFactories lists every RecordStore that runs without external services.
func storeFactories() map[string]func(t *testing.T) RecordStore {
	return map[string]func(t *testing.T) RecordStore{
		"memory": func(*testing.T) RecordStore { return NewMemoryStore() },
		"sqlite": func(t *testing.T) RecordStore { return newTestSQLStore(t) },
	}
}

func testObject() BusinessObject {
	return BusinessObject{ID: uuid.New(), Type: "order"}
}

var baseTime = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

// hourlyEvents returns n activity events for bo, one per hour from baseTime,
// each with a fresh id.
func hourlyEvents(bo BusinessObject, n int) []AuditEvent {
	events := make([]AuditEvent, n)
	for i := range events {
		e := NewActivityEvent(bo, baseTime.Add(time.Duration(i)*time.Hour), "hour", "order.touched", "{}")
		e.EventID = uuid.New()
		events[i] = e
	}
	return events
}

func insertAll(t *testing.T, s RecordStore, events []AuditEvent) {
	t.Helper()
	for _, e := range events {
		res, err := s.InsertIfAbsent(context.Background(), e)
		if err != nil {
			t.Fatalf("Failed to insert event %s: %v", e.EventID, err)
		}
		if res != Inserted {
			t.Fatalf("Expected event %s to be inserted, got %s", e.EventID, res)
		}
	}
}

func TestSetupDatabase(t *testing.T) {
	db := openTestDB(t)

	// Applying the schema twice must be harmless.
	if err := SetupDatabase(context.Background(), db, SQLite); err != nil {
		t.Fatalf("Failed to re-run schema setup: %v", err)
	}

	rows, err := db.Query(`SELECT name FROM sqlite_master WHERE type='index' AND tbl_name='audit_events'`)
	if err != nil {
		t.Fatalf("Failed to query indexes: %v", err)
	}
	defer rows.Close()

	indexes := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("Failed to scan index name: %v", err)
		}
		indexes[name] = true
	}
	if !indexes["idx_audit_events_bo_time"] {
		t.Error("Expected index idx_audit_events_bo_time not found")
	}
}

func TestNonLatinCharacters(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			bo := BusinessObject{ID: uuid.New(), Type: "заказ"}
			e := NewStateChangeEvent(bo, baseTime, "状态已更改 ✓", "注文.更新", "下書き", "公開済み")
			e.EventID = uuid.New()
			e.RelatedBusinessObjects = []string{"ελληνικά"}
			insertAll(t, s, []AuditEvent{e})

			got, total, err := s.FindPage(context.Background(), PageQuery{
				BusinessObjectType: bo.Type,
				BusinessObjectID:   bo.ID,
				SortBy:             SortByTimestamp,
				Direction:          SortAsc,
				PageSize:           10,
			})
			if err != nil {
				t.Fatalf("Failed to find events: %v", err)
			}
			if total != 1 || len(got) != 1 {
				t.Fatalf("Expected 1 event, got %d (total %d)", len(got), total)
			}
			if got[0].Summary != e.Summary {
				t.Errorf("Summary mismatch: %q vs %q", got[0].Summary, e.Summary)
			}
			if got[0].Payload != e.Payload {
				t.Errorf("Payload mismatch: %#v vs %#v", got[0].Payload, e.Payload)
			}
			if len(got[0].RelatedBusinessObjects) != 1 || got[0].RelatedBusinessObjects[0] != "ελληνικά" {
				t.Errorf("Related objects mismatch: %v", got[0].RelatedBusinessObjects)
			}
		})
	}
}
