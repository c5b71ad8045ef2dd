package sqlite_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fieldpunch/agent/internal/db"
	"github.com/fieldpunch/agent/internal/punch/store"
	sqlitestore "github.com/fieldpunch/agent/internal/punch/store/sqlite"
	"github.com/fieldpunch/agent/internal/punch/types"
)

// openTestDB returns an in-memory SQLite connection with the same PRAGMAs
// and schema as production.  The connection is closed automatically when the
// test finishes.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	// Each call gets a unique in-memory database.  The shared-cache URI
	// keeps the database alive for the lifetime of the connection pool
	// (important because sql.DB may close/reopen the underlying conn).
	dsn := fmt.Sprintf(
		"file:test_%s?mode=memory&cache=shared&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)",
		t.Name(),
	)

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("openTestDB: sql.Open: %v", err)
	}

	// Match production: single connection for SQLite safety.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	if err := conn.Ping(); err != nil {
		conn.Close()
		t.Fatalf("openTestDB: ping: %v", err)
	}

	// Apply the same migrations as production.
	if err := db.Migrate(context.Background(), conn); err != nil {
		conn.Close()
		t.Fatalf("openTestDB: migrate: %v", err)
	}

	t.Cleanup(func() { conn.Close() })
	return conn
}

// newTestWriter returns a db.Worker backed by conn.  The worker is closed
// automatically when the test finishes.
func newTestWriter(t *testing.T, conn *sql.DB) *db.Worker {
	t.Helper()

	w := db.NewWorker(conn)
	t.Cleanup(func() { w.Close() })
	return w
}

var testBase = time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

// seedClockIn enqueues a pending clock-in for localID and returns the item id.
func seedClockIn(t *testing.T, qs *sqlitestore.QueueStore, localID string, at time.Time) string {
	t.Helper()

	itemID := "item-in-" + localID
	payload, _ := json.Marshal(types.ClockInPayload{
		SessionLocalID: localID,
		EmployeeID:     "emp-1",
		WorkOrderID:    "wo-7",
		RateType:       "standard",
		ClockInTime:    at.Format(time.RFC3339),
	})

	err := qs.EnqueueClockIn(context.Background(), store.QueueItemRecord{
		ID:             itemID,
		SessionLocalID: localID,
		Op:             types.OpClockIn,
		Payload:        payload,
		CreatedAt:      at,
	}, store.SessionRecord{
		LocalID:     localID,
		EmployeeID:  "emp-1",
		WorkOrderID: "wo-7",
		RateType:    "standard",
		State:       store.StatePending,
		ClockInAt:   at,
		CreatedAt:   at,
		UpdatedAt:   at,
	})
	if err != nil {
		t.Fatalf("seedClockIn %s: %v", localID, err)
	}
	return itemID
}

// ackClockIn drains the clock-in item so the session becomes active with a
// remote id, mirroring what the syncer does on a server accept.
func ackClockIn(t *testing.T, qs *sqlitestore.QueueStore, localID, itemID string, at time.Time) {
	t.Helper()
	ctx := context.Background()

	if err := qs.MarkInFlight(ctx, itemID); err != nil {
		t.Fatalf("ackClockIn mark in-flight: %v", err)
	}
	err := qs.AckSuccess(ctx, itemID, func(cur store.SessionRecord) (store.SessionRecord, error) {
		cur.RemoteID = "R-" + localID
		cur.State = store.StateActive
		return cur, nil
	}, at.Add(time.Minute))
	if err != nil {
		t.Fatalf("ackClockIn ack: %v", err)
	}
}

// seedClockOut enqueues a clock-out for an active session.
func seedClockOut(t *testing.T, qs *sqlitestore.QueueStore, localID string, outAt time.Time) string {
	t.Helper()

	itemID := "item-out-" + localID
	payload, _ := json.Marshal(types.ClockOutPayload{
		SessionLocalID: localID,
		ClockOutTime:   outAt.Format(time.RFC3339),
	})

	err := qs.EnqueueClockOut(context.Background(), store.QueueItemRecord{
		ID:             itemID,
		SessionLocalID: localID,
		Op:             types.OpClockOut,
		Payload:        payload,
		CreatedAt:      outAt,
	}, outAt, nil)
	if err != nil {
		t.Fatalf("seedClockOut %s: %v", localID, err)
	}
	return itemID
}

func sessionField(t *testing.T, conn *sql.DB, localID, column string) string {
	t.Helper()

	var v sql.NullString
	err := conn.QueryRowContext(context.Background(),
		`SELECT `+column+` FROM clock_sessions WHERE local_id = ?`, localID).Scan(&v)
	if err != nil {
		t.Fatalf("read session %s.%s: %v", localID, column, err)
	}
	return v.String
}

func queueCount(t *testing.T, conn *sql.DB, status string) int {
	t.Helper()

	var n int
	err := conn.QueryRowContext(context.Background(),
		`SELECT COUNT(*) FROM queue_items WHERE status = ?`, status).Scan(&n)
	if err != nil {
		t.Fatalf("count queue items: %v", err)
	}
	return n
}
