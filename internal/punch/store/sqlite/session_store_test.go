package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fieldpunch/agent/internal/punch/store"
	sqlitestore "github.com/fieldpunch/agent/internal/punch/store/sqlite"
)

// ═══════════════════════════════════════════════════════════════════════════
// GetSession / ListSessions
// ═══════════════════════════════════════════════════════════════════════════

func TestSessionStore_GetSession_RoundTrip(t *testing.T) {
	conn := openTestDB(t)
	w := newTestWriter(t, conn)
	qs := sqlitestore.NewQueueStore(conn, w)
	ss := sqlitestore.NewSessionStore(conn, w)

	seedClockIn(t, qs, "sess-1", testBase)

	sess, err := ss.GetSession(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.EmployeeID != "emp-1" || sess.WorkOrderID != "wo-7" {
		t.Errorf("unexpected identifiers: %+v", sess)
	}
	if sess.State != store.StatePending {
		t.Errorf("expected pending, got %q", sess.State)
	}
	if !sess.ClockInAt.Equal(testBase) {
		t.Errorf("expected clock-in %v, got %v", testBase, sess.ClockInAt)
	}
	if sess.ClockOutAt != nil || sess.DurationMin != nil {
		t.Errorf("expected open session, got out=%v dur=%v", sess.ClockOutAt, sess.DurationMin)
	}
}

func TestSessionStore_GetSession_NotFound(t *testing.T) {
	conn := openTestDB(t)
	w := newTestWriter(t, conn)
	ss := sqlitestore.NewSessionStore(conn, w)

	_, err := ss.GetSession(context.Background(), "nope")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSessionStore_ListSessions_NewestFirst(t *testing.T) {
	conn := openTestDB(t)
	w := newTestWriter(t, conn)
	qs := sqlitestore.NewQueueStore(conn, w)
	ss := sqlitestore.NewSessionStore(conn, w)

	seedClockIn(t, qs, "sess-old", testBase)
	seedClockIn(t, qs, "sess-new", testBase.Add(time.Hour))

	sessions, err := ss.ListSessions(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	if sessions[0].LocalID != "sess-new" {
		t.Errorf("expected newest first, got %s", sessions[0].LocalID)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// ArchiveSyncedBefore — retention sweep
// ═══════════════════════════════════════════════════════════════════════════

func TestSessionStore_ArchiveSyncedBefore(t *testing.T) {
	conn := openTestDB(t)
	w := newTestWriter(t, conn)
	qs := sqlitestore.NewQueueStore(conn, w)
	ss := sqlitestore.NewSessionStore(conn, w)
	ctx := context.Background()

	// A fully synced session with an old clock-out.
	inID := seedClockIn(t, qs, "sess-old", testBase)
	ackClockIn(t, qs, "sess-old", inID, testBase)
	oldOut := testBase.Add(8 * time.Hour)
	outID := seedClockOut(t, qs, "sess-old", oldOut)
	if err := qs.MarkInFlight(ctx, outID); err != nil {
		t.Fatalf("mark in-flight: %v", err)
	}
	if err := qs.AckSuccess(ctx, outID, func(cur store.SessionRecord) (store.SessionRecord, error) {
		cur.State = store.StateSynced
		return cur, nil
	}, oldOut.Add(time.Minute)); err != nil {
		t.Fatalf("ack clock-out: %v", err)
	}

	// A still-pending session must never be archived.
	seedClockIn(t, qs, "sess-live", testBase.Add(30*24*time.Hour))

	archived, err := ss.ArchiveSyncedBefore(ctx, oldOut.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("ArchiveSyncedBefore: %v", err)
	}
	if archived != 1 {
		t.Errorf("expected 1 archived, got %d", archived)
	}
	if got := sessionField(t, conn, "sess-old", "state"); got != "archived" {
		t.Errorf("expected archived, got %q", got)
	}
	if got := sessionField(t, conn, "sess-live", "state"); got != "pending" {
		t.Errorf("expected live session untouched, got %q", got)
	}

	// Second sweep is a no-op.
	archived, err = ss.ArchiveSyncedBefore(ctx, oldOut.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if archived != 0 {
		t.Errorf("expected 0 on second sweep, got %d", archived)
	}
}
