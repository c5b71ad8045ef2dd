package sqlite_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/fieldpunch/agent/internal/punch/store"
	sqlitestore "github.com/fieldpunch/agent/internal/punch/store/sqlite"
	"github.com/fieldpunch/agent/internal/punch/types"
)

// ═══════════════════════════════════════════════════════════════════════════
// EnqueueClockIn — session row and queue item commit together
// ═══════════════════════════════════════════════════════════════════════════

func TestQueueStore_EnqueueClockIn_AtomicInsert(t *testing.T) {
	conn := openTestDB(t)
	w := newTestWriter(t, conn)
	qs := sqlitestore.NewQueueStore(conn, w)

	itemID := seedClockIn(t, qs, "sess-1", testBase)

	if got := sessionField(t, conn, "sess-1", "state"); got != "pending" {
		t.Errorf("expected session state=pending, got %q", got)
	}
	if n := queueCount(t, conn, "pending"); n != 1 {
		t.Errorf("expected 1 pending item, got %d", n)
	}

	item, err := qs.Item(context.Background(), itemID)
	if err != nil {
		t.Fatalf("Item: %v", err)
	}
	if item.Op != types.OpClockIn {
		t.Errorf("expected op=clock_in, got %q", item.Op)
	}
	if !item.QueuedAt.Equal(item.CreatedAt) {
		t.Errorf("expected queued_at == created_at on insert, got %v vs %v",
			item.QueuedAt, item.CreatedAt)
	}
}

func TestQueueStore_EnqueueClockIn_DuplicateSessionFails(t *testing.T) {
	conn := openTestDB(t)
	w := newTestWriter(t, conn)
	qs := sqlitestore.NewQueueStore(conn, w)

	seedClockIn(t, qs, "sess-1", testBase)

	err := qs.EnqueueClockIn(context.Background(), store.QueueItemRecord{
		ID:             "item-dup",
		SessionLocalID: "sess-1",
		Op:             types.OpClockIn,
		Payload:        []byte(`{}`),
		CreatedAt:      testBase,
	}, store.SessionRecord{
		LocalID:   "sess-1",
		State:     store.StatePending,
		ClockInAt: testBase,
	})
	if !errors.Is(err, store.ErrInvalidOperation) {
		t.Fatalf("expected ErrInvalidOperation for duplicate session, got %v", err)
	}

	// The failed transaction must not leave a dangling queue item.
	if n := queueCount(t, conn, "pending"); n != 1 {
		t.Errorf("expected 1 pending item after failed enqueue, got %d", n)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// EnqueueClockOut — state and ordering validations
// ═══════════════════════════════════════════════════════════════════════════

func TestQueueStore_EnqueueClockOut_RequiresActiveSession(t *testing.T) {
	conn := openTestDB(t)
	w := newTestWriter(t, conn)
	qs := sqlitestore.NewQueueStore(conn, w)

	// Session still pending: clock-out is not yet allowed.
	seedClockIn(t, qs, "sess-1", testBase)

	err := qs.EnqueueClockOut(context.Background(), store.QueueItemRecord{
		ID:             "item-out",
		SessionLocalID: "sess-1",
		Op:             types.OpClockOut,
		Payload:        []byte(`{}`),
		CreatedAt:      testBase.Add(time.Hour),
	}, testBase.Add(time.Hour), nil)
	if !errors.Is(err, store.ErrInvalidOperation) {
		t.Fatalf("expected ErrInvalidOperation, got %v", err)
	}

	// Unknown session.
	err = qs.EnqueueClockOut(context.Background(), store.QueueItemRecord{
		ID:             "item-out-2",
		SessionLocalID: "nope",
		Op:             types.OpClockOut,
		Payload:        []byte(`{}`),
		CreatedAt:      testBase,
	}, testBase, nil)
	if !errors.Is(err, store.ErrInvalidOperation) {
		t.Fatalf("expected ErrInvalidOperation for unknown session, got %v", err)
	}
}

func TestQueueStore_EnqueueClockOut_RejectsTimeBeforeClockIn(t *testing.T) {
	conn := openTestDB(t)
	w := newTestWriter(t, conn)
	qs := sqlitestore.NewQueueStore(conn, w)

	itemID := seedClockIn(t, qs, "sess-1", testBase)
	ackClockIn(t, qs, "sess-1", itemID, testBase)

	err := qs.EnqueueClockOut(context.Background(), store.QueueItemRecord{
		ID:             "item-out",
		SessionLocalID: "sess-1",
		Op:             types.OpClockOut,
		Payload:        []byte(`{}`),
		CreatedAt:      testBase,
	}, testBase.Add(-time.Minute), nil)
	if !errors.Is(err, store.ErrInvalidOperation) {
		t.Fatalf("expected ErrInvalidOperation, got %v", err)
	}

	// Session must be untouched by the rejected enqueue.
	if got := sessionField(t, conn, "sess-1", "state"); got != "active" {
		t.Errorf("expected session still active, got %q", got)
	}
}

func TestQueueStore_EnqueueClockOut_MovesSessionToPendingClockOut(t *testing.T) {
	conn := openTestDB(t)
	w := newTestWriter(t, conn)
	qs := sqlitestore.NewQueueStore(conn, w)

	itemID := seedClockIn(t, qs, "sess-1", testBase)
	ackClockIn(t, qs, "sess-1", itemID, testBase)
	seedClockOut(t, qs, "sess-1", testBase.Add(8*time.Hour))

	if got := sessionField(t, conn, "sess-1", "state"); got != "pending_clock_out" {
		t.Errorf("expected state=pending_clock_out, got %q", got)
	}
	if n := queueCount(t, conn, "pending"); n != 1 {
		t.Errorf("expected 1 pending item, got %d", n)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// NextPending — drain order and per-session blocking
// ═══════════════════════════════════════════════════════════════════════════

func TestQueueStore_NextPending_OrderedByQueuedAt(t *testing.T) {
	conn := openTestDB(t)
	w := newTestWriter(t, conn)
	qs := sqlitestore.NewQueueStore(conn, w)
	ctx := context.Background()

	seedClockIn(t, qs, "sess-a", testBase)
	seedClockIn(t, qs, "sess-b", testBase.Add(time.Minute))

	item, err := qs.NextPending(ctx)
	if err != nil {
		t.Fatalf("NextPending: %v", err)
	}
	if item.SessionLocalID != "sess-a" {
		t.Errorf("expected sess-a first, got %s", item.SessionLocalID)
	}
}

func TestQueueStore_NextPending_FailedItemBlocksItsSessionOnly(t *testing.T) {
	conn := openTestDB(t)
	w := newTestWriter(t, conn)
	qs := sqlitestore.NewQueueStore(conn, w)
	ctx := context.Background()

	inA := seedClockIn(t, qs, "sess-a", testBase)
	seedClockIn(t, qs, "sess-b", testBase.Add(time.Minute))

	// sess-a clocks out, then that clock-out fails terminally.
	ackClockIn(t, qs, "sess-a", inA, testBase)
	outA := seedClockOut(t, qs, "sess-a", testBase.Add(2*time.Hour))
	if err := qs.MarkInFlight(ctx, outA); err != nil {
		t.Fatalf("mark in-flight: %v", err)
	}
	if err := qs.MarkFailed(ctx, outA, "boom", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	// sess-b's clock-in is still drainable; nothing for sess-a is.
	item, err := qs.NextPending(ctx)
	if err != nil {
		t.Fatalf("NextPending: %v", err)
	}
	if item.SessionLocalID != "sess-b" {
		t.Errorf("expected sess-b, got %s", item.SessionLocalID)
	}

	// With sess-b's item in flight only the failed item remains, and a
	// failed item is never drained automatically.
	if err := qs.MarkInFlight(ctx, item.ID); err != nil {
		t.Fatalf("mark sess-b in-flight: %v", err)
	}
	if _, err := qs.NextPending(ctx); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound once only blocked items remain, got %v", err)
	}
}

func TestQueueStore_NextPending_EmptyQueue(t *testing.T) {
	conn := openTestDB(t)
	w := newTestWriter(t, conn)
	qs := sqlitestore.NewQueueStore(conn, w)

	_, err := qs.NextPending(context.Background())
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// AckSuccess — item deleted, session reconciled, cursor advanced, one tx
// ═══════════════════════════════════════════════════════════════════════════

func TestQueueStore_AckSuccess_AppliesAuthoritativeFields(t *testing.T) {
	conn := openTestDB(t)
	w := newTestWriter(t, conn)
	qs := sqlitestore.NewQueueStore(conn, w)
	cs := sqlitestore.NewCursorStore(conn, w)
	ctx := context.Background()

	itemID := seedClockIn(t, qs, "sess-1", testBase)
	if err := qs.MarkInFlight(ctx, itemID); err != nil {
		t.Fatalf("mark in-flight: %v", err)
	}

	// Server accepted with an adjusted clock-in time.
	serverIn := testBase.Add(90 * time.Second)
	syncedAt := testBase.Add(5 * time.Minute)
	err := qs.AckSuccess(ctx, itemID, func(cur store.SessionRecord) (store.SessionRecord, error) {
		cur.RemoteID = "R-77"
		cur.State = store.StateActive
		cur.ClockInAt = serverIn
		return cur, nil
	}, syncedAt)
	if err != nil {
		t.Fatalf("AckSuccess: %v", err)
	}

	if _, err := qs.Item(ctx, itemID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected acked item deleted, got %v", err)
	}
	if got := sessionField(t, conn, "sess-1", "state"); got != "active" {
		t.Errorf("expected state=active, got %q", got)
	}
	if got := sessionField(t, conn, "sess-1", "remote_id"); got != "R-77" {
		t.Errorf("expected remote_id=R-77, got %q", got)
	}

	cur, err := cs.GetCursor(ctx)
	if err != nil {
		t.Fatalf("GetCursor: %v", err)
	}
	if cur.LastSyncedAt == nil || !cur.LastSyncedAt.Equal(syncedAt) {
		t.Errorf("expected cursor advanced to %v, got %v", syncedAt, cur.LastSyncedAt)
	}
}

func TestQueueStore_AckSuccess_RejectsInvalidTransition(t *testing.T) {
	conn := openTestDB(t)
	w := newTestWriter(t, conn)
	qs := sqlitestore.NewQueueStore(conn, w)
	ctx := context.Background()

	itemID := seedClockIn(t, qs, "sess-1", testBase)

	// pending -> synced skips the lifecycle; the ack must fail and keep
	// both the item and the session untouched.
	err := qs.AckSuccess(ctx, itemID, func(cur store.SessionRecord) (store.SessionRecord, error) {
		cur.State = store.StateSynced
		return cur, nil
	}, testBase.Add(time.Minute))
	if !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if _, err := qs.Item(ctx, itemID); err != nil {
		t.Errorf("expected item to survive failed ack, got %v", err)
	}
	if got := sessionField(t, conn, "sess-1", "state"); got != "pending" {
		t.Errorf("expected state unchanged (pending), got %q", got)
	}
}

func TestQueueStore_AckSuccess_SameStateIsIdempotent(t *testing.T) {
	conn := openTestDB(t)
	w := newTestWriter(t, conn)
	qs := sqlitestore.NewQueueStore(conn, w)
	ctx := context.Background()

	inID := seedClockIn(t, qs, "sess-1", testBase)
	ackClockIn(t, qs, "sess-1", inID, testBase)

	// A replayed rate-change ack writes the session in its current state.
	payload, _ := json.Marshal(types.RateChangePayload{
		SessionLocalID: "sess-1", RateType: "overtime", PreviousRate: "standard",
	})
	if err := qs.EnqueueRateChange(ctx, store.QueueItemRecord{
		ID:             "item-rate",
		SessionLocalID: "sess-1",
		Op:             types.OpUpdateRate,
		Payload:        payload,
		CreatedAt:      testBase.Add(time.Hour),
	}, "overtime"); err != nil {
		t.Fatalf("enqueue rate change: %v", err)
	}
	if err := qs.MarkInFlight(ctx, "item-rate"); err != nil {
		t.Fatalf("mark in-flight: %v", err)
	}

	err := qs.AckSuccess(ctx, "item-rate", func(cur store.SessionRecord) (store.SessionRecord, error) {
		cur.RateType = "overtime"
		return cur, nil // state unchanged
	}, testBase.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("AckSuccess same-state: %v", err)
	}
	if got := sessionField(t, conn, "sess-1", "rate_type"); got != "overtime" {
		t.Errorf("expected rate_type=overtime, got %q", got)
	}
}

func TestQueueStore_AckSuccess_MergesPunchEnqueuedMidSubmission(t *testing.T) {
	conn := openTestDB(t)
	w := newTestWriter(t, conn)
	qs := sqlitestore.NewQueueStore(conn, w)
	ctx := context.Background()

	inID := seedClockIn(t, qs, "sess-1", testBase)
	ackClockIn(t, qs, "sess-1", inID, testBase)

	// A rate change goes on the wire...
	payload, _ := json.Marshal(types.RateChangePayload{
		SessionLocalID: "sess-1", RateType: "overtime", PreviousRate: "standard",
	})
	if err := qs.EnqueueRateChange(ctx, store.QueueItemRecord{
		ID:             "item-rate",
		SessionLocalID: "sess-1",
		Op:             types.OpUpdateRate,
		Payload:        payload,
		CreatedAt:      testBase.Add(time.Hour),
	}, "overtime"); err != nil {
		t.Fatalf("enqueue rate change: %v", err)
	}
	if err := qs.MarkInFlight(ctx, "item-rate"); err != nil {
		t.Fatalf("mark in-flight: %v", err)
	}

	// ...and while it is, the worker clocks out.
	seedClockOut(t, qs, "sess-1", testBase.Add(8*time.Hour))

	// The rate ack reconciles against the session as the transaction sees
	// it, so the clock-out written in the meantime is kept.
	err := qs.AckSuccess(ctx, "item-rate", func(cur store.SessionRecord) (store.SessionRecord, error) {
		cur.RateType = "overtime"
		return cur, nil
	}, testBase.Add(time.Hour+time.Minute))
	if err != nil {
		t.Fatalf("AckSuccess: %v", err)
	}

	if got := sessionField(t, conn, "sess-1", "state"); got != "pending_clock_out" {
		t.Errorf("expected state=pending_clock_out preserved, got %q", got)
	}
	if got := sessionField(t, conn, "sess-1", "clock_out_ms"); got == "" {
		t.Error("expected clock_out_ms preserved across the rate ack")
	}
	if got := sessionField(t, conn, "sess-1", "rate_type"); got != "overtime" {
		t.Errorf("expected rate_type=overtime, got %q", got)
	}
	// The clock-out item is untouched and still drainable.
	if n := queueCount(t, conn, "pending"); n != 1 {
		t.Errorf("expected the clock-out still pending, got %d pending", n)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// MarkFailed — rollback semantics per operation
// ═══════════════════════════════════════════════════════════════════════════

func TestQueueStore_MarkFailed_ClockInRollback(t *testing.T) {
	conn := openTestDB(t)
	w := newTestWriter(t, conn)
	qs := sqlitestore.NewQueueStore(conn, w)
	ctx := context.Background()

	itemID := seedClockIn(t, qs, "sess-1", testBase)
	if err := qs.MarkInFlight(ctx, itemID); err != nil {
		t.Fatalf("mark in-flight: %v", err)
	}

	if err := qs.MarkFailed(ctx, itemID, "unknown_work_order: wo-7", true); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	if got := sessionField(t, conn, "sess-1", "state"); got != "rolled_back" {
		t.Errorf("expected state=rolled_back, got %q", got)
	}
	item, err := qs.Item(ctx, itemID)
	if err != nil {
		t.Fatalf("Item: %v", err)
	}
	if item.Status != store.StatusFailed {
		t.Errorf("expected status=failed, got %q", item.Status)
	}
	if item.LastError != "unknown_work_order: wo-7" {
		t.Errorf("expected last_error preserved, got %q", item.LastError)
	}
}

func TestQueueStore_MarkFailed_ClockOutRollbackClearsOut(t *testing.T) {
	conn := openTestDB(t)
	w := newTestWriter(t, conn)
	qs := sqlitestore.NewQueueStore(conn, w)
	ctx := context.Background()

	inID := seedClockIn(t, qs, "sess-1", testBase)
	ackClockIn(t, qs, "sess-1", inID, testBase)
	outID := seedClockOut(t, qs, "sess-1", testBase.Add(8*time.Hour))

	if err := qs.MarkInFlight(ctx, outID); err != nil {
		t.Fatalf("mark in-flight: %v", err)
	}
	if err := qs.MarkFailed(ctx, outID, "overlapping_shift", true); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	if got := sessionField(t, conn, "sess-1", "state"); got != "active" {
		t.Errorf("expected rollback to active, got %q", got)
	}
	if got := sessionField(t, conn, "sess-1", "clock_out_ms"); got != "" {
		t.Errorf("expected clock_out_ms cleared, got %q", got)
	}
}

func TestQueueStore_MarkFailed_RateChangeRestoresPreviousRate(t *testing.T) {
	conn := openTestDB(t)
	w := newTestWriter(t, conn)
	qs := sqlitestore.NewQueueStore(conn, w)
	ctx := context.Background()

	inID := seedClockIn(t, qs, "sess-1", testBase)
	ackClockIn(t, qs, "sess-1", inID, testBase)

	payload, _ := json.Marshal(types.RateChangePayload{
		SessionLocalID: "sess-1", RateType: "overtime", PreviousRate: "standard",
	})
	if err := qs.EnqueueRateChange(ctx, store.QueueItemRecord{
		ID:             "item-rate",
		SessionLocalID: "sess-1",
		Op:             types.OpUpdateRate,
		Payload:        payload,
		CreatedAt:      testBase.Add(time.Hour),
	}, "overtime"); err != nil {
		t.Fatalf("enqueue rate change: %v", err)
	}
	if got := sessionField(t, conn, "sess-1", "rate_type"); got != "overtime" {
		t.Fatalf("expected optimistic rate applied, got %q", got)
	}

	if err := qs.MarkInFlight(ctx, "item-rate"); err != nil {
		t.Fatalf("mark in-flight: %v", err)
	}
	if err := qs.MarkFailed(ctx, "item-rate", "rate_not_allowed", true); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	if got := sessionField(t, conn, "sess-1", "rate_type"); got != "standard" {
		t.Errorf("expected previous rate restored, got %q", got)
	}
	if got := sessionField(t, conn, "sess-1", "state"); got != "active" {
		t.Errorf("expected state untouched by rate rollback, got %q", got)
	}
}

func TestQueueStore_MarkFailed_NoRollbackKeepsOptimisticState(t *testing.T) {
	conn := openTestDB(t)
	w := newTestWriter(t, conn)
	qs := sqlitestore.NewQueueStore(conn, w)
	ctx := context.Background()

	itemID := seedClockIn(t, qs, "sess-1", testBase)
	if err := qs.MarkInFlight(ctx, itemID); err != nil {
		t.Fatalf("mark in-flight: %v", err)
	}

	// Exhausted retries: the punch may still be valid, so the optimistic
	// state stays and only the item is parked.
	if err := qs.MarkFailed(ctx, itemID, "timeout", false); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if got := sessionField(t, conn, "sess-1", "state"); got != "pending" {
		t.Errorf("expected state still pending, got %q", got)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Retry — failed item re-enters at the tail with its effect re-applied
// ═══════════════════════════════════════════════════════════════════════════

func TestQueueStore_Retry_ReappliesClockInAndReTails(t *testing.T) {
	conn := openTestDB(t)
	w := newTestWriter(t, conn)
	qs := sqlitestore.NewQueueStore(conn, w)
	ctx := context.Background()

	itemID := seedClockIn(t, qs, "sess-1", testBase)
	if err := qs.MarkInFlight(ctx, itemID); err != nil {
		t.Fatalf("mark in-flight: %v", err)
	}
	if err := qs.MarkFailed(ctx, itemID, "unknown_work_order", true); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	// A newer punch from another worker sits on the queue.
	seedClockIn(t, qs, "sess-2", testBase.Add(time.Minute))

	retryAt := testBase.Add(time.Hour)
	if err := qs.Retry(ctx, itemID, retryAt); err != nil {
		t.Fatalf("Retry: %v", err)
	}

	if got := sessionField(t, conn, "sess-1", "state"); got != "pending" {
		t.Errorf("expected session back to pending, got %q", got)
	}
	item, err := qs.Item(ctx, itemID)
	if err != nil {
		t.Fatalf("Item: %v", err)
	}
	if item.Status != store.StatusPending || item.RetryCount != 0 || item.LastError != "" {
		t.Errorf("expected clean pending item, got status=%q retries=%d lastErr=%q",
			item.Status, item.RetryCount, item.LastError)
	}
	if !item.QueuedAt.Equal(retryAt) {
		t.Errorf("expected queued_at=%v (tail), got %v", retryAt, item.QueuedAt)
	}

	// Tail position: the other session's older item drains first.
	next, err := qs.NextPending(ctx)
	if err != nil {
		t.Fatalf("NextPending: %v", err)
	}
	if next.SessionLocalID != "sess-2" {
		t.Errorf("expected sess-2 ahead of retried item, got %s", next.SessionLocalID)
	}
}

func TestQueueStore_Retry_ReappliesClockOut(t *testing.T) {
	conn := openTestDB(t)
	w := newTestWriter(t, conn)
	qs := sqlitestore.NewQueueStore(conn, w)
	ctx := context.Background()

	inID := seedClockIn(t, qs, "sess-1", testBase)
	ackClockIn(t, qs, "sess-1", inID, testBase)
	outAt := testBase.Add(8 * time.Hour)
	outID := seedClockOut(t, qs, "sess-1", outAt)

	if err := qs.MarkInFlight(ctx, outID); err != nil {
		t.Fatalf("mark in-flight: %v", err)
	}
	if err := qs.MarkFailed(ctx, outID, "overlapping_shift", true); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	// Rolled back to active, clock-out cleared.
	if got := sessionField(t, conn, "sess-1", "clock_out_ms"); got != "" {
		t.Fatalf("expected cleared clock_out_ms, got %q", got)
	}

	if err := qs.Retry(ctx, outID, testBase.Add(9*time.Hour)); err != nil {
		t.Fatalf("Retry: %v", err)
	}

	// The payload snapshot restored the clock-out exactly.
	if got := sessionField(t, conn, "sess-1", "state"); got != "pending_clock_out" {
		t.Errorf("expected state=pending_clock_out, got %q", got)
	}
	if got := sessionField(t, conn, "sess-1", "clock_out_ms"); got == "" {
		t.Error("expected clock_out_ms restored from payload")
	}
}

func TestQueueStore_Retry_RejectsNonFailedItem(t *testing.T) {
	conn := openTestDB(t)
	w := newTestWriter(t, conn)
	qs := sqlitestore.NewQueueStore(conn, w)
	ctx := context.Background()

	itemID := seedClockIn(t, qs, "sess-1", testBase)

	err := qs.Retry(ctx, itemID, testBase.Add(time.Hour))
	if !errors.Is(err, store.ErrInvalidOperation) {
		t.Fatalf("expected ErrInvalidOperation for pending item, got %v", err)
	}
	if err := qs.Retry(ctx, "missing", testBase); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// MarkInFlight / MarkRetry / RequeueInFlight
// ═══════════════════════════════════════════════════════════════════════════

func TestQueueStore_MarkInFlight_OnlyFromPending(t *testing.T) {
	conn := openTestDB(t)
	w := newTestWriter(t, conn)
	qs := sqlitestore.NewQueueStore(conn, w)
	ctx := context.Background()

	itemID := seedClockIn(t, qs, "sess-1", testBase)

	if err := qs.MarkInFlight(ctx, itemID); err != nil {
		t.Fatalf("first MarkInFlight: %v", err)
	}
	if err := qs.MarkInFlight(ctx, itemID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double mark, got %v", err)
	}
}

func TestQueueStore_MarkRetry_BumpsCountAndRequeues(t *testing.T) {
	conn := openTestDB(t)
	w := newTestWriter(t, conn)
	qs := sqlitestore.NewQueueStore(conn, w)
	ctx := context.Background()

	itemID := seedClockIn(t, qs, "sess-1", testBase)
	if err := qs.MarkInFlight(ctx, itemID); err != nil {
		t.Fatalf("mark in-flight: %v", err)
	}
	if err := qs.MarkRetry(ctx, itemID, 1); err != nil {
		t.Fatalf("MarkRetry: %v", err)
	}

	item, err := qs.Item(ctx, itemID)
	if err != nil {
		t.Fatalf("Item: %v", err)
	}
	if item.Status != store.StatusPending || item.RetryCount != 1 {
		t.Errorf("expected pending retries=1, got status=%q retries=%d", item.Status, item.RetryCount)
	}

	// The same item is picked again immediately: the drain order is stable
	// across transient failures.
	next, err := qs.NextPending(ctx)
	if err != nil {
		t.Fatalf("NextPending: %v", err)
	}
	if next.ID != itemID {
		t.Errorf("expected retried item next, got %s", next.ID)
	}
}

func TestQueueStore_RequeueInFlight_RecoversAfterCrash(t *testing.T) {
	conn := openTestDB(t)
	w := newTestWriter(t, conn)
	qs := sqlitestore.NewQueueStore(conn, w)
	ctx := context.Background()

	a := seedClockIn(t, qs, "sess-a", testBase)
	seedClockIn(t, qs, "sess-b", testBase.Add(time.Minute))
	if err := qs.MarkInFlight(ctx, a); err != nil {
		t.Fatalf("mark in-flight: %v", err)
	}

	n, err := qs.RequeueInFlight(ctx)
	if err != nil {
		t.Fatalf("RequeueInFlight: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 requeued, got %d", n)
	}
	if count, _ := qs.PendingCount(ctx); count != 2 {
		t.Errorf("expected 2 pending, got %d", count)
	}
}
