package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	dbpkg "github.com/fieldpunch/agent/internal/db"
	"github.com/fieldpunch/agent/internal/punch/store"
	"github.com/fieldpunch/agent/internal/punch/types"
)

type QueueStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewQueueStore(db *sql.DB, writer *dbpkg.Worker) *QueueStore {
	return &QueueStore{db: db, writer: writer}
}

const queueColumns = `
id, session_local_id, op_type, payload, status, retry_count, last_error,
created_at_ms, queued_at_ms`

func scanItem(r rowScanner) (store.QueueItemRecord, error) {
	var (
		rec     store.QueueItemRecord
		op      string
		payload string
		status  string
		lastErr sql.NullString
		created int64
		queued  int64
	)
	err := r.Scan(&rec.ID, &rec.SessionLocalID, &op, &payload, &status,
		&rec.RetryCount, &lastErr, &created, &queued)
	if err != nil {
		return store.QueueItemRecord{}, err
	}
	rec.Op = types.Op(op)
	rec.Payload = []byte(payload)
	rec.Status = store.QueueItemStatus(status)
	rec.LastError = lastErr.String
	rec.CreatedAt = timeOf(created)
	rec.QueuedAt = timeOf(queued)
	return rec, nil
}

// insertItem adds one queue item row. Must be called inside an existing
// transaction so it commits together with the session effect it is coupled to.
func insertItem(ctx context.Context, tx *sql.Tx, item store.QueueItemRecord) error {
	queued := item.QueuedAt
	if queued.IsZero() {
		queued = item.CreatedAt
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO queue_items(
  id, session_local_id, op_type, payload, status, retry_count, created_at_ms, queued_at_ms
) VALUES (?, ?, ?, ?, ?, 0, ?, ?);
`, item.ID, item.SessionLocalID, string(item.Op), string(item.Payload),
		string(store.StatusPending), ms(item.CreatedAt), ms(queued)); err != nil {
		return fmt.Errorf("insert queue item %s: %w", item.ID, err)
	}
	return nil
}

// sessionState reads a session's current state inside a transaction.
func sessionState(ctx context.Context, tx *sql.Tx, localID string) (store.SessionState, error) {
	var state string
	err := tx.QueryRowContext(ctx,
		`SELECT state FROM clock_sessions WHERE local_id = ?;`, localID).Scan(&state)
	if err == sql.ErrNoRows {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read session %s state: %w", localID, err)
	}
	return store.SessionState(state), nil
}

func (s *QueueStore) EnqueueClockIn(ctx context.Context, item store.QueueItemRecord, sess store.SessionRecord) error {
	if sess.State != store.StatePending {
		return store.ErrInvalidState
	}

	inLat, inLon, inAcc, inZone := locArgs(sess.ClockInLocation)
	nowMs := ms(item.CreatedAt)

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		// ON CONFLICT + rows-affected instead of decoding driver constraint
		// errors; a duplicate local_id is a caller mistake, not storage trouble.
		res, err := tx.ExecContext(ctx, `
INSERT INTO clock_sessions(
  local_id, employee_id, work_order_id, rate_type, state,
  clock_in_ms, in_lat, in_lon, in_accuracy_m, in_zone,
  created_at_ms, updated_at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(local_id) DO NOTHING;
`, sess.LocalID, sess.EmployeeID, sess.WorkOrderID, sess.RateType,
			string(store.StatePending), ms(sess.ClockInAt),
			inLat, inLon, inAcc, inZone, nowMs, nowMs)
		if err != nil {
			return fmt.Errorf("insert session %s: %w", sess.LocalID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("session %s exists: %w", sess.LocalID, store.ErrInvalidOperation)
		}

		return insertItem(ctx, tx, item)
	})
}

func (s *QueueStore) EnqueueClockOut(ctx context.Context, item store.QueueItemRecord, clockOutAt time.Time, loc *types.Location) error {
	outLat, outLon, outAcc, outZone := locArgs(loc)
	nowMs := ms(item.CreatedAt)

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var state string
		var clockInMs int64
		err := tx.QueryRowContext(ctx,
			`SELECT state, clock_in_ms FROM clock_sessions WHERE local_id = ?;`,
			item.SessionLocalID).Scan(&state, &clockInMs)
		if err == sql.ErrNoRows {
			return fmt.Errorf("clock-out %s: %w", item.SessionLocalID, store.ErrInvalidOperation)
		}
		if err != nil {
			return fmt.Errorf("clock-out read session: %w", err)
		}
		if store.SessionState(state) != store.StateActive {
			return fmt.Errorf("clock-out from %s: %w", state, store.ErrInvalidOperation)
		}
		if ms(clockOutAt) <= clockInMs {
			return fmt.Errorf("clock-out not after clock-in: %w", store.ErrInvalidOperation)
		}

		if _, err := tx.ExecContext(ctx, `
UPDATE clock_sessions
SET state = ?, clock_out_ms = ?,
    out_lat = ?, out_lon = ?, out_accuracy_m = ?, out_zone = ?,
    updated_at_ms = ?
WHERE local_id = ?;
`, string(store.StatePendingClockOut), ms(clockOutAt),
			outLat, outLon, outAcc, outZone, nowMs, item.SessionLocalID); err != nil {
			return fmt.Errorf("clock-out update session: %w", err)
		}

		return insertItem(ctx, tx, item)
	})
}

func (s *QueueStore) EnqueueRateChange(ctx context.Context, item store.QueueItemRecord, rateType string) error {
	nowMs := ms(item.CreatedAt)

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		state, err := sessionState(ctx, tx, item.SessionLocalID)
		if err == store.ErrNotFound {
			return fmt.Errorf("rate change %s: %w", item.SessionLocalID, store.ErrInvalidOperation)
		}
		if err != nil {
			return err
		}
		if state != store.StateActive {
			return fmt.Errorf("rate change from %s: %w", state, store.ErrInvalidOperation)
		}

		if _, err := tx.ExecContext(ctx, `
UPDATE clock_sessions SET rate_type = ?, updated_at_ms = ? WHERE local_id = ?;
`, rateType, nowMs, item.SessionLocalID); err != nil {
			return fmt.Errorf("rate change update session: %w", err)
		}

		return insertItem(ctx, tx, item)
	})
}

// NextPending returns the oldest drainable pending item. An item is held
// back while any earlier-inserted item for the same session is still on the
// queue — this keeps per-session causal order and lets a failed item block
// its session until manually resolved, without stalling other sessions.
func (s *QueueStore) NextPending(ctx context.Context) (store.QueueItemRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+queueColumns+`
FROM queue_items p
WHERE p.status = ?
  AND NOT EXISTS (
    SELECT 1 FROM queue_items q
    WHERE q.session_local_id = p.session_local_id
      AND q.rowid < p.rowid
  )
ORDER BY p.queued_at_ms, p.created_at_ms
LIMIT 1;
`, string(store.StatusPending))

	rec, err := scanItem(row)
	if err == sql.ErrNoRows {
		return store.QueueItemRecord{}, store.ErrNotFound
	}
	if err != nil {
		return store.QueueItemRecord{}, fmt.Errorf("NextPending: %w", err)
	}
	return rec, nil
}

func (s *QueueStore) Item(ctx context.Context, id string) (store.QueueItemRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM queue_items WHERE id = ?;`, id)
	rec, err := scanItem(row)
	if err == sql.ErrNoRows {
		return store.QueueItemRecord{}, store.ErrNotFound
	}
	if err != nil {
		return store.QueueItemRecord{}, fmt.Errorf("Item %s: %w", id, err)
	}
	return rec, nil
}

func (s *QueueStore) MarkInFlight(ctx context.Context, id string) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE queue_items SET status = ? WHERE id = ? AND status = ?;`,
			string(store.StatusInFlight), id, string(store.StatusPending))
		if err != nil {
			return fmt.Errorf("MarkInFlight %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}

func (s *QueueStore) MarkRetry(ctx context.Context, id string, retryCount int) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE queue_items SET status = ?, retry_count = ? WHERE id = ? AND status = ?;`,
			string(store.StatusPending), retryCount, id, string(store.StatusInFlight))
		if err != nil {
			return fmt.Errorf("MarkRetry %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}

// AckSuccess removes the item, reconciles its session and advances the sync
// cursor — one transaction, so a crash leaves either all or none. The session
// is re-read inside the transaction and reconcile is applied to that fresh
// record: enqueues that landed while the submission was on the wire (the UI
// keeps punching during a drain) must survive the ack.
func (s *QueueStore) AckSuccess(ctx context.Context, id string, reconcile store.ReconcileFunc, syncedAt time.Time) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var sessionID string
		err := tx.QueryRowContext(ctx,
			`SELECT session_local_id FROM queue_items WHERE id = ?;`, id).Scan(&sessionID)
		if err == sql.ErrNoRows {
			return store.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("AckSuccess read %s: %w", id, err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM queue_items WHERE id = ?;`, id); err != nil {
			return fmt.Errorf("AckSuccess delete %s: %w", id, err)
		}

		cur, err := scanSession(tx.QueryRowContext(ctx,
			`SELECT `+sessionColumns+` FROM clock_sessions WHERE local_id = ?;`, sessionID))
		if err == sql.ErrNoRows {
			return store.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("AckSuccess read session %s: %w", sessionID, err)
		}

		sess, err := reconcile(cur)
		if err != nil {
			return err
		}
		if cur.State != sess.State && !store.ValidTransition(cur.State, sess.State) {
			return fmt.Errorf("ack %s -> %s: %w", cur.State, sess.State, store.ErrInvalidState)
		}

		var remoteID any
		if sess.RemoteID != "" {
			remoteID = sess.RemoteID
		}
		var durMin any
		if sess.DurationMin != nil {
			durMin = *sess.DurationMin
		}

		if _, err := tx.ExecContext(ctx, `
UPDATE clock_sessions
SET remote_id = ?, rate_type = ?, state = ?,
    clock_in_ms = ?, clock_out_ms = ?, duration_min = ?,
    updated_at_ms = ?
WHERE local_id = ?;
`, remoteID, sess.RateType, string(sess.State),
			ms(sess.ClockInAt), msPtr(sess.ClockOutAt), durMin,
			ms(syncedAt), sessionID); err != nil {
			return fmt.Errorf("AckSuccess update session: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE sync_cursor SET last_synced_at_ms = ? WHERE id = 1;`,
			ms(syncedAt)); err != nil {
			return fmt.Errorf("AckSuccess advance cursor: %w", err)
		}

		return nil
	})
}

// MarkFailed records a terminal failure. With rollback the optimistic
// session effect is reverted in the same transaction.
func (s *QueueStore) MarkFailed(ctx context.Context, id string, lastError string, rollback bool) error {
	nowMs := ms(time.Now())

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var (
			sessionID string
			op        string
			payload   string
		)
		err := tx.QueryRowContext(ctx,
			`SELECT session_local_id, op_type, payload FROM queue_items WHERE id = ?;`,
			id).Scan(&sessionID, &op, &payload)
		if err == sql.ErrNoRows {
			return store.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("MarkFailed read %s: %w", id, err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE queue_items SET status = ?, last_error = ? WHERE id = ?;`,
			string(store.StatusFailed), lastError, id); err != nil {
			return fmt.Errorf("MarkFailed update %s: %w", id, err)
		}

		if !rollback {
			return nil
		}
		return rollbackSession(ctx, tx, sessionID, types.Op(op), []byte(payload), nowMs)
	})
}

// rollbackSession undoes the optimistic effect an enqueue applied.
// Must be called inside an existing transaction.
func rollbackSession(ctx context.Context, tx *sql.Tx, sessionID string, op types.Op, payload []byte, nowMs int64) error {
	cur, err := sessionState(ctx, tx, sessionID)
	if err != nil {
		return err
	}

	switch op {
	case types.OpClockIn:
		if !store.ValidTransition(cur, store.StateRolledBack) {
			return fmt.Errorf("rollback clock-in from %s: %w", cur, store.ErrInvalidState)
		}
		_, err := tx.ExecContext(ctx, `
UPDATE clock_sessions SET state = ?, updated_at_ms = ? WHERE local_id = ?;
`, string(store.StateRolledBack), nowMs, sessionID)
		if err != nil {
			return fmt.Errorf("rollback clock-in: %w", err)
		}

	case types.OpClockOut:
		if !store.ValidTransition(cur, store.StateActive) {
			return fmt.Errorf("rollback clock-out from %s: %w", cur, store.ErrInvalidState)
		}
		_, err := tx.ExecContext(ctx, `
UPDATE clock_sessions
SET state = ?, clock_out_ms = NULL, duration_min = NULL,
    out_lat = NULL, out_lon = NULL, out_accuracy_m = NULL, out_zone = NULL,
    updated_at_ms = ?
WHERE local_id = ?;
`, string(store.StateActive), nowMs, sessionID)
		if err != nil {
			return fmt.Errorf("rollback clock-out: %w", err)
		}

	case types.OpUpdateRate:
		var p types.RateChangePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("rollback rate payload: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
UPDATE clock_sessions SET rate_type = ?, updated_at_ms = ? WHERE local_id = ?;
`, p.PreviousRate, nowMs, sessionID)
		if err != nil {
			return fmt.Errorf("rollback rate: %w", err)
		}

	default:
		return fmt.Errorf("rollback unknown op %q: %w", op, store.ErrInvalidOperation)
	}

	return nil
}

// Retry resets a failed item to pending at the tail of the drain order and
// re-applies its optimistic session effect from the immutable payload, so a
// rolled-back session re-enters the state the ack path expects.
func (s *QueueStore) Retry(ctx context.Context, id string, queuedAt time.Time) error {
	nowMs := ms(queuedAt)

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var (
			sessionID string
			op        string
			payload   string
			status    string
		)
		err := tx.QueryRowContext(ctx,
			`SELECT session_local_id, op_type, payload, status FROM queue_items WHERE id = ?;`,
			id).Scan(&sessionID, &op, &payload, &status)
		if err == sql.ErrNoRows {
			return store.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("Retry read %s: %w", id, err)
		}
		if store.QueueItemStatus(status) != store.StatusFailed {
			return fmt.Errorf("retry of %s item: %w", status, store.ErrInvalidOperation)
		}

		if _, err := tx.ExecContext(ctx, `
UPDATE queue_items
SET status = ?, retry_count = 0, last_error = NULL, queued_at_ms = ?
WHERE id = ?;
`, string(store.StatusPending), nowMs, id); err != nil {
			return fmt.Errorf("Retry update %s: %w", id, err)
		}

		return reapplyOptimistic(ctx, tx, sessionID, types.Op(op), []byte(payload), nowMs)
	})
}

// reapplyOptimistic restores the session effect a retried item represents.
// When the original failure was exhausted retries (no rollback happened) the
// session is already in the target state and the write is a no-op.
func reapplyOptimistic(ctx context.Context, tx *sql.Tx, sessionID string, op types.Op, payload []byte, nowMs int64) error {
	cur, err := sessionState(ctx, tx, sessionID)
	if err != nil {
		return err
	}

	switch op {
	case types.OpClockIn:
		if cur != store.StatePending && !store.ValidTransition(cur, store.StatePending) {
			return fmt.Errorf("retry clock-in from %s: %w", cur, store.ErrInvalidState)
		}
		_, err := tx.ExecContext(ctx, `
UPDATE clock_sessions SET state = ?, updated_at_ms = ? WHERE local_id = ?;
`, string(store.StatePending), nowMs, sessionID)
		if err != nil {
			return fmt.Errorf("retry clock-in: %w", err)
		}

	case types.OpClockOut:
		if cur != store.StatePendingClockOut && !store.ValidTransition(cur, store.StatePendingClockOut) {
			return fmt.Errorf("retry clock-out from %s: %w", cur, store.ErrInvalidState)
		}
		var p types.ClockOutPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("retry clock-out payload: %w", err)
		}
		outAt, err := time.Parse(time.RFC3339, p.ClockOutTime)
		if err != nil {
			return fmt.Errorf("retry clock-out time: %w", err)
		}
		outLat, outLon, outAcc, outZone := locArgs(p.Location)
		_, err = tx.ExecContext(ctx, `
UPDATE clock_sessions
SET state = ?, clock_out_ms = ?,
    out_lat = ?, out_lon = ?, out_accuracy_m = ?, out_zone = ?,
    updated_at_ms = ?
WHERE local_id = ?;
`, string(store.StatePendingClockOut), ms(outAt),
			outLat, outLon, outAcc, outZone, nowMs, sessionID)
		if err != nil {
			return fmt.Errorf("retry clock-out: %w", err)
		}

	case types.OpUpdateRate:
		var p types.RateChangePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("retry rate payload: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
UPDATE clock_sessions SET rate_type = ?, updated_at_ms = ? WHERE local_id = ?;
`, p.RateType, nowMs, sessionID)
		if err != nil {
			return fmt.Errorf("retry rate: %w", err)
		}

	default:
		return fmt.Errorf("retry unknown op %q: %w", op, store.ErrInvalidOperation)
	}

	return nil
}

func (s *QueueStore) RequeueInFlight(ctx context.Context) (int64, error) {
	var requeued int64
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE queue_items SET status = ? WHERE status = ?;`,
			string(store.StatusPending), string(store.StatusInFlight))
		if err != nil {
			return fmt.Errorf("RequeueInFlight: %w", err)
		}
		requeued, _ = res.RowsAffected()
		return nil
	})
	return requeued, err
}

func (s *QueueStore) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_items WHERE status = ?;`,
		string(store.StatusPending)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("PendingCount: %w", err)
	}
	return n, nil
}

func (s *QueueStore) FailedItems(ctx context.Context) ([]store.QueueItemRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+queueColumns+` FROM queue_items WHERE status = ? ORDER BY created_at_ms;`,
		string(store.StatusFailed))
	if err != nil {
		return nil, fmt.Errorf("FailedItems: %w", err)
	}
	defer rows.Close()

	var out []store.QueueItemRecord
	for rows.Next() {
		rec, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("FailedItems scan: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
