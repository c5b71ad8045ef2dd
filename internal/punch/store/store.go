package store

import (
	"context"
	"time"

	"github.com/fieldpunch/agent/internal/punch/types"
)

// QueueItemStatus is the durable state of one pending remote operation.
type QueueItemStatus string

const (
	StatusPending  QueueItemStatus = "pending"
	StatusInFlight QueueItemStatus = "in_flight"
	StatusFailed   QueueItemStatus = "failed"
)

// QueueItemRecord is one durable, replayable record of a pending remote
// operation. Payload is write-once; only Status, RetryCount, LastError and
// QueuedAt (manual retry re-tails) ever change after insert.
type QueueItemRecord struct {
	ID             string
	SessionLocalID string
	Op             types.Op
	Payload        []byte // JSON snapshot
	Status         QueueItemStatus
	RetryCount     int
	LastError      string // set only when Status == StatusFailed
	CreatedAt      time.Time
	QueuedAt       time.Time // drain order; equals CreatedAt until a manual retry
}

// SessionRecord is the local view of one work period.
type SessionRecord struct {
	LocalID          string
	RemoteID         string // empty until the server accepts the clock-in
	EmployeeID       string
	WorkOrderID      string
	RateType         string
	State            SessionState
	ClockInAt        time.Time
	ClockOutAt       *time.Time
	DurationMin      *int // server-computed, present once synced
	ClockInLocation  *types.Location
	ClockOutLocation *types.Location
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Cursor is the process-wide sync position, used for "last synced" display
// and surviving restarts.
type Cursor struct {
	LastSyncedAt  *time.Time
	LastAttemptAt *time.Time
}

// ReconcileFunc merges a server acknowledgement into a session. AckSuccess
// calls it with the session as it exists inside the ack transaction, not a
// snapshot from before the submission: a punch enqueued while the remote call
// was on the wire is merged into, never overwritten by, the ack.
type ReconcileFunc func(SessionRecord) (SessionRecord, error)

// QueueStore persists queue items and applies their coupled optimistic
// session effects. Every method is one atomic transaction: the queue entry
// and the session state it implies can never diverge.
type QueueStore interface {
	// EnqueueClockIn inserts the session (state=pending) and its queue item.
	EnqueueClockIn(ctx context.Context, item QueueItemRecord, sess SessionRecord) error

	// EnqueueClockOut moves an active session to pending_clock_out, stamps
	// the clock-out fields and inserts the queue item. Returns
	// ErrInvalidOperation unless the session exists and is active.
	EnqueueClockOut(ctx context.Context, item QueueItemRecord, clockOutAt time.Time, loc *types.Location) error

	// EnqueueRateChange applies the optimistic rate to an active session and
	// inserts the queue item.
	EnqueueRateChange(ctx context.Context, item QueueItemRecord, rateType string) error

	// NextPending returns the oldest drainable pending item: ordered by
	// QueuedAt, skipping any item with an earlier-created sibling for the
	// same session still on the queue (per-session causal order; a failed
	// item blocks its session until manually resolved). ErrNotFound when the
	// queue is drained.
	NextPending(ctx context.Context) (QueueItemRecord, error)

	Item(ctx context.Context, id string) (QueueItemRecord, error)

	MarkInFlight(ctx context.Context, id string) error

	// MarkRetry records a transient failure: status back to pending with the
	// bumped retry count. The error text is not persisted — LastError is
	// reserved for terminal failures.
	MarkRetry(ctx context.Context, id string, retryCount int) error

	// AckSuccess deletes the item, applies reconcile to the item's session as
	// freshly read inside the transaction, and advances the sync cursor, all
	// atomically. Returns ErrInvalidState (and commits nothing) when the
	// reconciled state is not reachable from the session's current state.
	AckSuccess(ctx context.Context, id string, reconcile ReconcileFunc, syncedAt time.Time) error

	// MarkFailed records a terminal failure. When rollback is true the
	// session's optimistic effect is reverted in the same transaction
	// (pending -> rolled_back, pending_clock_out -> active with the clock-out
	// cleared, update_rate -> previous rate restored).
	MarkFailed(ctx context.Context, id string, lastError string, rollback bool) error

	// Retry resets a failed item to pending with retryCount=0 and re-enters
	// it at the tail of the drain order.
	Retry(ctx context.Context, id string, queuedAt time.Time) error

	// RequeueInFlight flips items left in_flight by a previous run back to
	// pending (at-least-once delivery across process death).
	RequeueInFlight(ctx context.Context) (int64, error)

	PendingCount(ctx context.Context) (int, error)
	FailedItems(ctx context.Context) ([]QueueItemRecord, error)
}

// SessionStore reads sessions and runs the retention sweep.
type SessionStore interface {
	GetSession(ctx context.Context, localID string) (SessionRecord, error)
	ListSessions(ctx context.Context, limit int) ([]SessionRecord, error)

	// ArchiveSyncedBefore archives synced sessions whose clock-out is older
	// than the cutoff. Returns the number of sessions archived.
	ArchiveSyncedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// CursorStore exposes the durable sync position.
type CursorStore interface {
	GetCursor(ctx context.Context) (Cursor, error)
	TouchAttempt(ctx context.Context, at time.Time) error
}
