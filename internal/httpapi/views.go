package httpapi

import (
	"time"

	"github.com/fieldpunch/agent/internal/punch/store"
	"github.com/fieldpunch/agent/internal/punch/types"
)

type okResponse struct {
	OK bool `json:"ok"`
}

type retryRequest struct {
	QueueItemID string `json:"queue_item_id"`
}

type connectivityRequest struct {
	Reachable bool `json:"reachable"`
}

type sessionView struct {
	LocalID          string          `json:"local_id"`
	RemoteID         string          `json:"remote_id,omitempty"`
	EmployeeID       string          `json:"employee_id"`
	WorkOrderID      string          `json:"work_order_id"`
	RateType         string          `json:"rate_type"`
	State            string          `json:"state"`
	ClockInTime      string          `json:"clock_in_time"`
	ClockOutTime     string          `json:"clock_out_time,omitempty"`
	DurationMin      *int            `json:"duration_min,omitempty"`
	ClockInLocation  *types.Location `json:"clock_in_location,omitempty"`
	ClockOutLocation *types.Location `json:"clock_out_location,omitempty"`
}

type punchResultView struct {
	QueueItemID string      `json:"queue_item_id"`
	Session     sessionView `json:"session"`
}

type failedItemView struct {
	ID             string `json:"id"`
	SessionLocalID string `json:"session_local_id"`
	Op             string `json:"op"`
	RetryCount     int    `json:"retry_count"`
	LastError      string `json:"last_error,omitempty"`
	CreatedAt      string `json:"created_at"`
}

type statusView struct {
	PendingCount  int              `json:"pending_count"`
	Reachable     bool             `json:"reachable"`
	LastSyncedAt  string           `json:"last_synced_at,omitempty"`
	LastAttemptAt string           `json:"last_attempt_at,omitempty"`
	FailedItems   []failedItemView `json:"failed_items"`
}

func sessionToView(sess store.SessionRecord) sessionView {
	v := sessionView{
		LocalID:          sess.LocalID,
		RemoteID:         sess.RemoteID,
		EmployeeID:       sess.EmployeeID,
		WorkOrderID:      sess.WorkOrderID,
		RateType:         sess.RateType,
		State:            string(sess.State),
		ClockInTime:      sess.ClockInAt.UTC().Format(time.RFC3339),
		DurationMin:      sess.DurationMin,
		ClockInLocation:  sess.ClockInLocation,
		ClockOutLocation: sess.ClockOutLocation,
	}
	if sess.ClockOutAt != nil {
		v.ClockOutTime = sess.ClockOutAt.UTC().Format(time.RFC3339)
	}
	return v
}

func statusToView(pending int, reachable bool, cursor store.Cursor, failed []store.QueueItemRecord) statusView {
	v := statusView{
		PendingCount: pending,
		Reachable:    reachable,
		FailedItems:  make([]failedItemView, 0, len(failed)),
	}
	if cursor.LastSyncedAt != nil {
		v.LastSyncedAt = cursor.LastSyncedAt.UTC().Format(time.RFC3339)
	}
	if cursor.LastAttemptAt != nil {
		v.LastAttemptAt = cursor.LastAttemptAt.UTC().Format(time.RFC3339)
	}
	for _, item := range failed {
		v.FailedItems = append(v.FailedItems, failedItemView{
			ID:             item.ID,
			SessionLocalID: item.SessionLocalID,
			Op:             string(item.Op),
			RetryCount:     item.RetryCount,
			LastError:      item.LastError,
			CreatedAt:      item.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return v
}
