package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fieldpunch/agent/internal/punch/store"
	"github.com/fieldpunch/agent/internal/punch/types"
)

var (
	ErrMissingEmployeeID  = errors.New("employee_id is required")
	ErrMissingWorkOrderID = errors.New("work_order_id is required")
	ErrMissingRateType    = errors.New("rate_type is required")
	ErrMissingSessionID   = errors.New("local_id is required")
	ErrBadTimestamp       = errors.New("time must be RFC3339")
)

// Reachability is the scheduling hint the service consults after a durable
// enqueue: when the authority looks reachable the syncer is woken for an
// immediate drain, otherwise the item simply waits in the queue.
type Reachability interface {
	Reachable() bool
}

// PunchService is the write surface the punch UI talks to. Every mutation
// commits locally before this returns — nothing here waits on the network.
type PunchService struct {
	queue    store.QueueStore
	sessions store.SessionStore
	cursor   store.CursorStore
	gate     Reachability
	wake     func()
	now      func() time.Time
}

func NewPunchService(q store.QueueStore, s store.SessionStore, c store.CursorStore, gate Reachability, wake func()) *PunchService {
	if wake == nil {
		wake = func() {}
	}
	return &PunchService{
		queue:    q,
		sessions: s,
		cursor:   c,
		gate:     gate,
		wake:     wake,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ClockIn durably records a clock-in: one transaction inserts the session in
// its optimistic pending state together with the queue item that will replay
// it remotely. Returns the new session and the queue item id.
func (s *PunchService) ClockIn(ctx context.Context, req types.ClockInRequest) (store.SessionRecord, string, error) {
	if strings.TrimSpace(req.EmployeeID) == "" {
		return store.SessionRecord{}, "", ErrMissingEmployeeID
	}
	if strings.TrimSpace(req.WorkOrderID) == "" {
		return store.SessionRecord{}, "", ErrMissingWorkOrderID
	}
	if strings.TrimSpace(req.RateType) == "" {
		return store.SessionRecord{}, "", ErrMissingRateType
	}

	at, err := s.parseTime(req.Time)
	if err != nil {
		return store.SessionRecord{}, "", err
	}

	localID := uuid.NewString()
	itemID := uuid.NewString()

	payload, err := json.Marshal(types.ClockInPayload{
		SessionLocalID: localID,
		EmployeeID:     req.EmployeeID,
		WorkOrderID:    req.WorkOrderID,
		RateType:       req.RateType,
		ClockInTime:    at.Format(time.RFC3339),
		Location:       req.Location,
	})
	if err != nil {
		return store.SessionRecord{}, "", fmt.Errorf("clock-in payload: %w", err)
	}

	now := s.now()
	sess := store.SessionRecord{
		LocalID:         localID,
		EmployeeID:      req.EmployeeID,
		WorkOrderID:     req.WorkOrderID,
		RateType:        req.RateType,
		State:           store.StatePending,
		ClockInAt:       at,
		ClockInLocation: req.Location,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	item := store.QueueItemRecord{
		ID:             itemID,
		SessionLocalID: localID,
		Op:             types.OpClockIn,
		Payload:        payload,
		CreatedAt:      now,
	}

	if err := s.queue.EnqueueClockIn(ctx, item, sess); err != nil {
		return store.SessionRecord{}, "", err
	}
	s.pokeSync()
	return sess, itemID, nil
}

// ClockOut durably records a clock-out against an active session. The
// session moves to pending_clock_out in the same transaction.
func (s *PunchService) ClockOut(ctx context.Context, req types.ClockOutRequest) (store.SessionRecord, string, error) {
	if strings.TrimSpace(req.LocalID) == "" {
		return store.SessionRecord{}, "", ErrMissingSessionID
	}
	at, err := s.parseTime(req.Time)
	if err != nil {
		return store.SessionRecord{}, "", err
	}

	itemID := uuid.NewString()
	payload, err := json.Marshal(types.ClockOutPayload{
		SessionLocalID: req.LocalID,
		ClockOutTime:   at.Format(time.RFC3339),
		Location:       req.Location,
	})
	if err != nil {
		return store.SessionRecord{}, "", fmt.Errorf("clock-out payload: %w", err)
	}

	item := store.QueueItemRecord{
		ID:             itemID,
		SessionLocalID: req.LocalID,
		Op:             types.OpClockOut,
		Payload:        payload,
		CreatedAt:      s.now(),
	}

	if err := s.queue.EnqueueClockOut(ctx, item, at, req.Location); err != nil {
		return store.SessionRecord{}, "", err
	}
	s.pokeSync()

	sess, err := s.sessions.GetSession(ctx, req.LocalID)
	if err != nil {
		return store.SessionRecord{}, "", err
	}
	return sess, itemID, nil
}

// ChangeRate applies a rate change optimistically and queues it. The payload
// snapshots the prior rate so a permanent rejection can restore it.
func (s *PunchService) ChangeRate(ctx context.Context, req types.RateChangeRequest) (store.SessionRecord, string, error) {
	if strings.TrimSpace(req.LocalID) == "" {
		return store.SessionRecord{}, "", ErrMissingSessionID
	}
	if strings.TrimSpace(req.RateType) == "" {
		return store.SessionRecord{}, "", ErrMissingRateType
	}

	prev, err := s.sessions.GetSession(ctx, req.LocalID)
	if err != nil {
		return store.SessionRecord{}, "", err
	}

	itemID := uuid.NewString()
	payload, err := json.Marshal(types.RateChangePayload{
		SessionLocalID: req.LocalID,
		RateType:       req.RateType,
		PreviousRate:   prev.RateType,
	})
	if err != nil {
		return store.SessionRecord{}, "", fmt.Errorf("rate payload: %w", err)
	}

	item := store.QueueItemRecord{
		ID:             itemID,
		SessionLocalID: req.LocalID,
		Op:             types.OpUpdateRate,
		Payload:        payload,
		CreatedAt:      s.now(),
	}

	if err := s.queue.EnqueueRateChange(ctx, item, req.RateType); err != nil {
		return store.SessionRecord{}, "", err
	}
	s.pokeSync()

	sess, err := s.sessions.GetSession(ctx, req.LocalID)
	if err != nil {
		return store.SessionRecord{}, "", err
	}
	return sess, itemID, nil
}

// Retry re-queues a failed item at the tail of the drain order and pokes the
// syncer.
func (s *PunchService) Retry(ctx context.Context, itemID string) error {
	if strings.TrimSpace(itemID) == "" {
		return store.ErrNotFound
	}
	if err := s.queue.Retry(ctx, itemID, s.now()); err != nil {
		return err
	}
	s.pokeSync()
	return nil
}

func (s *PunchService) Session(ctx context.Context, localID string) (store.SessionRecord, error) {
	return s.sessions.GetSession(ctx, localID)
}

func (s *PunchService) Sessions(ctx context.Context, limit int) ([]store.SessionRecord, error) {
	return s.sessions.ListSessions(ctx, limit)
}

func (s *PunchService) PendingCount(ctx context.Context) (int, error) {
	return s.queue.PendingCount(ctx)
}

func (s *PunchService) FailedItems(ctx context.Context) ([]store.QueueItemRecord, error) {
	return s.queue.FailedItems(ctx)
}

func (s *PunchService) Cursor(ctx context.Context) (store.Cursor, error) {
	return s.cursor.GetCursor(ctx)
}

func (s *PunchService) pokeSync() {
	if s.gate != nil && s.gate.Reachable() {
		s.wake()
	}
}

func (s *PunchService) parseTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return s.now(), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, ErrBadTimestamp
	}
	return t.UTC(), nil
}
