// Package memory holds an in-memory Store used by tests and by the service
// layer's unit tests. Queue items and sessions share one lock because the
// queue's atomic operations span both, mirroring the sqlite transactions.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/fieldpunch/agent/internal/punch/store"
	"github.com/fieldpunch/agent/internal/punch/types"
)

type Store struct {
	mu       sync.Mutex
	items    []*store.QueueItemRecord // insertion order preserved
	sessions map[string]*store.SessionRecord
	cursor   store.Cursor
}

func New() *Store {
	return &Store{
		sessions: make(map[string]*store.SessionRecord),
	}
}

func (s *Store) EnqueueClockIn(_ context.Context, item store.QueueItemRecord, sess store.SessionRecord) error {
	if sess.State != store.StatePending {
		return store.ErrInvalidState
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess.LocalID]; ok {
		return fmt.Errorf("session %s exists: %w", sess.LocalID, store.ErrInvalidOperation)
	}
	sc := sess
	sc.UpdatedAt = item.CreatedAt
	s.sessions[sess.LocalID] = &sc
	s.appendItem(item)
	return nil
}

func (s *Store) EnqueueClockOut(_ context.Context, item store.QueueItemRecord, clockOutAt time.Time, loc *types.Location) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[item.SessionLocalID]
	if !ok {
		return fmt.Errorf("clock-out %s: %w", item.SessionLocalID, store.ErrInvalidOperation)
	}
	if sess.State != store.StateActive {
		return fmt.Errorf("clock-out from %s: %w", sess.State, store.ErrInvalidOperation)
	}
	if !clockOutAt.After(sess.ClockInAt) {
		return fmt.Errorf("clock-out not after clock-in: %w", store.ErrInvalidOperation)
	}

	out := clockOutAt.UTC()
	sess.State = store.StatePendingClockOut
	sess.ClockOutAt = &out
	sess.ClockOutLocation = loc
	sess.UpdatedAt = item.CreatedAt
	s.appendItem(item)
	return nil
}

func (s *Store) EnqueueRateChange(_ context.Context, item store.QueueItemRecord, rateType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[item.SessionLocalID]
	if !ok {
		return fmt.Errorf("rate change %s: %w", item.SessionLocalID, store.ErrInvalidOperation)
	}
	if sess.State != store.StateActive {
		return fmt.Errorf("rate change from %s: %w", sess.State, store.ErrInvalidOperation)
	}

	sess.RateType = rateType
	sess.UpdatedAt = item.CreatedAt
	s.appendItem(item)
	return nil
}

// appendItem stores a copy with defaults applied. Callers hold the lock.
func (s *Store) appendItem(item store.QueueItemRecord) {
	c := item
	if c.Status == "" {
		c.Status = store.StatusPending
	}
	if c.QueuedAt.IsZero() {
		c.QueuedAt = c.CreatedAt
	}
	s.items = append(s.items, &c)
}

func (s *Store) NextPending(_ context.Context) (store.QueueItemRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	earliest := make(map[string]int) // session -> first index still queued
	for i, it := range s.items {
		if _, ok := earliest[it.SessionLocalID]; !ok {
			earliest[it.SessionLocalID] = i
		}
	}

	best := -1
	for i, it := range s.items {
		if it.Status != store.StatusPending || earliest[it.SessionLocalID] != i {
			continue
		}
		if best == -1 || it.QueuedAt.Before(s.items[best].QueuedAt) {
			best = i
		}
	}
	if best == -1 {
		return store.QueueItemRecord{}, store.ErrNotFound
	}
	return *s.items[best], nil
}

func (s *Store) Item(_ context.Context, id string) (store.QueueItemRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it := s.find(id)
	if it == nil {
		return store.QueueItemRecord{}, store.ErrNotFound
	}
	return *it, nil
}

func (s *Store) find(id string) *store.QueueItemRecord {
	for _, it := range s.items {
		if it.ID == id {
			return it
		}
	}
	return nil
}

func (s *Store) MarkInFlight(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it := s.find(id)
	if it == nil || it.Status != store.StatusPending {
		return store.ErrNotFound
	}
	it.Status = store.StatusInFlight
	return nil
}

func (s *Store) MarkRetry(_ context.Context, id string, retryCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it := s.find(id)
	if it == nil || it.Status != store.StatusInFlight {
		return store.ErrNotFound
	}
	it.Status = store.StatusPending
	it.RetryCount = retryCount
	return nil
}

// AckSuccess reconciles against the session as it is now, not as the caller
// last saw it, matching the sqlite store's in-transaction re-read.
func (s *Store) AckSuccess(_ context.Context, id string, reconcile store.ReconcileFunc, syncedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, it := range s.items {
		if it.ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return store.ErrNotFound
	}

	cur, ok := s.sessions[s.items[idx].SessionLocalID]
	if !ok {
		return store.ErrNotFound
	}

	sess, err := reconcile(*cur)
	if err != nil {
		return err
	}
	if cur.State != sess.State && !store.ValidTransition(cur.State, sess.State) {
		return fmt.Errorf("ack %s -> %s: %w", cur.State, sess.State, store.ErrInvalidState)
	}

	s.items = append(s.items[:idx], s.items[idx+1:]...)

	cur.RemoteID = sess.RemoteID
	cur.RateType = sess.RateType
	cur.State = sess.State
	cur.ClockInAt = sess.ClockInAt
	cur.ClockOutAt = sess.ClockOutAt
	cur.DurationMin = sess.DurationMin
	cur.UpdatedAt = syncedAt

	at := syncedAt.UTC()
	s.cursor.LastSyncedAt = &at
	return nil
}

func (s *Store) MarkFailed(_ context.Context, id string, lastError string, rollback bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it := s.find(id)
	if it == nil {
		return store.ErrNotFound
	}
	it.Status = store.StatusFailed
	it.LastError = lastError

	if !rollback {
		return nil
	}

	sess, ok := s.sessions[it.SessionLocalID]
	if !ok {
		return store.ErrNotFound
	}

	switch it.Op {
	case types.OpClockIn:
		if !store.ValidTransition(sess.State, store.StateRolledBack) {
			return fmt.Errorf("rollback clock-in from %s: %w", sess.State, store.ErrInvalidState)
		}
		sess.State = store.StateRolledBack
	case types.OpClockOut:
		if !store.ValidTransition(sess.State, store.StateActive) {
			return fmt.Errorf("rollback clock-out from %s: %w", sess.State, store.ErrInvalidState)
		}
		sess.State = store.StateActive
		sess.ClockOutAt = nil
		sess.ClockOutLocation = nil
		sess.DurationMin = nil
	case types.OpUpdateRate:
		var p types.RateChangePayload
		if err := json.Unmarshal(it.Payload, &p); err != nil {
			return fmt.Errorf("rollback rate payload: %w", err)
		}
		sess.RateType = p.PreviousRate
	}
	return nil
}

func (s *Store) Retry(_ context.Context, id string, queuedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it := s.find(id)
	if it == nil {
		return store.ErrNotFound
	}
	if it.Status != store.StatusFailed {
		return fmt.Errorf("retry of %s item: %w", it.Status, store.ErrInvalidOperation)
	}

	it.Status = store.StatusPending
	it.RetryCount = 0
	it.LastError = ""
	it.QueuedAt = queuedAt.UTC()

	sess, ok := s.sessions[it.SessionLocalID]
	if !ok {
		return store.ErrNotFound
	}

	switch it.Op {
	case types.OpClockIn:
		sess.State = store.StatePending
	case types.OpClockOut:
		var p types.ClockOutPayload
		if err := json.Unmarshal(it.Payload, &p); err != nil {
			return fmt.Errorf("retry clock-out payload: %w", err)
		}
		outAt, err := time.Parse(time.RFC3339, p.ClockOutTime)
		if err != nil {
			return fmt.Errorf("retry clock-out time: %w", err)
		}
		out := outAt.UTC()
		sess.State = store.StatePendingClockOut
		sess.ClockOutAt = &out
		sess.ClockOutLocation = p.Location
	case types.OpUpdateRate:
		var p types.RateChangePayload
		if err := json.Unmarshal(it.Payload, &p); err != nil {
			return fmt.Errorf("retry rate payload: %w", err)
		}
		sess.RateType = p.RateType
	}
	return nil
}

func (s *Store) RequeueInFlight(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, it := range s.items {
		if it.Status == store.StatusInFlight {
			it.Status = store.StatusPending
			n++
		}
	}
	return n, nil
}

func (s *Store) PendingCount(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, it := range s.items {
		if it.Status == store.StatusPending {
			n++
		}
	}
	return n, nil
}

func (s *Store) FailedItems(_ context.Context) ([]store.QueueItemRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.QueueItemRecord
	for _, it := range s.items {
		if it.Status == store.StatusFailed {
			out = append(out, *it)
		}
	}
	return out, nil
}

func (s *Store) GetSession(_ context.Context, localID string) (store.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[localID]
	if !ok {
		return store.SessionRecord{}, store.ErrNotFound
	}
	return *sess, nil
}

func (s *Store) ListSessions(_ context.Context, limit int) ([]store.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.SessionRecord
	for _, sess := range s.sessions {
		out = append(out, *sess)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) ArchiveSyncedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, sess := range s.sessions {
		if sess.State == store.StateSynced && sess.ClockOutAt != nil && sess.ClockOutAt.Before(cutoff) {
			sess.State = store.StateArchived
			n++
		}
	}
	return n, nil
}

func (s *Store) GetCursor(_ context.Context) (store.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor, nil
}

func (s *Store) TouchAttempt(_ context.Context, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := at.UTC()
	s.cursor.LastAttemptAt = &t
	return nil
}
