package service

import (
	"fmt"
	"time"

	"github.com/fieldpunch/agent/internal/punch/store"
	"github.com/fieldpunch/agent/internal/punch/types"
)

// Reconcile merges the server's authoritative response into a local session:
// server-owned fields (remote id, timestamps, computed duration, accepted
// rate) replace the local optimistic values wholesale, local-only fields
// (locations, identifiers) are preserved. There is no field-by-field
// "most recent wins" — the server is the clock of record, which closes off
// client-side time manipulation.
//
// Reconcile is pure and idempotent: applying the same response twice yields
// the same session.
func Reconcile(sess store.SessionRecord, op types.Op, remote types.AuthoritativeFields) (store.SessionRecord, error) {
	out := sess

	if remote.RemoteID != "" {
		out.RemoteID = remote.RemoteID
	}
	if remote.RateType != "" {
		out.RateType = remote.RateType
	}
	if remote.ClockInTime != "" {
		t, err := time.Parse(time.RFC3339, remote.ClockInTime)
		if err != nil {
			return store.SessionRecord{}, fmt.Errorf("authoritative clock-in time: %w", err)
		}
		out.ClockInAt = t.UTC()
	}
	if remote.ClockOutTime != "" {
		t, err := time.Parse(time.RFC3339, remote.ClockOutTime)
		if err != nil {
			return store.SessionRecord{}, fmt.Errorf("authoritative clock-out time: %w", err)
		}
		u := t.UTC()
		out.ClockOutAt = &u
	}
	if remote.DurationMin != nil {
		d := *remote.DurationMin
		out.DurationMin = &d
	}

	switch op {
	case types.OpClockIn:
		out.State = store.StateActive
	case types.OpClockOut:
		out.State = store.StateSynced
	case types.OpUpdateRate:
		// Rate acks don't move the lifecycle.
	default:
		return store.SessionRecord{}, fmt.Errorf("reconcile unknown op %q: %w", op, store.ErrInvalidOperation)
	}

	return out, nil
}
