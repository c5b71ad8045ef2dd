package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	dbpkg "github.com/fieldpunch/agent/internal/db"
	"github.com/fieldpunch/agent/internal/punch/store"
)

type SessionStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewSessionStore(db *sql.DB, writer *dbpkg.Worker) *SessionStore {
	return &SessionStore{db: db, writer: writer}
}

const sessionColumns = `
local_id, remote_id, employee_id, work_order_id, rate_type, state,
clock_in_ms, clock_out_ms, duration_min,
in_lat, in_lon, in_accuracy_m, in_zone,
out_lat, out_lon, out_accuracy_m, out_zone,
created_at_ms, updated_at_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (store.SessionRecord, error) {
	var (
		rec      store.SessionRecord
		remoteID sql.NullString
		state    string
		inMs     int64
		outMs    sql.NullInt64
		durMin   sql.NullInt64
		inLat    sql.NullFloat64
		inLon    sql.NullFloat64
		inAcc    sql.NullFloat64
		inZone   sql.NullInt64
		outLat   sql.NullFloat64
		outLon   sql.NullFloat64
		outAcc   sql.NullFloat64
		outZone  sql.NullInt64
		created  int64
		updated  int64
	)

	err := r.Scan(
		&rec.LocalID, &remoteID, &rec.EmployeeID, &rec.WorkOrderID, &rec.RateType, &state,
		&inMs, &outMs, &durMin,
		&inLat, &inLon, &inAcc, &inZone,
		&outLat, &outLon, &outAcc, &outZone,
		&created, &updated,
	)
	if err != nil {
		return store.SessionRecord{}, err
	}

	rec.RemoteID = remoteID.String
	rec.State = store.SessionState(state)
	rec.ClockInAt = timeOf(inMs)
	rec.ClockOutAt = timePtr(outMs)
	rec.DurationMin = intPtr(durMin)
	rec.ClockInLocation = locOf(inLat, inLon, inAcc, inZone)
	rec.ClockOutLocation = locOf(outLat, outLon, outAcc, outZone)
	rec.CreatedAt = timeOf(created)
	rec.UpdatedAt = timeOf(updated)
	return rec, nil
}

func (s *SessionStore) GetSession(ctx context.Context, localID string) (store.SessionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM clock_sessions WHERE local_id = ?;`, localID)

	rec, err := scanSession(row)
	if err == sql.ErrNoRows {
		return store.SessionRecord{}, store.ErrNotFound
	}
	if err != nil {
		return store.SessionRecord{}, fmt.Errorf("GetSession %s: %w", localID, err)
	}
	return rec, nil
}

func (s *SessionStore) ListSessions(ctx context.Context, limit int) ([]store.SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM clock_sessions ORDER BY created_at_ms DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("ListSessions: %w", err)
	}
	defer rows.Close()

	var out []store.SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("ListSessions scan: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ArchiveSyncedBefore archives synced sessions whose clock-out predates the
// cutoff. Runs as one transaction so a crash mid-sweep archives nothing.
func (s *SessionStore) ArchiveSyncedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	cutoffMs := ms(cutoff)
	nowMs := ms(time.Now())

	var archived int64
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE clock_sessions
SET state = ?, updated_at_ms = ?
WHERE state = ? AND clock_out_ms IS NOT NULL AND clock_out_ms < ?;
`, string(store.StateArchived), nowMs, string(store.StateSynced), cutoffMs)
		if err != nil {
			return fmt.Errorf("ArchiveSyncedBefore: %w", err)
		}
		archived, _ = res.RowsAffected()
		return nil
	})
	return archived, err
}
