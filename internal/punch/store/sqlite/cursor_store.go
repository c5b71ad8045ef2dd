package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	dbpkg "github.com/fieldpunch/agent/internal/db"
	"github.com/fieldpunch/agent/internal/punch/store"
)

// CursorStore reads and touches the single-row sync cursor. The synced side
// of the cursor is advanced inside QueueStore.AckSuccess transactions; this
// type only records attempts and serves reads.
type CursorStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewCursorStore(db *sql.DB, writer *dbpkg.Worker) *CursorStore {
	return &CursorStore{db: db, writer: writer}
}

func (s *CursorStore) GetCursor(ctx context.Context) (store.Cursor, error) {
	var synced, attempt sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_synced_at_ms, last_attempt_at_ms FROM sync_cursor WHERE id = 1;`,
	).Scan(&synced, &attempt)
	if err != nil {
		return store.Cursor{}, fmt.Errorf("cursor get: %w", err)
	}
	return store.Cursor{
		LastSyncedAt:  timePtr(synced),
		LastAttemptAt: timePtr(attempt),
	}, nil
}

func (s *CursorStore) TouchAttempt(ctx context.Context, at time.Time) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE sync_cursor SET last_attempt_at_ms = ? WHERE id = 1;`, ms(at)); err != nil {
			return fmt.Errorf("cursor touch attempt: %w", err)
		}
		return nil
	})
}
