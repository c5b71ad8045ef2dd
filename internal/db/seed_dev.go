package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type SeedDevOptions struct {
	EmployeeID string
}

// SeedDev inserts one already-archived demo session so a fresh dev install
// has something to show on the status screen.
func SeedDev(ctx context.Context, db *sql.DB, opt SeedDevOptions) error {
	emp := opt.EmployeeID
	if emp == "" {
		emp = "emp-dev"
	}

	now := time.Now().UTC()
	in := now.Add(-26 * time.Hour).UnixMilli()
	out := now.Add(-18 * time.Hour).UnixMilli()

	if _, err := db.ExecContext(ctx, `
INSERT OR IGNORE INTO clock_sessions(
  local_id, remote_id, employee_id, work_order_id, rate_type, state,
  clock_in_ms, clock_out_ms, duration_min, created_at_ms, updated_at_ms
) VALUES ('session-dev-1', 'R-dev-1', ?, 'wo-demo', 'standard', 'archived',
  ?, ?, 480, ?, ?);`,
		emp, in, out, in, now.UnixMilli()); err != nil {
		return fmt.Errorf("seed demo session: %w", err)
	}

	return nil
}
