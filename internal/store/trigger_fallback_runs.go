package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dotcommander/orkiva/internal/idgen"
	"github.com/dotcommander/orkiva/internal/models"
)

// StartTriggerFallbackRunTx records a launched process so the executor's
// orphan sweep can reconcile it if the worker crashes mid-run.
func StartTriggerFallbackRunTx(tx *sql.Tx, triggerID string, mode models.LaunchMode, pid int, now time.Time) (*models.TriggerFallbackRun, error) {
	id := idgen.New(idgen.PrefixFallbackRun)
	_, err := tx.ExecContext(context.Background(), `
		INSERT INTO trigger_fallback_runs (id, trigger_id, launch_mode, pid, started_at, finished_at, outcome)
		VALUES (?, ?, ?, ?, ?, NULL, '')
	`, id, triggerID, string(mode), pid, now)
	if err != nil {
		return nil, fmt.Errorf("insert trigger fallback run: %w", err)
	}
	return &models.TriggerFallbackRun{ID: id, TriggerID: triggerID, LaunchMode: mode, Pid: pid, StartedAt: now}, nil
}

// FinishTriggerFallbackRunTx records the terminal outcome of a launched process.
func FinishTriggerFallbackRunTx(tx *sql.Tx, runID, outcome string, now time.Time) error {
	res, err := tx.ExecContext(context.Background(), `
		UPDATE trigger_fallback_runs SET finished_at = ?, outcome = ? WHERE id = ?
	`, now, outcome, runID)
	if err != nil {
		return fmt.Errorf("finish trigger fallback run: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("trigger fallback run not found: %s", runID)
	}
	return nil
}

// ListUnfinishedFallbackRuns returns every fallback run with no recorded
// finish, older than olderThan. Used by the executor's orphan sweep to find
// processes that outlived the worker that launched them.
func ListUnfinishedFallbackRuns(ctx context.Context, db *sql.DB, olderThan time.Time) ([]*models.TriggerFallbackRun, error) {
	var out []*models.TriggerFallbackRun
	err := RetryWithBackoff(ctx, func() error {
		rows, err := db.QueryContext(ctx, `
			SELECT id, trigger_id, launch_mode, pid, started_at, finished_at, outcome
			FROM trigger_fallback_runs
			WHERE finished_at IS NULL AND started_at < ?
			ORDER BY started_at ASC
		`, olderThan)
		if err != nil {
			return fmt.Errorf("query unfinished fallback runs: %w", err)
		}
		defer func() { _ = rows.Close() }()

		out = make([]*models.TriggerFallbackRun, 0)
		for rows.Next() {
			var r models.TriggerFallbackRun
			var finishedAt sql.NullTime
			if err := rows.Scan(&r.ID, &r.TriggerID, &r.LaunchMode, &r.Pid, &r.StartedAt, &finishedAt, &r.Outcome); err != nil {
				return fmt.Errorf("scan fallback run row: %w", err)
			}
			if finishedAt.Valid {
				t := finishedAt.Time
				r.FinishedAt = &t
			}
			out = append(out, &r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
