package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"venueline/internal/domain"
)

const taskColumns = `id,tenant,booking_id,stage,COALESCE(gate,''),action,draft_json,status,COALESCE(note,''),created_at,COALESCE(decided_at,'')`

func scanTask(row scanner) (domain.HILTask, error) {
	var (
		t     domain.HILTask
		draft string
	)
	err := row.Scan(&t.ID, &t.Tenant, &t.BookingID, &t.Stage, &t.Gate, &t.Action, &draft, &t.Status, &t.Note, &t.CreatedAt, &t.DecidedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if err := json.Unmarshal([]byte(draft), &t.Draft); err != nil {
		return t, fmt.Errorf("decode task %s draft: %w", t.ID, err)
	}
	return t, nil
}

// UpsertTaskTx inserts a task or updates its decision fields.
func (r Repo) UpsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.HILTask) error {
	draft, err := json.Marshal(t.Draft)
	if err != nil {
		return fmt.Errorf("encode draft: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO hil_tasks(id,tenant,booking_id,stage,gate,action,draft_json,status,note,created_at,decided_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET draft_json=excluded.draft_json, status=excluded.status, note=excluded.note, decided_at=excluded.decided_at`,
		t.ID, t.Tenant, t.BookingID, t.Stage, nullable(t.Gate), t.Action, string(draft), t.Status, nullable(t.Note), t.CreatedAt, nullable(t.DecidedAt))
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.HILTask, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM hil_tasks WHERE id=?`, id))
}

// TaskFilters narrows ListTasks.
type TaskFilters struct {
	Tenant    string
	BookingID string
	Status    string
	Limit     int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.HILTask, error) {
	query := `SELECT ` + taskColumns + ` FROM hil_tasks WHERE 1=1`
	var args []any
	if f.Tenant != "" {
		query += ` AND tenant=?`
		args = append(args, f.Tenant)
	}
	if f.BookingID != "" {
		query += ` AND booking_id=?`
		args = append(args, f.BookingID)
	}
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HILTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
