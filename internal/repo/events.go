package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"venueline/internal/domain"
)

const eventColumns = `id,ts,type,COALESCE(booking_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json`

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.BookingID, &e.EntityKind, &e.EntityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		e.Payload = map[string]any{}
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				e.Payload = map[string]any{"raw": payload.String}
			}
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEvents returns the newest events first, optionally below a cursor.
func (r Repo) LatestEvents(ctx context.Context, limit int, cursor int64, bookingID, evtType string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if bookingID != "" {
		clauses = append(clauses, "booking_id=?")
		args = append(args, bookingID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY id DESC LIMIT ?`, eventColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// WebhookCursor returns the delivery cursor for a webhook URL.
func (r Repo) WebhookCursor(ctx context.Context, url string) (int64, error) {
	var cursor int64
	err := r.DB.QueryRowContext(ctx, `SELECT cursor FROM webhook_cursors WHERE url=?`, url).Scan(&cursor)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return cursor, err
}

func (r Repo) SetWebhookCursor(ctx context.Context, url string, cursor int64) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO webhook_cursors(url,cursor,updated_at) VALUES (?,?,?)
ON CONFLICT(url) DO UPDATE SET cursor=excluded.cursor, updated_at=excluded.updated_at`, url, cursor, time.Now().UTC().Format(time.RFC3339))
	return err
}
