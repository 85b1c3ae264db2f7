package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"venueline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports that the stored version moved since the record was loaded.
	ErrConflict = errors.New("version conflict")
)

const bookingColumns = `id,tenant,thread_key,status,stage,version,data_json,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanBooking(row scanner) (domain.Record, error) {
	var (
		rec     domain.Record
		payload string
	)
	var id, tenant, thread, status, created, updated string
	var stage int
	var version int64
	if err := row.Scan(&id, &tenant, &thread, &status, &stage, &version, &payload, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, ErrNotFound
		}
		return rec, err
	}
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return rec, fmt.Errorf("decode booking %s: %w", id, err)
	}
	rec.ID, rec.Tenant, rec.ThreadKey, rec.Status = id, tenant, thread, status
	rec.Stage, rec.Version = stage, version
	rec.CreatedAt, rec.UpdatedAt = created, updated
	return rec, nil
}

func (r Repo) GetBooking(ctx context.Context, id string) (domain.Record, error) {
	return scanBooking(r.DB.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id=?`, id))
}

func (r Repo) GetBookingByThread(ctx context.Context, threadKey string) (domain.Record, error) {
	return scanBooking(r.DB.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE thread_key=?`, threadKey))
}

// BookingFilters narrows ListBookings.
type BookingFilters struct {
	Tenant string
	Status string
	Stage  int
	Limit  int
}

func (r Repo) ListBookings(ctx context.Context, f BookingFilters) ([]domain.Record, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Tenant != "" {
		clauses = append(clauses, "tenant=?")
		args = append(args, f.Tenant)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Stage > 0 {
		clauses = append(clauses, "stage=?")
		args = append(args, f.Stage)
	}
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY updated_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Record
	for rows.Next() {
		rec, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// InsertBookingTx stores a new record at version 1.
func (r Repo) InsertBookingTx(ctx context.Context, tx *sql.Tx, rec *domain.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode booking: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO bookings(id,tenant,thread_key,client_id,status,stage,version,data_json,created_at,updated_at) VALUES (?,?,?,?,?,?,1,?,?,?)`,
		rec.ID, rec.Tenant, rec.ThreadKey, nullable(rec.ClientID), rec.Status, rec.Stage, string(payload), rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: booking %s already exists", ErrConflict, rec.ID)
		}
		return err
	}
	rec.Version = 1
	return nil
}

// UpdateBookingTx writes rec if the stored version still equals rec.Version
// and bumps the version on success.
func (r Repo) UpdateBookingTx(ctx context.Context, tx *sql.Tx, rec *domain.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode booking: %w", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE bookings SET client_id=?, status=?, stage=?, version=version+1, data_json=?, updated_at=? WHERE id=? AND version=?`,
		nullable(rec.ClientID), rec.Status, rec.Stage, string(payload), rec.UpdatedAt, rec.ID, rec.Version)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: booking %s at version %d", ErrConflict, rec.ID, rec.Version)
	}
	rec.Version++
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func isUniqueViolation(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
