package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"servline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrConflict reports a compare-and-set that lost against a concurrent
// transition: the stored status no longer matches the expected one.
var ErrConflict = errors.New("status conflict")

const requestColumns = `id,requester_id,fulfiller_id,category,title,description,street,city,state,requested_date,estimated_duration_hours,price,negotiated_price,status,status_reason,created_at,updated_at`

type requestScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row requestScanner) (domain.Request, error) {
	var r domain.Request
	var duration, price, negotiated sql.NullFloat64
	var reason sql.NullString
	err := row.Scan(&r.ID, &r.RequesterID, &r.FulfillerID, &r.Category, &r.Title, &r.Description,
		&r.Location.Street, &r.Location.City, &r.Location.State, &r.RequestedDate,
		&duration, &price, &negotiated, &r.Status, &reason, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	if duration.Valid {
		r.EstimatedDurationHours = &duration.Float64
	}
	if price.Valid {
		r.Price = &price.Float64
	}
	if negotiated.Valid {
		r.NegotiatedPrice = &negotiated.Float64
	}
	if reason.Valid {
		r.StatusReason = &reason.String
	}
	return r, nil
}

func (r Repo) InsertRequest(ctx context.Context, tx *sql.Tx, req domain.Request) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO requests(`+requestColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		req.ID, req.RequesterID, req.FulfillerID, req.Category, req.Title, req.Description,
		req.Location.Street, req.Location.City, req.Location.State, req.RequestedDate,
		nullableFloatPtr(req.EstimatedDurationHours), nullableFloatPtr(req.Price), nullableFloatPtr(req.NegotiatedPrice),
		req.Status, nullableStringPtr(req.StatusReason), req.CreatedAt, req.UpdatedAt)
	return err
}

func (r Repo) GetRequest(ctx context.Context, id string) (domain.Request, error) {
	return scanRequest(r.DB.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id=?`, id))
}

func (r Repo) GetRequestTx(ctx context.Context, tx *sql.Tx, id string) (domain.Request, error) {
	return scanRequest(tx.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id=?`, id))
}

type RequestFilters struct {
	ParticipantID string
	Status        string
	Limit         int
	CursorDate    string
	CursorID      string
}

// ListRequests returns requests where the participant is requester or
// fulfiller, newest requested date first with a stable id tie-break.
func (r Repo) ListRequests(ctx context.Context, f RequestFilters) ([]domain.Request, error) {
	clauses := []string{"(requester_id=? OR fulfiller_id=?)"}
	args := []any{f.ParticipantID, f.ParticipantID}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorDate != "" && f.CursorID != "" {
		clauses = append(clauses, "(requested_date < ? OR (requested_date = ? AND id > ?))")
		args = append(args, f.CursorDate, f.CursorDate, f.CursorID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT ` + requestColumns + ` FROM requests ` + where + ` ORDER BY requested_date DESC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

// CompareAndSetStatus atomically re-reads the request, verifies its status
// still matches expected, applies mutate, and persists the mutable fields.
// The mutate callback runs inside the transaction so callers can append
// audit events that commit together with the state change. A request whose
// status advanced concurrently yields ErrConflict and no write.
func (r Repo) CompareAndSetStatus(ctx context.Context, id, expected string, mutate func(tx *sql.Tx, req *domain.Request) error) (domain.Request, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()

	req, err := r.GetRequestTx(ctx, tx, id)
	if err != nil {
		return domain.Request{}, err
	}
	if req.Status != expected {
		return domain.Request{}, ErrConflict
	}
	if err := mutate(tx, &req); err != nil {
		return domain.Request{}, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE requests SET status=?, status_reason=?, negotiated_price=?, updated_at=? WHERE id=? AND status=?`,
		req.Status, nullableStringPtr(req.StatusReason), nullableFloatPtr(req.NegotiatedPrice), req.UpdatedAt, id, expected)
	if err != nil {
		return domain.Request{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Request{}, ErrConflict
	}
	if err := tx.Commit(); err != nil {
		return domain.Request{}, err
	}
	return req, nil
}

// ListEventsByRequest returns the audit trail for one request, oldest first.
func (r Repo) ListEventsByRequest(ctx context.Context, requestID string, limit int, cursor int64) ([]domain.Event, error) {
	clauses := []string{"request_id=?"}
	args := []any{requestID}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	query := `SELECT id,ts,type,request_id,actor_id,payload_json FROM events WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id ASC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending
// order, across all requests. Used by the webhook dispatcher.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,request_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`
	return r.queryEvents(ctx, query, cursor, limit)
}

// LatestEvents returns the newest events first, optionally filtered by type.
func (r Repo) LatestEvents(ctx context.Context, limit int, evtType string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	args := []any{}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	query := `SELECT id,ts,type,request_id,actor_id,payload_json FROM events WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.RequestID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
