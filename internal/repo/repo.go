package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"upkeep/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const propertyColumns = `id,title,address,COALESCE(description,'') AS description,status,disabled_at,created_at,updated_at`

func scanProperty(row *sql.Row) (domain.Property, error) {
	var p domain.Property
	var disabledAt sql.NullString
	err := row.Scan(&p.ID, &p.Title, &p.Address, &p.Description, &p.Status, &disabledAt, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if disabledAt.Valid {
		p.DisabledAt = &disabledAt.String
	}
	return p, err
}

func (r Repo) InsertProperty(ctx context.Context, tx *sql.Tx, p domain.Property) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO properties(id,title,address,description,status,disabled_at,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, p.Title, p.Address, nullable(p.Description), p.Status, nullableStringPtr(p.DisabledAt), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProperty(ctx context.Context, id string) (domain.Property, error) {
	return scanProperty(r.DB.QueryRowContext(ctx, `SELECT `+propertyColumns+` FROM properties WHERE id=?`, id))
}

func (r Repo) UpdateProperty(ctx context.Context, tx *sql.Tx, p domain.Property) error {
	res, err := tx.ExecContext(ctx, `UPDATE properties SET title=?, address=?, description=?, status=?, disabled_at=?, updated_at=? WHERE id=?`,
		p.Title, p.Address, nullable(p.Description), p.Status, nullableStringPtr(p.DisabledAt), p.UpdatedAt, p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListProperties(ctx context.Context, status domain.PropertyStatus) ([]domain.Property, error) {
	query := `SELECT ` + propertyColumns + ` FROM properties`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Property
	for rows.Next() {
		var p domain.Property
		var disabledAt sql.NullString
		if err := rows.Scan(&p.ID, &p.Title, &p.Address, &p.Description, &p.Status, &disabledAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if disabledAt.Valid {
			p.DisabledAt = &disabledAt.String
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

const activityColumns = `id,property_id,title,schedule,status,condition,created_at,updated_at`

func (r Repo) InsertActivity(ctx context.Context, tx *sql.Tx, a domain.Activity) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO activities(id,property_id,title,schedule,status,condition,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.PropertyID, a.Title, a.Schedule, a.Status, a.Condition, a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) GetActivity(ctx context.Context, id string) (domain.Activity, error) {
	return scanActivityRow(r.DB.QueryRowContext(ctx, `SELECT `+activityColumns+` FROM activities WHERE id=?`, id))
}

func (r Repo) GetActivityTx(ctx context.Context, tx *sql.Tx, id string) (domain.Activity, error) {
	return scanActivityRow(tx.QueryRowContext(ctx, `SELECT `+activityColumns+` FROM activities WHERE id=?`, id))
}

func scanActivityRow(row *sql.Row) (domain.Activity, error) {
	var a domain.Activity
	err := row.Scan(&a.ID, &a.PropertyID, &a.Title, &a.Schedule, &a.Status, &a.Condition, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// UpdateActivity persists schedule, status, condition and updated_at. The
// remaining columns are write-once.
func (r Repo) UpdateActivity(ctx context.Context, tx *sql.Tx, a domain.Activity) error {
	res, err := tx.ExecContext(ctx, `UPDATE activities SET schedule=?, status=?, condition=?, updated_at=? WHERE id=?`,
		a.Schedule, a.Status, a.Condition, a.UpdatedAt, a.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ActivityFilters are AND-composed. Empty fields are ignored.
type ActivityFilters struct {
	PropertyID   string
	Status       domain.ActivityStatus
	Condition    domain.Condition
	ScheduleFrom string
	ScheduleTo   string
}

func (r Repo) ListActivities(ctx context.Context, f ActivityFilters) ([]domain.Activity, error) {
	var clauses []string
	var args []any
	if f.PropertyID != "" {
		clauses = append(clauses, "property_id=?")
		args = append(args, f.PropertyID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Condition != "" {
		clauses = append(clauses, "condition=?")
		args = append(args, f.Condition)
	}
	if f.ScheduleFrom != "" {
		clauses = append(clauses, "schedule>=?")
		args = append(args, f.ScheduleFrom)
	}
	if f.ScheduleTo != "" {
		clauses = append(clauses, "schedule<=?")
		args = append(args, f.ScheduleTo)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + activityColumns + ` FROM activities ` + where + ` ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Activity
	for rows.Next() {
		var a domain.Activity
		if err := rows.Scan(&a.ID, &a.PropertyID, &a.Title, &a.Schedule, &a.Status, &a.Condition, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// FirstConflictTx returns the lowest-id activity on the property whose
// schedule lies inside [windowStart, windowEnd], both bounds inclusive.
// excludeID skips one activity (the one being rescheduled); when
// onlyNonCancelled is set, cancelled activities are not candidates.
// Schedules are stored as UTC RFC 3339 strings, so the string comparison
// is chronological.
func (r Repo) FirstConflictTx(ctx context.Context, tx *sql.Tx, propertyID, windowStart, windowEnd, excludeID string, onlyNonCancelled bool) (domain.Activity, error) {
	clauses := []string{"property_id=?", "schedule>=?", "schedule<=?"}
	args := []any{propertyID, windowStart, windowEnd}
	if excludeID != "" {
		clauses = append(clauses, "id!=?")
		args = append(args, excludeID)
	}
	if onlyNonCancelled {
		clauses = append(clauses, "status!=?")
		args = append(args, domain.ActivityCancelled)
	}
	query := `SELECT ` + activityColumns + ` FROM activities WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id ASC LIMIT 1`
	return scanActivityRow(tx.QueryRowContext(ctx, query, args...))
}

// LatestEvents returns events in descending id order, optionally filtered.
func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,entity_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,entity_kind,entity_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`
	return r.queryEvents(ctx, query, cursor, limit)
}

// LatestEventID returns the highest event id, or 0 when the log is empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
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
		var entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &payload); err != nil {
			return nil, err
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
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
