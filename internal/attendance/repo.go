package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Repository persists attendance data in Postgres. It also serves the
// student, stop and holiday tables maintained by the admin services.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

var (
	_ Store           = (*Repository)(nil)
	_ Directory       = (*Repository)(nil)
	_ HolidayProvider = (*Repository)(nil)
)

// AppendScanEvent writes a new raw scan event.
func (r *Repository) AppendScanEvent(ctx context.Context, evt ScanEvent) (ScanEvent, error) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO scan_events (id, student_id, device_id, verified, confidence, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, evt.ID, evt.StudentID, evt.DeviceID, evt.Verified, evt.Confidence, evt.OccurredAt)
	if err != nil {
		return ScanEvent{}, fmt.Errorf("append scan event: %w", err)
	}
	return evt, nil
}

// ListScanEvents returns events with basic filters, newest first.
func (r *Repository) ListScanEvents(ctx context.Context, f EventFilter) ([]ScanEvent, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	query := `SELECT id, student_id, device_id, verified, confidence, occurred_at FROM scan_events`
	args := []any{}
	clauses := []string{}
	if f.StudentID != "" {
		args = append(args, f.StudentID)
		clauses = append(clauses, "student_id = $"+strconv.Itoa(len(args)))
	}
	if f.DeviceID != "" {
		args = append(args, f.DeviceID)
		clauses = append(clauses, "device_id = $"+strconv.Itoa(len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY occurred_at DESC LIMIT $" + strconv.Itoa(len(args)+1) + " OFFSET $" + strconv.Itoa(len(args)+2)
	args = append(args, f.Limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []ScanEvent
	for rows.Next() {
		var evt ScanEvent
		if err := rows.Scan(&evt.ID, &evt.StudentID, &evt.DeviceID, &evt.Verified, &evt.Confidence, &evt.OccurredAt); err != nil {
			return nil, err
		}
		res = append(res, evt)
	}
	return res, rows.Err()
}

const recordColumns = `student_id, date, trip, status, confidence, last_update, scan_photo, scan_timestamp`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec           Record
		trip, status  string
		photo         sql.NullString
		scanTimestamp sql.NullTime
	)
	if err := row.Scan(&rec.StudentID, &rec.Date, &trip, &status, &rec.Confidence, &rec.LastUpdate, &photo, &scanTimestamp); err != nil {
		return Record{}, err
	}
	var err error
	if rec.Trip, err = ParseTrip(trip); err != nil {
		return Record{}, err
	}
	if rec.Status, err = ParseStatus(status); err != nil {
		return Record{}, err
	}
	rec.Date = DateOf(rec.Date)
	rec.LastUpdate = rec.LastUpdate.UTC()
	if photo.Valid {
		rec.ScanPhoto = &photo.String
	}
	if scanTimestamp.Valid {
		ts := scanTimestamp.Time.UTC()
		rec.ScanTimestamp = &ts
	}
	return rec, nil
}

// GetRecord returns the record for key, or nil when none exists.
func (r *Repository) GetRecord(ctx context.Context, key Key) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM attendance_records
		WHERE student_id = $1 AND date = $2 AND trip = $3
	`, key.StudentID, DateOf(key.Date), string(key.Trip))
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get record %s: %w", key, err)
	}
	return &rec, nil
}

// CreateRecord inserts rec if its key is free.
func (r *Repository) CreateRecord(ctx context.Context, rec Record) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_records (`+recordColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (student_id, date, trip) DO NOTHING
	`, rec.StudentID, DateOf(rec.Date), string(rec.Trip), string(rec.Status), rec.Confidence, rec.LastUpdate, rec.ScanPhoto, rec.ScanTimestamp)
	if err != nil {
		return false, fmt.Errorf("create record %s: %w", rec.Key(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// TransitionRecord updates rec only while the stored status equals from.
// Photo and scan timestamp are kept when rec leaves them nil.
func (r *Repository) TransitionRecord(ctx context.Context, from Status, rec Record) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE attendance_records
		SET status = $5, confidence = $6, last_update = $7,
			scan_photo = COALESCE($8, scan_photo),
			scan_timestamp = COALESCE($9, scan_timestamp)
		WHERE student_id = $1 AND date = $2 AND trip = $3 AND status = $4
	`, rec.StudentID, DateOf(rec.Date), string(rec.Trip), string(from), string(rec.Status), rec.Confidence, rec.LastUpdate, rec.ScanPhoto, rec.ScanTimestamp)
	if err != nil {
		return false, fmt.Errorf("transition record %s: %w", rec.Key(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListRecords returns a student's records between from and to inclusive.
func (r *Repository) ListRecords(ctx context.Context, studentID string, from, to time.Time) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM attendance_records
		WHERE student_id = $1 AND date BETWEEN $2 AND $3
		ORDER BY date, trip
	`, studentID, DateOf(from), DateOf(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// StudentsWithStop lists every student assigned to a stop.
func (r *Repository) StudentsWithStop(ctx context.Context) ([]StudentStop, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT student_id, stop_id FROM students
		WHERE stop_id IS NOT NULL AND stop_id <> ''
		ORDER BY student_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []StudentStop
	for rows.Next() {
		var s StudentStop
		if err := rows.Scan(&s.StudentID, &s.StopID); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// Stop returns a stop's schedule, or nil when the stop does not exist.
func (r *Repository) Stop(ctx context.Context, stopID string) (*Stop, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT stop_id, morning_expected_time, evening_expected_time
		FROM stops WHERE stop_id = $1
	`, stopID)
	var (
		s                Stop
		morning, evening sql.NullString
	)
	if err := row.Scan(&s.ID, &morning, &evening); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if morning.Valid && morning.String != "" {
		s.MorningExpectedTime = &morning.String
	}
	if evening.Valid && evening.String != "" {
		s.EveningExpectedTime = &evening.String
	}
	return &s, nil
}

// Guardian returns the guardian id for a student, or "".
func (r *Repository) Guardian(ctx context.Context, studentID string) (string, error) {
	var guardian sql.NullString
	err := r.db.QueryRowContext(ctx, `SELECT guardian_id FROM students WHERE student_id = $1`, studentID).Scan(&guardian)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return guardian.String, nil
}

// Holidays returns the holiday dates in [from, to].
func (r *Repository) Holidays(ctx context.Context, from, to time.Time) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT date FROM holidays WHERE date BETWEEN $1 AND $2
	`, DateOf(from), DateOf(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]bool{}
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		res[d.UTC().Format(DateLayout)] = true
	}
	return res, rows.Err()
}
