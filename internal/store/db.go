package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// DB wraps sql.DB for Postgres using pgx.
type DB struct {
	Client *sql.DB
}

// NewDB opens a Postgres pool and pings it.
func NewDB(ctx context.Context, connString string) (*DB, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{Client: db}, nil
}

// Healthy verifies database connectivity.
func (d *DB) Healthy(ctx context.Context) bool {
	if d == nil || d.Client == nil {
		return false
	}
	return d.Client.PingContext(ctx) == nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Close()
}

// schema creates the tables this service owns plus read-only copies of
// students, stops and holidays for local runs. Production schemas for the
// latter are managed by the admin services.
const schema = `
CREATE TABLE IF NOT EXISTS scan_events (
	id          TEXT PRIMARY KEY,
	student_id  TEXT NOT NULL,
	device_id   TEXT NOT NULL DEFAULT '',
	verified    BOOLEAN NOT NULL,
	confidence  DOUBLE PRECISION NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_scan_events_student ON scan_events(student_id, occurred_at DESC);
CREATE INDEX IF NOT EXISTS idx_scan_events_device  ON scan_events(device_id, occurred_at DESC);

CREATE TABLE IF NOT EXISTS attendance_records (
	student_id     TEXT NOT NULL,
	date           DATE NOT NULL,
	trip           TEXT NOT NULL CHECK (trip IN ('AM', 'PM')),
	status         TEXT NOT NULL CHECK (status IN ('yellow', 'green', 'red')),
	confidence     DOUBLE PRECISION NOT NULL DEFAULT 0,
	last_update    TIMESTAMPTZ NOT NULL,
	scan_photo     TEXT,
	scan_timestamp TIMESTAMPTZ,
	PRIMARY KEY (student_id, date, trip)
);

CREATE TABLE IF NOT EXISTS notifications (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	recipient_id TEXT NOT NULL,
	student_id   TEXT NOT NULL,
	event_id     TEXT NOT NULL DEFAULT '',
	confidence   DOUBLE PRECISION NOT NULL DEFAULT 0,
	message      TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	read         BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_notifications_recipient ON notifications(recipient_id, created_at DESC);

CREATE TABLE IF NOT EXISTS stops (
	stop_id               TEXT PRIMARY KEY,
	morning_expected_time TEXT,
	evening_expected_time TEXT
);

CREATE TABLE IF NOT EXISTS students (
	student_id  TEXT PRIMARY KEY,
	stop_id     TEXT,
	guardian_id TEXT
);

CREATE TABLE IF NOT EXISTS holidays (
	date DATE PRIMARY KEY,
	name TEXT NOT NULL DEFAULT ''
);
`

// Migrate creates missing tables.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
