package attendance

import (
	"context"
	"time"
)

// Store persists attendance records and the raw scan log.
//
// CreateRecord and TransitionRecord are the only writes to records. Both are
// conditional so ingestion and the monitor never overwrite each other blindly.
type Store interface {
	AppendScanEvent(ctx context.Context, evt ScanEvent) (ScanEvent, error)
	ListScanEvents(ctx context.Context, filter EventFilter) ([]ScanEvent, error)

	// GetRecord returns nil, nil when no record exists.
	GetRecord(ctx context.Context, key Key) (*Record, error)
	// CreateRecord inserts rec unless a record with the same key exists.
	// It reports whether the insert happened.
	CreateRecord(ctx context.Context, rec Record) (bool, error)
	// TransitionRecord replaces the record only while its status still equals from.
	// It reports whether the update happened.
	TransitionRecord(ctx context.Context, from Status, rec Record) (bool, error)
	// ListRecords returns a student's records with from <= date <= to.
	ListRecords(ctx context.Context, studentID string, from, to time.Time) ([]Record, error)
}

// EventFilter narrows ListScanEvents.
type EventFilter struct {
	StudentID string
	DeviceID  string
	Limit     int
	Offset    int
}

// Directory exposes the student and stop data owned by other services.
type Directory interface {
	StudentsWithStop(ctx context.Context) ([]StudentStop, error)
	// Stop returns nil, nil for an unknown stop.
	Stop(ctx context.Context, stopID string) (*Stop, error)
	// Guardian returns "" when the student has no guardian on file.
	Guardian(ctx context.Context, studentID string) (string, error)
}

// HolidayProvider lists calendar exceptions.
type HolidayProvider interface {
	// Holidays returns the holiday dates with from <= date <= to, keyed by DateLayout.
	Holidays(ctx context.Context, from, to time.Time) (map[string]bool, error)
}
