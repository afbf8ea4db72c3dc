package attendance

import "errors"

var (
	// ErrInvalidScan is returned for scans missing a student or with confidence outside [0,1].
	ErrInvalidScan = errors.New("invalid scan")

	// ErrInvalidMonth is returned for calendar requests outside 1..12.
	ErrInvalidMonth = errors.New("invalid month")

	// ErrConflict means a concurrent writer changed the record first. Retryable.
	ErrConflict = errors.New("attendance record changed concurrently")

	ErrUnknownStatus = errors.New("unknown attendance status")

	ErrInvalidTime = errors.New("invalid time of day")
)
