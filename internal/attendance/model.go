package attendance

import (
	"fmt"
	"time"
)

// Status is the attendance state of one trip.
type Status string

const (
	StatusGray   Status = "gray"
	StatusYellow Status = "yellow"
	StatusGreen  Status = "green"
	StatusRed    Status = "red"
	StatusBlue   Status = "blue"

	// StatusNotRecorded is returned to the scanner when an unverified scan leaves no record.
	StatusNotRecorded Status = "not_recorded"
)

// ParseStatus accepts only the five calendar statuses.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusGray, StatusYellow, StatusGreen, StatusRed, StatusBlue:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
}

// Stored reports whether the status can live in the attendance store.
// Gray is the absence of a row and blue is a query-time overlay.
func (s Status) Stored() bool {
	return s == StatusYellow || s == StatusGreen || s == StatusRed
}

// Terminal statuses are never changed again.
func (s Status) Terminal() bool {
	return s == StatusGreen || s == StatusRed
}

// Present counts toward the monthly summary.
func (s Status) Present() bool {
	return s == StatusYellow || s == StatusGreen
}

// Trip is one of the two daily bus legs.
type Trip string

const (
	TripAM Trip = "AM"
	TripPM Trip = "PM"
)

// ParseTrip validates a stored trip value.
func ParseTrip(s string) (Trip, error) {
	switch t := Trip(s); t {
	case TripAM, TripPM:
		return t, nil
	}
	return "", fmt.Errorf("unknown trip %q", s)
}

// Key identifies one attendance record.
type Key struct {
	StudentID string
	Date      time.Time
	Trip      Trip
}

func (k Key) String() string {
	return k.StudentID + "/" + k.Date.Format(DateLayout) + "/" + string(k.Trip)
}

// Record is the unit of truth for one student, one day, one trip.
type Record struct {
	StudentID     string
	Date          time.Time
	Trip          Trip
	Status        Status
	Confidence    float64
	LastUpdate    time.Time
	ScanPhoto     *string
	ScanTimestamp *time.Time
}

// NewRecord builds a record, rejecting statuses that cannot be stored.
func NewRecord(key Key, status Status, confidence float64, at time.Time) (Record, error) {
	if !status.Stored() {
		return Record{}, fmt.Errorf("%w: %q cannot be stored", ErrUnknownStatus, status)
	}
	if key.StudentID == "" {
		return Record{}, fmt.Errorf("%w: student id required", ErrInvalidScan)
	}
	return Record{
		StudentID:  key.StudentID,
		Date:       DateOf(key.Date),
		Trip:       key.Trip,
		Status:     status,
		Confidence: confidence,
		LastUpdate: at.UTC(),
	}, nil
}

// Key returns the record's identity.
func (r Record) Key() Key {
	return Key{StudentID: r.StudentID, Date: r.Date, Trip: r.Trip}
}

// ScanEvent is one entry in the append-only raw scan log.
type ScanEvent struct {
	ID         string    `json:"id"`
	StudentID  string    `json:"student_id"`
	DeviceID   string    `json:"device_id"`
	Verified   bool      `json:"verified"`
	Confidence float64   `json:"confidence"`
	OccurredAt time.Time `json:"occurred_at"`
}

// StudentStop is the slice of a student the monitor needs.
type StudentStop struct {
	StudentID string
	StopID    string
}

// Stop carries the expected arrival time of each trip as "HH:MM".
type Stop struct {
	ID                  string
	MorningExpectedTime *string
	EveningExpectedTime *string
}

// ExpectedTime returns the raw expected time for a trip, or "" when unset.
func (s Stop) ExpectedTime(trip Trip) string {
	var v *string
	if trip == TripAM {
		v = s.MorningExpectedTime
	} else {
		v = s.EveningExpectedTime
	}
	if v == nil {
		return ""
	}
	return *v
}
