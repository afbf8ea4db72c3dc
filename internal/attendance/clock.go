package attendance

import (
	"fmt"
	"strings"
	"time"
)

// All comparisons happen in UTC.
var UTC = time.UTC

const DateLayout = "2006-01-02"

// Clock is injected wherever "now" matters.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f().UTC() }

// TripAt derives the trip direction from the hour of t in UTC.
func TripAt(t time.Time) Trip {
	if t.UTC().Hour() < 12 {
		return TripAM
	}
	return TripPM
}

// DateOf truncates t to midnight UTC.
func DateOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, UTC)
}

// TimeOfDay is a wall-clock time with no date.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay accepts "HH:MM" and "HH:MM:00". Postgres TIME columns come
// back with a seconds part, which must be zero.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return TimeOfDay{}, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	h, ok := clockField(parts[0], 23)
	if !ok {
		return TimeOfDay{}, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	m, ok := clockField(parts[1], 59)
	if !ok {
		return TimeOfDay{}, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	if len(parts) == 3 {
		if sec, ok := clockField(parts[2], 59); !ok || sec != 0 {
			return TimeOfDay{}, fmt.Errorf("%w: %q", ErrInvalidTime, s)
		}
	}
	return TimeOfDay{Hour: h, Minute: m}, nil
}

// clockField parses one or two ASCII digits no greater than limit.
func clockField(s string, limit int) (int, bool) {
	if len(s) == 0 || len(s) > 2 {
		return 0, false
	}
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	return n, n <= limit
}

// On combines the time of day with the date of day.
func (t TimeOfDay) On(day time.Time) time.Time {
	d := DateOf(day)
	return time.Date(d.Year(), d.Month(), d.Day(), t.Hour, t.Minute, 0, 0, UTC)
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// DaysIn returns the number of days in the month.
func DaysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, UTC).Day()
}
