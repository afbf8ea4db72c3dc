package attendance

import (
	"context"
	"fmt"
	"time"
)

// Day is one row of the monthly calendar.
type Day struct {
	Date            string     `json:"date"`
	Day             int        `json:"day"`
	AMStatus        Status     `json:"am_status"`
	PMStatus        Status     `json:"pm_status"`
	AMConfidence    float64    `json:"am_confidence"`
	PMConfidence    float64    `json:"pm_confidence"`
	AMScanPhoto     *string    `json:"am_scan_photo"`
	AMScanTimestamp *time.Time `json:"am_scan_timestamp"`
	PMScanPhoto     *string    `json:"pm_scan_photo"`
	PMScanTimestamp *time.Time `json:"pm_scan_timestamp"`
}

// Calendar is a student's month of attendance.
type Calendar struct {
	Grid    []Day  `json:"grid"`
	Summary string `json:"summary"`
	Present int    `json:"-"`
	Total   int    `json:"-"`
}

// Calendar builds the month grid for a student. Holidays show blue on both
// trips and never count as present, but every day counts in the total.
func (s *Service) Calendar(ctx context.Context, studentID string, year int, month time.Month) (Calendar, error) {
	if month < time.January || month > time.December {
		return Calendar{}, fmt.Errorf("%w: %d", ErrInvalidMonth, month)
	}
	days := DaysIn(year, month)
	first := time.Date(year, month, 1, 0, 0, 0, 0, UTC)
	last := time.Date(year, month, days, 0, 0, 0, 0, UTC)

	records, err := s.store.ListRecords(ctx, studentID, first, last)
	if err != nil {
		return Calendar{}, fmt.Errorf("list records: %w", err)
	}
	holidays := map[string]bool{}
	if s.holidays != nil {
		if holidays, err = s.holidays.Holidays(ctx, first, last); err != nil {
			return Calendar{}, fmt.Errorf("list holidays: %w", err)
		}
	}

	byKey := make(map[string]Record, len(records))
	for _, rec := range records {
		byKey[rec.Date.Format(DateLayout)+string(rec.Trip)] = rec
	}

	cal := Calendar{Grid: make([]Day, 0, days), Total: days * 2}
	for d := 1; d <= days; d++ {
		date := time.Date(year, month, d, 0, 0, 0, 0, UTC).Format(DateLayout)
		row := Day{Date: date, Day: d, AMStatus: StatusGray, PMStatus: StatusGray}
		if holidays[date] {
			row.AMStatus, row.PMStatus = StatusBlue, StatusBlue
			cal.Grid = append(cal.Grid, row)
			continue
		}
		if rec, ok := byKey[date+string(TripAM)]; ok {
			row.AMStatus, row.AMConfidence = rec.Status, rec.Confidence
			row.AMScanPhoto, row.AMScanTimestamp = rec.ScanPhoto, rec.ScanTimestamp
			if rec.Status.Present() {
				cal.Present++
			}
		}
		if rec, ok := byKey[date+string(TripPM)]; ok {
			row.PMStatus, row.PMConfidence = rec.Status, rec.Confidence
			row.PMScanPhoto, row.PMScanTimestamp = rec.ScanPhoto, rec.ScanTimestamp
			if rec.Status.Present() {
				cal.Present++
			}
		}
		cal.Grid = append(cal.Grid, row)
	}
	cal.Summary = fmt.Sprintf("%d / %d sessions", cal.Present, cal.Total)
	return cal, nil
}
