package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"busattendance/internal/metrics"
)

// Mismatch is raised when a device scan fails identity verification.
type Mismatch struct {
	EventID    string
	StudentID  string
	GuardianID string
	DeviceID   string
	Confidence float64
	At         time.Time
}

// Notifier hands mismatch notifications to the delivery pipeline.
type Notifier interface {
	NotifyMismatch(ctx context.Context, m Mismatch) error
}

// Scan is one identity scan reported by a bus device.
type Scan struct {
	StudentID  string
	DeviceID   string
	Verified   bool
	Confidence float64
	ScanPhoto  string
}

// ScanResult is what the device gets back.
type ScanResult struct {
	EventID string
	Status  Status
}

// Service runs scan ingestion and the calendar query.
type Service struct {
	store    Store
	dir      Directory
	holidays HolidayProvider
	notifier Notifier
	clock    Clock
	log      *zap.Logger
}

// Option customises a Service.
type Option func(*Service)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option { return func(s *Service) { s.clock = c } }

// WithLogger sets the service logger.
func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.log = l } }

// NewService wires a service. notifier may be nil, in which case mismatches are only logged.
func NewService(store Store, dir Directory, holidays HolidayProvider, notifier Notifier, opts ...Option) *Service {
	s := &Service{
		store:    store,
		dir:      dir,
		holidays: holidays,
		notifier: notifier,
		clock:    SystemClock{},
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ingest logs the scan and advances the attendance state machine for the
// trip the scan falls in. Trip and date come from the service clock.
func (s *Service) Ingest(ctx context.Context, scan Scan) (ScanResult, error) {
	if scan.StudentID == "" {
		return ScanResult{}, fmt.Errorf("%w: student id required", ErrInvalidScan)
	}
	if scan.Confidence < 0 || scan.Confidence > 1 {
		return ScanResult{}, fmt.Errorf("%w: confidence %.3f outside [0,1]", ErrInvalidScan, scan.Confidence)
	}

	now := s.clock.Now()
	evt, err := s.store.AppendScanEvent(ctx, ScanEvent{
		StudentID:  scan.StudentID,
		DeviceID:   scan.DeviceID,
		Verified:   scan.Verified,
		Confidence: scan.Confidence,
		OccurredAt: now,
	})
	if err != nil {
		return ScanResult{}, err
	}

	if !scan.Verified {
		s.notifyMismatch(ctx, scan, evt)
		metrics.ScansTotal.WithLabelValues(string(StatusNotRecorded)).Inc()
		return ScanResult{EventID: evt.ID, Status: StatusNotRecorded}, nil
	}

	key := Key{StudentID: scan.StudentID, Date: DateOf(now), Trip: TripAt(now)}
	status, err := s.advance(ctx, key, scan, now)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			metrics.ScanConflictsTotal.Inc()
		}
		return ScanResult{EventID: evt.ID}, err
	}
	metrics.ScansTotal.WithLabelValues(string(status)).Inc()
	s.log.Debug("scan ingested",
		zap.String("event_id", evt.ID),
		zap.String("record", key.String()),
		zap.String("status", string(status)),
	)
	return ScanResult{EventID: evt.ID, Status: status}, nil
}

func (s *Service) advance(ctx context.Context, key Key, scan Scan, now time.Time) (Status, error) {
	cur, err := s.store.GetRecord(ctx, key)
	if err != nil {
		return "", err
	}

	if cur == nil {
		rec, err := NewRecord(key, StatusYellow, scan.Confidence, now)
		if err != nil {
			return "", err
		}
		created, err := s.store.CreateRecord(ctx, rec)
		if err != nil {
			return "", err
		}
		if !created {
			return "", fmt.Errorf("%w: %s created by another writer", ErrConflict, key)
		}
		return StatusYellow, nil
	}

	if cur.Status != StatusYellow {
		// A third scan in a finished trip does not touch the record.
		return cur.Status, nil
	}

	next := *cur
	next.Status = StatusGreen
	next.Confidence = scan.Confidence
	next.LastUpdate = now
	if scan.ScanPhoto != "" {
		photo, ts := scan.ScanPhoto, now
		next.ScanPhoto = &photo
		next.ScanTimestamp = &ts
	}
	moved, err := s.store.TransitionRecord(ctx, StatusYellow, next)
	if err != nil {
		return "", err
	}
	if !moved {
		return "", fmt.Errorf("%w: %s left yellow before the second scan landed", ErrConflict, key)
	}
	return StatusGreen, nil
}

func (s *Service) notifyMismatch(ctx context.Context, scan Scan, evt ScanEvent) {
	log := s.log.With(zap.String("student_id", scan.StudentID), zap.String("event_id", evt.ID))
	if s.notifier == nil || s.dir == nil {
		log.Warn("scan mismatch with no notifier configured", zap.Float64("confidence", scan.Confidence))
		return
	}
	guardian, err := s.dir.Guardian(ctx, scan.StudentID)
	if err != nil {
		log.Error("guardian lookup failed", zap.Error(err))
		return
	}
	if guardian == "" {
		log.Warn("scan mismatch for student without guardian", zap.Float64("confidence", scan.Confidence))
		return
	}
	err = s.notifier.NotifyMismatch(ctx, Mismatch{
		EventID:    evt.ID,
		StudentID:  scan.StudentID,
		GuardianID: guardian,
		DeviceID:   scan.DeviceID,
		Confidence: scan.Confidence,
		At:         evt.OccurredAt,
	})
	if err != nil {
		log.Error("mismatch notification failed", zap.Error(err))
		return
	}
	metrics.NotificationsTotal.WithLabelValues("scan_mismatch").Inc()
}

// Events lists the raw scan log.
func (s *Service) Events(ctx context.Context, f EventFilter) ([]ScanEvent, error) {
	return s.store.ListScanEvents(ctx, f)
}
