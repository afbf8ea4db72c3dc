// Package monitor escalates attendance records that never received the scan
// they were waiting for.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"busattendance/internal/attendance"
	"busattendance/internal/metrics"
)

// Config holds monitor configuration.
type Config struct {
	// Threshold applies both to "no scan after the expected time" and to "stuck in yellow".
	Threshold time.Duration

	PollInterval time.Duration

	// Concurrency bounds how many students a tick checks at once.
	Concurrency int

	// TickTimeout caps a single tick. Zero means PollInterval.
	TickTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Threshold:    10 * time.Minute,
		PollInterval: 60 * time.Second,
		Concurrency:  8,
	}
}

// TickReport summarises one tick.
type TickReport struct {
	Trip      attendance.Trip
	Checked   int
	Missing   int // created red because no scan arrived
	Stalled   int // moved yellow -> red
	Skipped   int
	Failed    int
	Panicked  bool
	StartedAt time.Time
}

// Escalated is the number of records this tick turned red.
func (r TickReport) Escalated() int { return r.Missing + r.Stalled }

type outcome int

const (
	outcomeNone outcome = iota
	outcomeSkipped
	outcomeMissing
	outcomeStalled
)

// Monitor is the escalation daemon.
type Monitor struct {
	store     attendance.Store
	dir       attendance.Directory
	cfg       Config
	clock     attendance.Clock
	newTicker TickerFunc
	logger    *zap.Logger

	cancel    context.CancelFunc
	done      chan struct{}
	mu        sync.Mutex
	isRunning bool
}

// Option customises a Monitor.
type Option func(*Monitor)

// WithClock replaces the wall clock.
func WithClock(c attendance.Clock) Option { return func(m *Monitor) { m.clock = c } }

// WithTicker replaces the ticker constructor.
func WithTicker(f TickerFunc) Option { return func(m *Monitor) { m.newTicker = f } }

// New creates a monitor. Zero config fields fall back to DefaultConfig.
func New(store attendance.Store, dir attendance.Directory, cfg Config, logger *zap.Logger, opts ...Option) *Monitor {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = cfg.PollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Monitor{
		store:     store,
		dir:       dir,
		cfg:       cfg,
		clock:     attendance.SystemClock{},
		newTicker: NewTimeTicker,
		logger:    logger.Named("monitor"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start runs the monitor in the background until Stop or ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	m.isRunning = true
	m.mu.Unlock()

	go func() {
		defer close(done)
		m.Run(ctx)
	}()

	m.logger.Info("attendance monitor started",
		zap.Duration("threshold", m.cfg.Threshold),
		zap.Duration("poll_interval", m.cfg.PollInterval),
		zap.Int("concurrency", m.cfg.Concurrency),
	)
	return nil
}

// Stop cancels the loop and waits for an in-flight tick to finish.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return nil
	}
	m.isRunning = false
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	cancel()
	select {
	case <-done:
		m.logger.Info("attendance monitor stopped gracefully")
		return nil
	case <-ctx.Done():
		m.logger.Warn("attendance monitor stop timed out")
		return ctx.Err()
	}
}

// Run ticks once immediately and then every PollInterval until ctx is done.
// A tick that fails or panics is logged and the loop waits a full interval.
func (m *Monitor) Run(ctx context.Context) {
	ticker := m.newTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	m.runTick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			m.runTick(ctx)
		}
	}
}

func (m *Monitor) runTick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	// Cancellation stops the loop, not the tick already under way.
	tickCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.TickTimeout)
	defer cancel()

	report := m.Tick(tickCtx)
	fields := []zap.Field{
		zap.String("trip", string(report.Trip)),
		zap.Int("checked", report.Checked),
		zap.Int("missing", report.Missing),
		zap.Int("stalled", report.Stalled),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
	}
	switch {
	case report.Panicked:
		m.logger.Error("monitor tick aborted", fields...)
	case report.Escalated() > 0 || report.Failed > 0:
		m.logger.Info("monitor tick", fields...)
	default:
		m.logger.Debug("monitor tick", fields...)
	}
}

// Tick evaluates every student with a stop once. It never returns an error:
// failures are logged, counted in the report, and retried next tick.
func (m *Monitor) Tick(ctx context.Context) (report TickReport) {
	started := time.Now()
	defer func() {
		metrics.MonitorTickDuration.Observe(time.Since(started).Seconds())
		if r := recover(); r != nil {
			report.Panicked = true
			metrics.MonitorTickPanics.Inc()
			m.logger.Error("panic in monitor tick", zap.Any("panic", r), zap.Stack("stacktrace"))
		}
	}()

	now := m.clock.Now()
	trip := attendance.TripAt(now)
	today := attendance.DateOf(now)
	report.Trip = trip
	report.StartedAt = now

	students, err := m.dir.StudentsWithStop(ctx)
	if err != nil {
		report.Failed++
		m.logger.Error("list students with stop failed", zap.Error(err))
		return report
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(m.cfg.Concurrency)
	for _, st := range students {
		st := st
		g.Go(func() error {
			res, err := m.checkSafely(ctx, st, now, today, trip)
			mu.Lock()
			defer mu.Unlock()
			report.Checked++
			if err != nil {
				report.Failed++
				metrics.MonitorStudentErrors.Inc()
				m.logger.Error("monitor check failed",
					zap.String("student_id", st.StudentID),
					zap.String("stop_id", st.StopID),
					zap.Error(err),
				)
				return nil
			}
			switch res {
			case outcomeSkipped:
				report.Skipped++
			case outcomeMissing:
				report.Missing++
				metrics.EscalationsTotal.WithLabelValues("missing").Inc()
			case outcomeStalled:
				report.Stalled++
				metrics.EscalationsTotal.WithLabelValues("stalled").Inc()
			}
			return nil
		})
	}
	_ = g.Wait()
	return report
}

func (m *Monitor) checkSafely(ctx context.Context, st attendance.StudentStop, now, today time.Time, trip attendance.Trip) (res outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return m.check(ctx, st, now, today, trip)
}

func (m *Monitor) check(ctx context.Context, st attendance.StudentStop, now, today time.Time, trip attendance.Trip) (outcome, error) {
	stop, err := m.dir.Stop(ctx, st.StopID)
	if err != nil {
		return outcomeNone, fmt.Errorf("load stop %s: %w", st.StopID, err)
	}
	if stop == nil {
		return outcomeSkipped, nil
	}
	raw := stop.ExpectedTime(trip)
	if raw == "" {
		return outcomeSkipped, nil
	}
	expected, err := attendance.ParseTimeOfDay(raw)
	if err != nil {
		m.logger.Warn("skipping student with malformed expected time",
			zap.String("student_id", st.StudentID),
			zap.String("stop_id", st.StopID),
			zap.String("expected_time", raw),
		)
		return outcomeSkipped, nil
	}

	deadline := expected.On(today).Add(m.cfg.Threshold)
	if now.Before(deadline) {
		return outcomeSkipped, nil
	}

	key := attendance.Key{StudentID: st.StudentID, Date: today, Trip: trip}
	cur, err := m.store.GetRecord(ctx, key)
	if err != nil {
		return outcomeNone, err
	}

	if cur == nil {
		rec, err := attendance.NewRecord(key, attendance.StatusRed, 0, now)
		if err != nil {
			return outcomeNone, err
		}
		created, err := m.store.CreateRecord(ctx, rec)
		if err != nil {
			return outcomeNone, err
		}
		if !created {
			// A scan landed between the read and the insert; it wins.
			return outcomeNone, nil
		}
		return outcomeMissing, nil
	}

	if cur.Status != attendance.StatusYellow {
		return outcomeNone, nil
	}
	if now.Sub(cur.LastUpdate) <= m.cfg.Threshold {
		return outcomeNone, nil
	}

	next := *cur
	next.Status = attendance.StatusRed
	next.Confidence = 0
	next.LastUpdate = now
	moved, err := m.store.TransitionRecord(ctx, attendance.StatusYellow, next)
	if err != nil {
		return outcomeNone, err
	}
	if !moved {
		return outcomeNone, nil
	}
	return outcomeStalled, nil
}

// Running reports whether Start has been called without a matching Stop.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isRunning
}
