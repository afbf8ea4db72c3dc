package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"busattendance/internal/attendance"
)

var day = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type manualTicker struct {
	ch      chan time.Time
	stopped chan struct{}
	once    sync.Once
}

func newManualTicker() *manualTicker {
	return &manualTicker{ch: make(chan time.Time), stopped: make(chan struct{})}
}

func (t *manualTicker) C() <-chan time.Time { return t.ch }
func (t *manualTicker) Stop()               { t.once.Do(func() { close(t.stopped) }) }

func strptr(s string) *string { return &s }

func fixture(t *testing.T, at time.Time) (*attendance.MemoryStore, *fakeClock, *Monitor) {
	t.Helper()
	mem := attendance.NewMemoryStore()
	mem.PutStop(attendance.Stop{ID: "stop-1", MorningExpectedTime: strptr("08:00"), EveningExpectedTime: strptr("15:30")})
	mem.PutStudent("s1", "stop-1", "g1")
	clock := &fakeClock{now: at}
	m := New(mem, mem, Config{Threshold: 10 * time.Minute, PollInterval: time.Minute, Concurrency: 4}, zap.NewNop(), WithClock(clock))
	return mem, clock, m
}

func record(t *testing.T, mem *attendance.MemoryStore, student string, trip attendance.Trip) *attendance.Record {
	t.Helper()
	rec, err := mem.GetRecord(context.Background(), attendance.Key{StudentID: student, Date: day, Trip: trip})
	require.NoError(t, err)
	return rec
}

func seed(t *testing.T, mem *attendance.MemoryStore, student string, trip attendance.Trip, status attendance.Status, at time.Time) {
	t.Helper()
	rec, err := attendance.NewRecord(attendance.Key{StudentID: student, Date: day, Trip: trip}, status, 0.9, at)
	require.NoError(t, err)
	created, err := mem.CreateRecord(context.Background(), rec)
	require.NoError(t, err)
	require.True(t, created)
}

func TestTick_MissingScanEscalatesAtDeadline(t *testing.T) {
	ctx := context.Background()
	mem, clock, m := fixture(t, day.Add(8*time.Hour+9*time.Minute+59*time.Second))

	report := m.Tick(ctx)
	assert.Equal(t, 1, report.Skipped, "one second before the deadline")
	assert.Nil(t, record(t, mem, "s1", attendance.TripAM))

	at := day.Add(8*time.Hour + 10*time.Minute)
	clock.Set(at)
	report = m.Tick(ctx)
	assert.Equal(t, 1, report.Missing)
	assert.Equal(t, attendance.TripAM, report.Trip)

	rec := record(t, mem, "s1", attendance.TripAM)
	require.NotNil(t, rec)
	assert.Equal(t, attendance.StatusRed, rec.Status)
	assert.Zero(t, rec.Confidence)
	assert.Equal(t, at, rec.LastUpdate)
}

func TestTick_StalledYellowEscalates(t *testing.T) {
	ctx := context.Background()
	first := day.Add(7*time.Hour + 31*time.Minute)
	mem, clock, m := fixture(t, day.Add(7*time.Hour+41*time.Minute))
	mem.PutStop(attendance.Stop{ID: "stop-1", MorningExpectedTime: strptr("07:30")})
	seed(t, mem, "s1", attendance.TripAM, attendance.StatusYellow, first)

	report := m.Tick(ctx)
	assert.Equal(t, 0, report.Escalated(), "exactly the threshold is not stale")
	assert.Equal(t, attendance.StatusYellow, record(t, mem, "s1", attendance.TripAM).Status)

	clock.Set(day.Add(7*time.Hour + 42*time.Minute))
	report = m.Tick(ctx)
	assert.Equal(t, 1, report.Stalled)

	rec := record(t, mem, "s1", attendance.TripAM)
	assert.Equal(t, attendance.StatusRed, rec.Status)
	assert.Zero(t, rec.Confidence)
}

func TestTick_TerminalRecordsAreNeverTouched(t *testing.T) {
	ctx := context.Background()
	at := day.Add(9 * time.Hour)
	mem, _, m := fixture(t, at)
	mem.PutStudent("s2", "stop-1", "")
	seed(t, mem, "s1", attendance.TripAM, attendance.StatusGreen, day.Add(7*time.Hour))
	seed(t, mem, "s2", attendance.TripAM, attendance.StatusRed, day.Add(8*time.Hour+10*time.Minute))
	before1, before2 := *record(t, mem, "s1", attendance.TripAM), *record(t, mem, "s2", attendance.TripAM)

	report := m.Tick(ctx)
	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, 0, report.Escalated())
	assert.Equal(t, before1, *record(t, mem, "s1", attendance.TripAM))
	assert.Equal(t, before2, *record(t, mem, "s2", attendance.TripAM))
}

func TestTick_Idempotent(t *testing.T) {
	ctx := context.Background()
	mem, clock, m := fixture(t, day.Add(8*time.Hour+15*time.Minute))

	first := m.Tick(ctx)
	require.Equal(t, 1, first.Missing)
	rec := *record(t, mem, "s1", attendance.TripAM)

	clock.Set(day.Add(8*time.Hour + 16*time.Minute))
	second := m.Tick(ctx)
	assert.Equal(t, 0, second.Escalated())
	assert.Equal(t, rec, *record(t, mem, "s1", attendance.TripAM))
}

func TestTick_UsesEveningTimeInTheAfternoon(t *testing.T) {
	ctx := context.Background()
	mem, clock, m := fixture(t, day.Add(15*time.Hour+39*time.Minute))

	report := m.Tick(ctx)
	assert.Equal(t, attendance.TripPM, report.Trip)
	assert.Equal(t, 1, report.Skipped)

	clock.Set(day.Add(15*time.Hour + 40*time.Minute))
	report = m.Tick(ctx)
	assert.Equal(t, 1, report.Missing)
	assert.Equal(t, attendance.StatusRed, record(t, mem, "s1", attendance.TripPM).Status)
	assert.Nil(t, record(t, mem, "s1", attendance.TripAM))
}

func TestTick_SkipsStudentsWithoutSchedule(t *testing.T) {
	ctx := context.Background()
	mem, _, m := fixture(t, day.Add(10*time.Hour))
	mem.PutStop(attendance.Stop{ID: "no-morning", EveningExpectedTime: strptr("15:00")})
	mem.PutStop(attendance.Stop{ID: "broken", MorningExpectedTime: strptr("7h30")})
	mem.PutStudent("s2", "no-morning", "")
	mem.PutStudent("s3", "broken", "")
	mem.PutStudent("s4", "missing-stop", "")
	mem.PutStudent("s5", "", "")

	report := m.Tick(ctx)
	assert.Equal(t, 4, report.Checked, "students without a stop are not listed")
	assert.Equal(t, 1, report.Missing)
	assert.Equal(t, 3, report.Skipped)
	assert.Equal(t, 0, report.Failed)
	for _, s := range []string{"s2", "s3", "s4", "s5"} {
		assert.Nil(t, record(t, mem, s, attendance.TripAM), s)
	}
}

// flakyDirectory fails stop lookups for one student's stop.
type flakyDirectory struct {
	*attendance.MemoryStore
	failStop  string
	panicStop string
}

func (d *flakyDirectory) Stop(ctx context.Context, stopID string) (*attendance.Stop, error) {
	switch stopID {
	case d.failStop:
		return nil, errors.New("connection reset")
	case d.panicStop:
		panic("boom")
	}
	return d.MemoryStore.Stop(ctx, stopID)
}

func TestTick_FailuresAreIsolatedPerStudent(t *testing.T) {
	ctx := context.Background()
	mem := attendance.NewMemoryStore()
	for _, id := range []string{"ok", "bad", "panics"} {
		mem.PutStop(attendance.Stop{ID: id, MorningExpectedTime: strptr("07:00")})
	}
	mem.PutStudent("s1", "ok", "")
	mem.PutStudent("s2", "bad", "")
	mem.PutStudent("s3", "panics", "")
	dir := &flakyDirectory{MemoryStore: mem, failStop: "bad", panicStop: "panics"}
	m := New(mem, dir, Config{}, zap.NewNop(), WithClock(&fakeClock{now: day.Add(9 * time.Hour)}))

	report := m.Tick(ctx)
	assert.Equal(t, 3, report.Checked)
	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, 1, report.Missing)
	assert.False(t, report.Panicked)
	assert.Equal(t, attendance.StatusRed, record(t, mem, "s1", attendance.TripAM).Status)
}

type panickingDirectory struct{ *attendance.MemoryStore }

func (panickingDirectory) StudentsWithStop(context.Context) ([]attendance.StudentStop, error) {
	panic("directory exploded")
}

func TestTick_RecoversFromPanic(t *testing.T) {
	mem := attendance.NewMemoryStore()
	m := New(mem, panickingDirectory{mem}, Config{}, zap.NewNop(), WithClock(&fakeClock{now: day.Add(9 * time.Hour)}))

	var report TickReport
	require.NotPanics(t, func() { report = m.Tick(context.Background()) })
	assert.True(t, report.Panicked)
}

// lateScanStore simulates a scan landing between the monitor's read and its insert.
type lateScanStore struct {
	*attendance.MemoryStore
}

func (s lateScanStore) CreateRecord(ctx context.Context, rec attendance.Record) (bool, error) {
	yellow, err := attendance.NewRecord(rec.Key(), attendance.StatusYellow, 0.9, rec.LastUpdate)
	if err != nil {
		return false, err
	}
	if _, err := s.MemoryStore.CreateRecord(ctx, yellow); err != nil {
		return false, err
	}
	return s.MemoryStore.CreateRecord(ctx, rec)
}

func TestTick_LosingTheRaceToAScanIsNotAnError(t *testing.T) {
	mem := attendance.NewMemoryStore()
	mem.PutStop(attendance.Stop{ID: "stop-1", MorningExpectedTime: strptr("08:00")})
	mem.PutStudent("s1", "stop-1", "")
	m := New(lateScanStore{mem}, mem, Config{}, zap.NewNop(), WithClock(&fakeClock{now: day.Add(9 * time.Hour)}))

	report := m.Tick(context.Background())
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, 0, report.Missing)
	assert.Equal(t, attendance.StatusYellow, record(t, mem, "s1", attendance.TripAM).Status)
}

func TestTick_ManyStudentsInParallel(t *testing.T) {
	mem := attendance.NewMemoryStore()
	mem.PutStop(attendance.Stop{ID: "stop-1", MorningExpectedTime: strptr("07:00")})
	const n = 50
	for i := 0; i < n; i++ {
		mem.PutStudent("s"+string(rune('A'+i%26))+string(rune('a'+i/26)), "stop-1", "")
	}
	m := New(mem, mem, Config{Concurrency: 3}, zap.NewNop(), WithClock(&fakeClock{now: day.Add(9 * time.Hour)}))

	report := m.Tick(context.Background())
	assert.Equal(t, n, report.Checked)
	assert.Equal(t, n, report.Missing)
}

func TestNew_AppliesDefaults(t *testing.T) {
	mem := attendance.NewMemoryStore()
	m := New(mem, mem, Config{}, nil)
	assert.Equal(t, DefaultConfig().Threshold, m.cfg.Threshold)
	assert.Equal(t, DefaultConfig().PollInterval, m.cfg.PollInterval)
	assert.Equal(t, DefaultConfig().Concurrency, m.cfg.Concurrency)
	assert.Equal(t, m.cfg.PollInterval, m.cfg.TickTimeout)
}

func TestStartStop(t *testing.T) {
	mem, clock, _ := fixture(t, day.Add(7*time.Hour))
	ticker := newManualTicker()
	m := New(mem, mem, Config{Threshold: 10 * time.Minute, PollInterval: time.Minute}, zap.NewNop(),
		WithClock(clock),
		WithTicker(func(time.Duration) Ticker { return ticker }),
	)

	require.NoError(t, m.Start(context.Background()))
	assert.True(t, m.Running())

	// The immediate first tick at 07:00 is before the deadline.
	clock.Set(day.Add(8*time.Hour + 30*time.Minute))
	ticker.ch <- clock.Now()

	require.Eventually(t, func() bool {
		rec, _ := mem.GetRecord(context.Background(), attendance.Key{StudentID: "s1", Date: day, Trip: attendance.TripAM})
		return rec != nil && rec.Status == attendance.StatusRed
	}, time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Stop(stopCtx))
	assert.False(t, m.Running())

	select {
	case <-ticker.stopped:
	case <-time.After(time.Second):
		t.Fatal("ticker was not stopped")
	}
	require.NoError(t, m.Stop(stopCtx), "stopping twice is a no-op")
}

func TestStartStop_Concurrent(t *testing.T) {
	mem, clock, _ := fixture(t, day.Add(7*time.Hour))
	var (
		mu      sync.Mutex
		tickers []*manualTicker
	)
	m := New(mem, mem, Config{Threshold: 10 * time.Minute, PollInterval: time.Minute}, zap.NewNop(),
		WithClock(clock),
		WithTicker(func(time.Duration) Ticker {
			tk := newManualTicker()
			mu.Lock()
			tickers = append(tickers, tk)
			mu.Unlock()
			return tk
		}),
	)

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Start(context.Background()))
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Stop(stopCtx))
		}()
	}
	wg.Wait()

	require.NoError(t, m.Stop(stopCtx))
	assert.False(t, m.Running())

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, tickers)
	for _, tk := range tickers {
		select {
		case <-tk.stopped:
		case <-time.After(time.Second):
			t.Fatal("a loop kept running after Stop")
		}
	}
}

func TestRun_ExitsOnContextCancel(t *testing.T) {
	mem, _, _ := fixture(t, day.Add(7*time.Hour))
	ticker := newManualTicker()
	m := New(mem, mem, Config{}, zap.NewNop(),
		WithClock(&fakeClock{now: day.Add(7 * time.Hour)}),
		WithTicker(func(time.Duration) Ticker { return ticker }),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
