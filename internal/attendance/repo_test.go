package attendance

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockRepo(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewRepository(db), mock
}

var recordCols = []string{"student_id", "date", "trip", "status", "confidence", "last_update", "scan_photo", "scan_timestamp"}

func TestRepository_GetRecord(t *testing.T) {
	ctx := context.Background()
	day := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	key := Key{StudentID: "s1", Date: day.Add(9 * time.Hour), Trip: TripAM}

	t.Run("found", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		updated := day.Add(8 * time.Hour)
		mock.ExpectQuery(regexp.QuoteMeta("FROM attendance_records")).
			WithArgs("s1", day, "AM").
			WillReturnRows(sqlmock.NewRows(recordCols).
				AddRow("s1", day, "AM", "green", 0.97, updated, "https://img/1.jpg", updated))

		rec, err := repo.GetRecord(ctx, key)
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, StatusGreen, rec.Status)
		assert.Equal(t, TripAM, rec.Trip)
		require.NotNil(t, rec.ScanPhoto)
		assert.Equal(t, "https://img/1.jpg", *rec.ScanPhoto)
		require.NotNil(t, rec.ScanTimestamp)
		assert.True(t, updated.Equal(*rec.ScanTimestamp))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("absent", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery(regexp.QuoteMeta("FROM attendance_records")).
			WillReturnError(sql.ErrNoRows)

		rec, err := repo.GetRecord(ctx, key)
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("unknown status is rejected", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery(regexp.QuoteMeta("FROM attendance_records")).
			WillReturnRows(sqlmock.NewRows(recordCols).
				AddRow("s1", day, "AM", "purple", 0.5, day, nil, nil))

		_, err := repo.GetRecord(ctx, key)
		assert.ErrorIs(t, err, ErrUnknownStatus)
	})
}

func TestRepository_CreateRecord(t *testing.T) {
	ctx := context.Background()
	day := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	rec, err := NewRecord(Key{StudentID: "s1", Date: day, Trip: TripAM}, StatusRed, 0, day.Add(8*time.Hour))
	require.NoError(t, err)

	t.Run("inserted", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (student_id, date, trip) DO NOTHING")).
			WithArgs("s1", day, "AM", "red", 0.0, rec.LastUpdate, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		created, err := repo.CreateRecord(ctx, rec)
		require.NoError(t, err)
		assert.True(t, created)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("key taken", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO attendance_records")).
			WillReturnResult(sqlmock.NewResult(0, 0))

		created, err := repo.CreateRecord(ctx, rec)
		require.NoError(t, err)
		assert.False(t, created)
	})
}

func TestRepository_TransitionRecord(t *testing.T) {
	ctx := context.Background()
	day := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	rec, err := NewRecord(Key{StudentID: "s1", Date: day, Trip: TripPM}, StatusRed, 0, day.Add(16*time.Hour))
	require.NoError(t, err)

	repo, mock := newMockRepo(t)
	mock.ExpectExec(regexp.QuoteMeta("WHERE student_id = $1 AND date = $2 AND trip = $3 AND status = $4")).
		WithArgs("s1", day, "PM", "yellow", "red", 0.0, rec.LastUpdate, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE attendance_records")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	moved, err := repo.TransitionRecord(ctx, StatusYellow, rec)
	require.NoError(t, err)
	assert.True(t, moved)

	moved, err = repo.TransitionRecord(ctx, StatusYellow, rec)
	require.NoError(t, err)
	assert.False(t, moved, "a second writer loses the compare-and-set")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_ListScanEvents(t *testing.T) {
	ctx := context.Background()
	repo, mock := newMockRepo(t)
	at := time.Date(2024, 3, 4, 7, 25, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM scan_events WHERE student_id = $1 AND device_id = $2 ORDER BY occurred_at DESC LIMIT $3 OFFSET $4")).
		WithArgs("s1", "bus-1", 50, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id", "student_id", "device_id", "verified", "confidence", "occurred_at"}).
			AddRow("e1", "s1", "bus-1", true, 0.9, at))

	events, err := repo.ListScanEvents(ctx, EventFilter{StudentID: "s1", DeviceID: "bus-1", Offset: -3})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "e1", events[0].ID)
	assert.True(t, events[0].Verified)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_AppendScanEvent(t *testing.T) {
	repo, mock := newMockRepo(t)
	at := time.Date(2024, 3, 4, 7, 25, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO scan_events")).
		WithArgs(sqlmock.AnyArg(), "s1", "bus-1", false, 0.3, at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	evt, err := repo.AppendScanEvent(context.Background(), ScanEvent{StudentID: "s1", DeviceID: "bus-1", Confidence: 0.3, OccurredAt: at})
	require.NoError(t, err)
	assert.NotEmpty(t, evt.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_Directory(t *testing.T) {
	ctx := context.Background()

	t.Run("students with stop", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery(regexp.QuoteMeta("SELECT student_id, stop_id FROM students")).
			WillReturnRows(sqlmock.NewRows([]string{"student_id", "stop_id"}).
				AddRow("s1", "stop-1").AddRow("s2", "stop-2"))

		got, err := repo.StudentsWithStop(ctx)
		require.NoError(t, err)
		assert.Equal(t, []StudentStop{{StudentID: "s1", StopID: "stop-1"}, {StudentID: "s2", StopID: "stop-2"}}, got)
	})

	t.Run("stop with one trip scheduled", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery(regexp.QuoteMeta("FROM stops WHERE stop_id = $1")).
			WithArgs("stop-1").
			WillReturnRows(sqlmock.NewRows([]string{"stop_id", "morning_expected_time", "evening_expected_time"}).
				AddRow("stop-1", "07:30", nil))

		stop, err := repo.Stop(ctx, "stop-1")
		require.NoError(t, err)
		require.NotNil(t, stop)
		assert.Equal(t, "07:30", stop.ExpectedTime(TripAM))
		assert.Equal(t, "", stop.ExpectedTime(TripPM))
	})

	t.Run("unknown stop", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery(regexp.QuoteMeta("FROM stops")).WillReturnError(sql.ErrNoRows)

		stop, err := repo.Stop(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, stop)
	})

	t.Run("guardian", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery(regexp.QuoteMeta("SELECT guardian_id FROM students")).
			WithArgs("s1").
			WillReturnRows(sqlmock.NewRows([]string{"guardian_id"}).AddRow("g1"))

		g, err := repo.Guardian(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "g1", g)
	})

	t.Run("holidays", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
		to := time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)
		mock.ExpectQuery(regexp.QuoteMeta("SELECT date FROM holidays")).
			WithArgs(from, to).
			WillReturnRows(sqlmock.NewRows([]string{"date"}).AddRow(time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC)))

		got, err := repo.Holidays(ctx, from, to)
		require.NoError(t, err)
		assert.Equal(t, map[string]bool{"2024-03-08": true}, got)
	})
}
