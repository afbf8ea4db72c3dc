package attendance

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps everything in process. It backs STORE_BACKEND=memory and the tests.
type MemoryStore struct {
	mu       sync.Mutex
	events   []ScanEvent
	records  map[Key]Record
	students map[string]memStudent
	stops    map[string]Stop
	holidays map[string]bool
}

type memStudent struct {
	stopID   string
	guardian string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[Key]Record),
		students: make(map[string]memStudent),
		stops:    make(map[string]Stop),
		holidays: make(map[string]bool),
	}
}

var (
	_ Store           = (*MemoryStore)(nil)
	_ Directory       = (*MemoryStore)(nil)
	_ HolidayProvider = (*MemoryStore)(nil)
)

func memKey(k Key) Key {
	k.Date = DateOf(k.Date)
	return k
}

// PutStudent registers a student. An empty stopID leaves the student unassigned.
func (m *MemoryStore) PutStudent(studentID, stopID, guardianID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.students[studentID] = memStudent{stopID: stopID, guardian: guardianID}
}

// PutStop registers a stop schedule.
func (m *MemoryStore) PutStop(s Stop) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops[s.ID] = s
}

// PutHoliday marks a date as a holiday.
func (m *MemoryStore) PutHoliday(day time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.holidays[DateOf(day).Format(DateLayout)] = true
}

func (m *MemoryStore) AppendScanEvent(_ context.Context, evt ScanEvent) (ScanEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	m.events = append(m.events, evt)
	return evt, nil
}

func (m *MemoryStore) ListScanEvents(_ context.Context, f EventFilter) ([]ScanEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.Limit <= 0 {
		f.Limit = 50
	}
	var matched []ScanEvent
	for i := len(m.events) - 1; i >= 0; i-- {
		evt := m.events[i]
		if f.StudentID != "" && evt.StudentID != f.StudentID {
			continue
		}
		if f.DeviceID != "" && evt.DeviceID != f.DeviceID {
			continue
		}
		matched = append(matched, evt)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].OccurredAt.After(matched[j].OccurredAt)
	})
	if f.Offset >= len(matched) {
		return nil, nil
	}
	if f.Offset > 0 {
		matched = matched[f.Offset:]
	}
	if len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, nil
}

func (m *MemoryStore) GetRecord(_ context.Context, key Key) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[memKey(key)]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) CreateRecord(_ context.Context, rec Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey(rec.Key())
	if _, exists := m.records[k]; exists {
		return false, nil
	}
	rec.Date = k.Date
	m.records[k] = rec
	return true, nil
}

func (m *MemoryStore) TransitionRecord(_ context.Context, from Status, rec Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey(rec.Key())
	cur, ok := m.records[k]
	if !ok || cur.Status != from {
		return false, nil
	}
	cur.Status = rec.Status
	cur.Confidence = rec.Confidence
	cur.LastUpdate = rec.LastUpdate
	if rec.ScanPhoto != nil {
		cur.ScanPhoto = rec.ScanPhoto
	}
	if rec.ScanTimestamp != nil {
		cur.ScanTimestamp = rec.ScanTimestamp
	}
	m.records[k] = cur
	return true, nil
}

func (m *MemoryStore) ListRecords(_ context.Context, studentID string, from, to time.Time) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lo, hi := DateOf(from), DateOf(to)
	var res []Record
	for k, rec := range m.records {
		if k.StudentID != studentID || k.Date.Before(lo) || k.Date.After(hi) {
			continue
		}
		res = append(res, rec)
	}
	sort.Slice(res, func(i, j int) bool {
		if !res[i].Date.Equal(res[j].Date) {
			return res[i].Date.Before(res[j].Date)
		}
		return res[i].Trip < res[j].Trip
	})
	return res, nil
}

func (m *MemoryStore) StudentsWithStop(_ context.Context) ([]StudentStop, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []StudentStop
	for id, s := range m.students {
		if s.stopID == "" {
			continue
		}
		res = append(res, StudentStop{StudentID: id, StopID: s.stopID})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].StudentID < res[j].StudentID })
	return res, nil
}

func (m *MemoryStore) Stop(_ context.Context, stopID string) (*Stop, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stops[stopID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *MemoryStore) Guardian(_ context.Context, studentID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.students[studentID].guardian, nil
}

func (m *MemoryStore) Holidays(_ context.Context, from, to time.Time) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lo, hi := DateOf(from), DateOf(to)
	res := map[string]bool{}
	for d := range m.holidays {
		day, err := time.ParseInLocation(DateLayout, d, UTC)
		if err != nil {
			continue
		}
		if day.Before(lo) || day.After(hi) {
			continue
		}
		res[d] = true
	}
	return res, nil
}
