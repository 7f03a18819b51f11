package memory

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// workingStore is the in-memory, per-user working-layer backing store:
// a ring-bounded append with a hard cap, with copy-on-read to avoid
// races between a reader's slice and concurrent appends.
type workingStore struct {
	mu      sync.RWMutex
	records map[string][]MemoryRecord // user -> records, oldest first
	cap     int
}

const defaultWorkingCap = 200

func newWorkingStore(capacity int) *workingStore {
	if capacity <= 0 {
		capacity = defaultWorkingCap
	}
	return &workingStore{records: make(map[string][]MemoryRecord), cap: capacity}
}

func (s *workingStore) store(user string, rec MemoryRecord) (MemoryRecord, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return MemoryRecord{}, err
	}
	rec.ID = id.String()
	rec.Layer = LayerWorking
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	list := append(s.records[user], rec)
	if len(list) > s.cap {
		list = list[len(list)-s.cap:]
	}
	s.records[user] = list

	return rec, nil
}

func (s *workingStore) all(user string) []MemoryRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.records[user]
	out := make([]MemoryRecord, len(src))
	copy(out, src)
	return out
}

func (s *workingStore) count(user string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records[user])
}

func (s *workingStore) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string][]MemoryRecord)
}
