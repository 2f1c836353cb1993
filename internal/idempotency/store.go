package idempotency

import (
	"context"
	"sync"
	"time"
)

// Status of an idempotency record
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Record is the stored state of one keyed operation
type Record struct {
	Key       string    `json:"key"`
	Status    Status    `json:"status"`
	Result    []byte    `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Stats summarizes live records by status
type Stats struct {
	Pending   int `json:"pending"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Total is the number of live records
func (s Stats) Total() int {
	return s.Pending + s.Completed + s.Failed
}

// Store persists idempotency records. Reserve must be atomic across all callers of the store.
type Store interface {
	// Reserve creates a pending record for key unless a live one exists.
	// When reserved is false the existing record is returned.
	Reserve(ctx context.Context, key string, ttl time.Duration) (existing *Record, reserved bool, err error)
	Complete(ctx context.Context, key string, result []byte, ttl time.Duration) error
	Fail(ctx context.Context, key string, reason string, retain time.Duration) error
	// Purge deletes expired records and reports how many were removed
	Purge(ctx context.Context) (int, error)
	Stats(ctx context.Context) (Stats, error)
}

// MemoryStore is a process-local Store
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	now     func() time.Time
}

// NewMemoryStore creates an empty in-process store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		now:     time.Now,
	}
}

// WithClock overrides the store clock
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) Reserve(_ context.Context, key string, ttl time.Duration) (*Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if rec, ok := s.records[key]; ok && now.Before(rec.ExpiresAt) {
		cp := *rec
		return &cp, false, nil
	}

	s.records[key] = &Record{
		Key:       key,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	return nil, true, nil
}

func (s *MemoryStore) Complete(_ context.Context, key string, result []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec := s.getOrCreate(key, now)
	rec.Status = StatusCompleted
	rec.Result = result
	rec.Error = ""
	rec.UpdatedAt = now
	rec.ExpiresAt = now.Add(ttl)
	return nil
}

func (s *MemoryStore) Fail(_ context.Context, key string, reason string, retain time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec := s.getOrCreate(key, now)
	rec.Status = StatusFailed
	rec.Result = nil
	rec.Error = reason
	rec.UpdatedAt = now
	rec.ExpiresAt = now.Add(retain)
	return nil
}

func (s *MemoryStore) getOrCreate(key string, now time.Time) *Record {
	rec, ok := s.records[key]
	if !ok {
		rec = &Record{Key: key, CreatedAt: now}
		s.records[key] = rec
	}
	return rec
}

func (s *MemoryStore) Purge(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key, rec := range s.records {
		if !now.Before(rec.ExpiresAt) {
			delete(s.records, key)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var st Stats
	for _, rec := range s.records {
		if !now.Before(rec.ExpiresAt) {
			continue
		}
		countStatus(&st, rec.Status)
	}
	return st, nil
}

func countStatus(st *Stats, status Status) {
	switch status {
	case StatusPending:
		st.Pending++
	case StatusCompleted:
		st.Completed++
	case StatusFailed:
		st.Failed++
	}
}
