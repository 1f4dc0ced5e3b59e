package consultation

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryRepo struct {
	mu   sync.RWMutex
	rows map[string]Record
}

// NewMemoryRepository keeps sessions in process memory. Used for local runs
// without a database and in tests.
func NewMemoryRepository() Repository {
	return &memoryRepo{rows: make(map[string]Record)}
}

func (r *memoryRepo) Get(_ context.Context, sessionID string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.rows[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	rec.Blob = append([]byte(nil), rec.Blob...)
	return &rec, nil
}

func (r *memoryRepo) Put(_ context.Context, sessionID string, blob []byte, ownerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	rec, ok := r.rows[sessionID]
	if !ok {
		rec = Record{SessionID: sessionID, CreatedAt: now}
	}
	rec.Blob = append([]byte(nil), blob...)
	rec.UpdatedAt = now
	if ownerID != "" {
		owner := ownerID
		rec.OwnerID = &owner
	}
	r.rows[sessionID] = rec
	return nil
}

func (r *memoryRepo) ListByOwner(_ context.Context, ownerID string) ([]Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Record
	for _, rec := range r.rows {
		if rec.OwnerID != nil && *rec.OwnerID == ownerID {
			rec.Blob = nil
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (r *memoryRepo) Close() error { return nil }
