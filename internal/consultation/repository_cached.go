package consultation

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type cachedRepo struct {
	next  Repository
	cache *lru.Cache[string, Record]
}

// NewCachedRepository puts a read-through, write-through LRU in front of next.
// The cache is only coherent while this process is the sole writer.
func NewCachedRepository(next Repository, size int) (Repository, error) {
	if size <= 0 {
		size = 256
	}
	cache, err := lru.New[string, Record](size)
	if err != nil {
		return nil, err
	}
	return &cachedRepo{next: next, cache: cache}, nil
}

func (r *cachedRepo) Get(ctx context.Context, sessionID string) (*Record, error) {
	if rec, ok := r.cache.Get(sessionID); ok {
		rec.Blob = append([]byte(nil), rec.Blob...)
		return &rec, nil
	}
	rec, err := r.next.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	r.cache.Add(sessionID, *rec)
	return rec, nil
}

func (r *cachedRepo) Put(ctx context.Context, sessionID string, blob []byte, ownerID string) error {
	if err := r.next.Put(ctx, sessionID, blob, ownerID); err != nil {
		r.cache.Remove(sessionID)
		return err
	}
	rec, ok := r.cache.Peek(sessionID)
	if !ok {
		// first write: let the next Get pick up backend timestamps
		return nil
	}
	rec.Blob = append([]byte(nil), blob...)
	rec.UpdatedAt = time.Now().UTC()
	if ownerID != "" {
		owner := ownerID
		rec.OwnerID = &owner
	}
	r.cache.Add(sessionID, rec)
	return nil
}

func (r *cachedRepo) ListByOwner(ctx context.Context, ownerID string) ([]Record, error) {
	return r.next.ListByOwner(ctx, ownerID)
}

func (r *cachedRepo) Close() error {
	r.cache.Purge()
	return r.next.Close()
}
