package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/marmos91/dittosdb/pkg/quota"
)

// UsageStore is an in-memory quota.UsageStore. Contents are lost on restart.
type UsageStore struct {
	mu      sync.RWMutex
	entries map[quota.OriginMetadata]quota.OriginUsage
}

func NewUsageStore() *UsageStore {
	return &UsageStore{entries: make(map[quota.OriginMetadata]quota.OriginUsage)}
}

func (s *UsageStore) Put(ctx context.Context, entry quota.OriginUsage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.Origin] = entry
	return nil
}

func (s *UsageStore) Get(ctx context.Context, origin quota.OriginMetadata) (quota.OriginUsage, error) {
	if err := ctx.Err(); err != nil {
		return quota.OriginUsage{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[origin]
	if !ok {
		return quota.OriginUsage{}, quota.ErrUsageNotFound
	}
	return entry, nil
}

func (s *UsageStore) Delete(ctx context.Context, origin quota.OriginMetadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, origin)
	return nil
}

// List returns every entry ordered by persistence type, then origin.
func (s *UsageStore) List(ctx context.Context) ([]quota.OriginUsage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	out := make([]quota.OriginUsage, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Origin.Persistence != out[j].Origin.Persistence {
			return out[i].Origin.Persistence < out[j].Origin.Persistence
		}
		return out[i].Origin.Origin < out[j].Origin.Origin
	})
	return out, nil
}

func (s *UsageStore) Close() error {
	return nil
}
