package threatintel

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Micca1978/ztengine/pkg/types"
)

// MemoryStore is an in-process Store indexed by indicator.
type MemoryStore struct {
	records map[string]types.ThreatIntelligence
	index   map[string]map[string]struct{} // indicator -> record ids
	mu      sync.RWMutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]types.ThreatIntelligence),
		index:   make(map[string]map[string]struct{}),
	}
}

// Add inserts or replaces records by id.
func (s *MemoryStore) Add(ctx context.Context, records ...types.ThreatIntelligence) error {
	normalized := make([]types.ThreatIntelligence, 0, len(records))
	for _, rec := range records {
		n, err := normalize(rec)
		if err != nil {
			return err
		}
		normalized = append(normalized, n)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range normalized {
		if old, ok := s.records[rec.ID]; ok {
			s.unindex(old)
		}
		s.records[rec.ID] = rec
		for _, ind := range rec.Indicators {
			ids, ok := s.index[ind]
			if !ok {
				ids = make(map[string]struct{})
				s.index[ind] = ids
			}
			ids[rec.ID] = struct{}{}
		}
	}
	return nil
}

// Lookup returns live records containing any of the indicators, each once,
// ordered by id.
func (s *MemoryStore) Lookup(ctx context.Context, now time.Time, indicators ...string) ([]types.ThreatIntelligence, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	var result []types.ThreatIntelligence
	for _, ind := range indicators {
		if ind == "" {
			continue
		}
		for id := range s.index[ind] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			rec := s.records[id]
			if rec.Expired(now) {
				continue
			}
			result = append(result, rec)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// Prune removes expired records.
func (s *MemoryStore) Prune(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, rec := range s.records {
		if rec.Expired(now) {
			s.unindex(rec)
			delete(s.records, id)
			removed++
		}
	}
	return removed, nil
}

// Count returns the number of stored records.
func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) unindex(rec types.ThreatIntelligence) {
	for _, ind := range rec.Indicators {
		ids := s.index[ind]
		delete(ids, rec.ID)
		if len(ids) == 0 {
			delete(s.index, ind)
		}
	}
}
