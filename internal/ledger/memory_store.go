package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store with the same semantics as the Postgres
// store. Intended for tests and local development.
type MemoryStore struct {
	mu         sync.Mutex
	records    map[string][]Record
	aggregates map[string]*Aggregate
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:    make(map[string][]Record),
		aggregates: make(map[string]*Aggregate),
	}
}

func (s *MemoryStore) Append(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agg, ok := s.aggregates[rec.CredentialID]
	if !ok {
		return ErrAggregateNotFound
	}

	s.records[rec.CredentialID] = append(s.records[rec.CredentialID], *rec)

	agg.TotalRequests++
	agg.InputTokens += rec.InputTokens
	agg.OutputTokens += rec.OutputTokens
	agg.CacheWriteTokens += rec.CacheWriteTokens
	agg.CacheReadTokens += rec.CacheReadTokens
	agg.TotalTokens += rec.TotalTokens
	agg.TotalCostUSD += rec.CostUSD
	agg.TotalCredits += rec.Credits
	agg.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) Initialize(_ context.Context, credentialID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.aggregates[credentialID]; ok {
		return ErrAlreadyInitialized
	}
	s.aggregates[credentialID] = &Aggregate{
		CredentialID: credentialID,
		UpdatedAt:    time.Now().UTC(),
	}
	return nil
}

func (s *MemoryStore) Purge(_ context.Context, credentialID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, credentialID)
	delete(s.aggregates, credentialID)
	return nil
}

func (s *MemoryStore) ListSince(_ context.Context, credentialID string, since time.Time) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sinceMs := since.UnixMilli()
	var out []Record
	for _, r := range s.records[credentialID] {
		if r.Timestamp.UnixMilli() >= sinceMs {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

func (s *MemoryStore) Aggregate(_ context.Context, credentialID string) (*Aggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agg, ok := s.aggregates[credentialID]
	if !ok {
		return nil, ErrAggregateNotFound
	}
	cp := *agg
	return &cp, nil
}

func (s *MemoryStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoffMs := cutoff.UnixMilli()
	var deleted int64
	for id, recs := range s.records {
		kept := recs[:0]
		for _, r := range recs {
			if r.Timestamp.UnixMilli() < cutoffMs {
				deleted++
				continue
			}
			kept = append(kept, r)
		}
		s.records[id] = kept
	}
	return deleted, nil
}
