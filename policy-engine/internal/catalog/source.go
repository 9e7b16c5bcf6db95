// Package catalog reads the catalog items a run evaluates and the set of
// item ids that are currently live.
package catalog

import (
	"context"
	"io"
	"sort"
	"sync"

	"github.com/reelhouse/catalog/policy-engine/internal/models"
)

// Source is restartable: every Open starts a fresh pass over the catalog.
type Source interface {
	Count(ctx context.Context) (int64, error)
	Open(ctx context.Context, batchSize int) (Cursor, error)
	EligibleIDs(ctx context.Context) (map[string]struct{}, error)
}

// Cursor yields batches in a stable order. Next returns io.EOF once exhausted.
type Cursor interface {
	Next(ctx context.Context) ([]models.CatalogItem, error)
	Close() error
}

// MemorySource keeps the catalog in process. Items are served ordered by id.
type MemorySource struct {
	mu       sync.RWMutex
	items    []models.CatalogItem
	eligible map[string]struct{}
}

func NewMemorySource(items []models.CatalogItem, eligible []string) *MemorySource {
	s := &MemorySource{}
	s.SetItems(items)
	s.SetEligible(eligible)
	return s
}

func (s *MemorySource) SetItems(items []models.CatalogItem) {
	sorted := append([]models.CatalogItem(nil), items...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	s.mu.Lock()
	s.items = sorted
	s.mu.Unlock()
}

func (s *MemorySource) SetEligible(ids []string) {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	s.mu.Lock()
	s.eligible = set
	s.mu.Unlock()
}

func (s *MemorySource) Count(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.items)), nil
}

func (s *MemorySource) Open(ctx context.Context, batchSize int) (Cursor, error) {
	if batchSize <= 0 {
		batchSize = 1
	}
	s.mu.RLock()
	snapshot := s.items
	s.mu.RUnlock()
	return &memoryCursor{items: snapshot, batch: batchSize}, nil
}

func (s *MemorySource) EligibleIDs(ctx context.Context) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]struct{}, len(s.eligible))
	for id := range s.eligible {
		out[id] = struct{}{}
	}
	return out, nil
}

type memoryCursor struct {
	items []models.CatalogItem
	batch int
	pos   int
}

func (c *memoryCursor) Next(ctx context.Context) ([]models.CatalogItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.pos >= len(c.items) {
		return nil, io.EOF
	}
	end := c.pos + c.batch
	if end > len(c.items) {
		end = len(c.items)
	}
	out := c.items[c.pos:end]
	c.pos = end
	return out, nil
}

func (c *memoryCursor) Close() error { return nil }
