package access

import (
	"context"
	"errors"
	"sync"
)

var ErrNoFinancials = errors.New("access: no financial record for work item")

// FinancialSource resolves the stored money columns of a work item.
type FinancialSource interface {
	Financials(ctx context.Context, workItemID string) (FinancialRecord, error)
	UpsertFinancials(ctx context.Context, rec FinancialRecord) error
}

// InMemoryFinancials implements FinancialSource for tests and single-node runs.
type InMemoryFinancials struct {
	mu      sync.RWMutex
	records map[string]FinancialRecord
}

func NewInMemoryFinancials() *InMemoryFinancials {
	return &InMemoryFinancials{records: make(map[string]FinancialRecord)}
}

func (s *InMemoryFinancials) Financials(ctx context.Context, workItemID string) (FinancialRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[workItemID]
	if !ok {
		return FinancialRecord{}, ErrNoFinancials
	}
	return rec, nil
}

func (s *InMemoryFinancials) UpsertFinancials(ctx context.Context, rec FinancialRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.WorkItemID] = rec
	return nil
}
