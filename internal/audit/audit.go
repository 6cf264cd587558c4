package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"trellis.org/internal/ids"
	"trellis.org/internal/roles"
)

// Entry is one append-only record of a hierarchy or assignment mutation.
type Entry struct {
	ID           string            `json:"id"`
	OccurredAt   time.Time         `json:"occurred_at"`
	ActorID      string            `json:"actor_id"`
	ActorRole    roles.Role        `json:"actor_role"`
	Action       string            `json:"action"`
	ResourceType string            `json:"resource_type"`
	ResourceID   string            `json:"resource_id"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	RequestID    string            `json:"request_id,omitempty"`
}

// FinancialAccessEntry records one financial-data access attempt, successful
// or denied. Never updated or deleted.
type FinancialAccessEntry struct {
	ID           string     `json:"id"`
	CallerID     string     `json:"caller_id"`
	CallerRole   roles.Role `json:"caller_role"`
	AccessType   string     `json:"access_type"`
	ResourceType string     `json:"resource_type"`
	ResourceID   string     `json:"resource_id"`
	Success      bool       `json:"success"`
	Error        string     `json:"error,omitempty"`
	OccurredAt   time.Time  `json:"occurred_at"`
}

var ErrEmptyAction = errors.New("audit: action is required")

// Store appends immutable mutation entries. There is deliberately no update
// or delete operation on this interface.
type Store interface {
	Append(ctx context.Context, entry *Entry) error
	ListByResource(ctx context.Context, resourceType, resourceID string) ([]Entry, error)
}

// AccessStore appends immutable financial-access entries.
type AccessStore interface {
	AppendAccess(ctx context.Context, entry *FinancialAccessEntry) error
	ListAccessByCaller(ctx context.Context, callerID string) ([]FinancialAccessEntry, error)
}

// InMemory implements Store and AccessStore for tests and single-node runs.
type InMemory struct {
	mu      sync.RWMutex
	entries []Entry
	access  []FinancialAccessEntry
}

func NewInMemory() *InMemory {
	return &InMemory{}
}

func (s *InMemory) Append(ctx context.Context, entry *Entry) error {
	if entry.Action == "" {
		return ErrEmptyAction
	}
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, *entry)
	return nil
}

func (s *InMemory) ListByResource(ctx context.Context, resourceType, resourceID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, e := range s.entries {
		if e.ResourceType == resourceType && e.ResourceID == resourceID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *InMemory) AppendAccess(ctx context.Context, entry *FinancialAccessEntry) error {
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = append(s.access, *entry)
	return nil
}

func (s *InMemory) ListAccessByCaller(ctx context.Context, callerID string) ([]FinancialAccessEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []FinancialAccessEntry
	for _, e := range s.access {
		if e.CallerID == callerID {
			out = append(out, e)
		}
	}
	return out, nil
}
