package assignment

import (
	"context"
	"sync"
	"time"

	"trellis.org/internal/audit"
	"trellis.org/internal/hierarchy"
	"trellis.org/internal/identity"
	"trellis.org/internal/ids"
	"trellis.org/internal/roles"
)

// Tree is the slice of the hierarchy the validator needs.
// hierarchy.Service satisfies it.
type Tree interface {
	GetUser(ctx context.Context, id string) (hierarchy.User, error)
	GetEdge(ctx context.Context, id string) (hierarchy.Edge, error)
	PathToRoot(ctx context.Context, id string) ([]hierarchy.User, error)
}

// Service validates and records work-item assignments.
type Service interface {
	CreateWorkItem(ctx context.Context, clientID, title string) (WorkItem, error)
	GetWorkItem(ctx context.Context, id string) (WorkItem, error)
	// Assign validates the role pair and hierarchy relationship, supersedes
	// any prior current assignment and inserts the new record atomically.
	Assign(ctx context.Context, workItemID, assignedToID, assignedByID string, assignmentType Type, notes string) (Record, error)
	// History returns the full chronological assignment trail.
	History(ctx context.Context, workItemID string) ([]Record, error)
	// Current returns the single valid record for the work item.
	Current(ctx context.Context, workItemID string) (Record, error)
}

// InMemory implements Service with in-process concurrency safety.
type InMemory struct {
	mu       sync.RWMutex
	items    map[string]WorkItem
	records  map[string][]Record // workItemID -> chronological history
	tree     Tree
	auditLog audit.Store
	now      func() time.Time
}

func NewInMemory(tree Tree, auditLog audit.Store) *InMemory {
	return &InMemory{
		items:    make(map[string]WorkItem),
		records:  make(map[string][]Record),
		tree:     tree,
		auditLog: auditLog,
		now:      time.Now,
	}
}

func (s *InMemory) CreateWorkItem(ctx context.Context, clientID, title string) (WorkItem, error) {
	client, err := s.tree.GetUser(ctx, clientID)
	if err != nil {
		return WorkItem{}, ErrClientNotFound
	}
	if client.Role != roles.Client {
		return WorkItem{}, ErrNotAClient
	}
	item := WorkItem{
		ID:        ids.New(),
		ClientID:  clientID,
		Title:     title,
		CreatedAt: s.now().UTC(),
	}
	s.mu.Lock()
	s.items[item.ID] = item
	s.mu.Unlock()
	return item, nil
}

func (s *InMemory) GetWorkItem(ctx context.Context, id string) (WorkItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok {
		return WorkItem{}, ErrWorkItemNotFound
	}
	return item, nil
}

func (s *InMemory) Assign(ctx context.Context, workItemID, assignedToID, assignedByID string, assignmentType Type, notes string) (Record, error) {
	if !assignmentType.Valid() {
		return Record{}, ErrInvalidType
	}
	assignee, err := s.tree.GetUser(ctx, assignedToID)
	if err != nil {
		return Record{}, ErrAssigneeNotFound
	}
	assigner, err := s.tree.GetUser(ctx, assignedByID)
	if err != nil {
		return Record{}, ErrAssignerNotFound
	}
	if !roles.CanAssign(assigner.Role, assignee.Role) {
		return Record{}, ErrInvalidRoleAssignment
	}
	if err := s.checkReachable(ctx, assigner, assignee); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[workItemID]; !ok {
		return Record{}, ErrWorkItemNotFound
	}

	// Supersede-then-insert under one lock: at no point does the work item
	// have zero or two current assignments.
	history := s.records[workItemID]
	var previous string
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Valid {
			previous = history[i].AssignedToID
			history[i].Valid = false
			break
		}
	}
	rec := Record{
		ID:                 ids.New(),
		WorkItemID:         workItemID,
		AssignedToID:       assignee.ID,
		AssignedToRole:     assignee.Role,
		AssignedByID:       assigner.ID,
		AssignedByRole:     assigner.Role,
		Type:               assignmentType,
		PreviousAssigneeID: previous,
		Notes:              notes,
		Valid:              true,
		CreatedAt:          s.now().UTC(),
	}
	s.records[workItemID] = append(history, rec)

	s.appendAudit(ctx, rec)
	return rec, nil
}

// checkReachable enforces the hierarchy-path rule: administrators may assign
// anywhere in their subtree, senior fulfillers only to direct children.
func (s *InMemory) checkReachable(ctx context.Context, assigner, assignee hierarchy.User) error {
	if roles.AssignsTransitively(assigner.Role) {
		path, err := s.tree.PathToRoot(ctx, assignee.ID)
		if err != nil {
			return ErrAssigneeNotFound
		}
		for _, u := range path[1:] {
			if u.ID == assigner.ID {
				return nil
			}
		}
		return ErrNotInHierarchy
	}
	edge, err := s.tree.GetEdge(ctx, assignee.ID)
	if err != nil {
		return ErrAssigneeNotFound
	}
	if edge.ParentID != assigner.ID {
		return ErrNotInHierarchy
	}
	return nil
}

func (s *InMemory) History(ctx context.Context, workItemID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.items[workItemID]; !ok {
		return nil, ErrWorkItemNotFound
	}
	history := s.records[workItemID]
	out := make([]Record, len(history))
	copy(out, history)
	return out, nil
}

func (s *InMemory) Current(ctx context.Context, workItemID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.items[workItemID]; !ok {
		return Record{}, ErrWorkItemNotFound
	}
	history := s.records[workItemID]
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Valid {
			return history[i], nil
		}
	}
	return Record{}, ErrNoCurrentAssignment
}

func (s *InMemory) appendAudit(ctx context.Context, rec Record) {
	if s.auditLog == nil {
		return
	}
	entry := &audit.Entry{
		Action:       "assignment.create",
		ResourceType: "work_item",
		ResourceID:   rec.WorkItemID,
		Metadata: map[string]string{
			"assigned_to":       rec.AssignedToID,
			"assigned_by":       rec.AssignedByID,
			"assignment_type":   string(rec.Type),
			"previous_assignee": rec.PreviousAssigneeID,
		},
		RequestID: audit.RequestIDFromContext(ctx),
	}
	if id, ok := identity.FromContext(ctx); ok {
		entry.ActorID = id.UserID
		entry.ActorRole = id.Role
	}
	_ = s.auditLog.Append(ctx, entry)
}
