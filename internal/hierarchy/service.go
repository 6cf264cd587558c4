package hierarchy

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"trellis.org/internal/audit"
	"trellis.org/internal/identity"
	"trellis.org/internal/ids"
	"trellis.org/internal/roles"
)

// Service defines the user-tree operations.
type Service interface {
	// CreateRoot provisions a top administrator as the root of a new tree.
	CreateRoot(ctx context.Context, user User) (Edge, error)
	// InsertUser places a new user under parentID, computing level and
	// top-administrator reference.
	InsertUser(ctx context.Context, user User, parentID string) (Edge, error)
	// MoveUser reparents userID and recomputes level/top-admin for the whole
	// moved subtree as one atomic unit.
	MoveUser(ctx context.Context, userID, newParentID, reason string) (Edge, error)
	// Subordinates returns the full descendant set of userID.
	Subordinates(ctx context.Context, userID string) ([]User, error)
	// PathToRoot returns the ascending chain from userID to its top administrator.
	PathToRoot(ctx context.Context, userID string) ([]User, error)
	GetUser(ctx context.Context, id string) (User, error)
	GetEdge(ctx context.Context, id string) (Edge, error)
	// RecruitsByCode lists users registered with the given reference code
	// value, oldest first.
	RecruitsByCode(ctx context.Context, codeValue string) ([]User, error)
}

// InMemory implements Service with in-process concurrency safety. The
// Postgres store is the durable implementation; this one backs tests and
// single-node development runs.
type InMemory struct {
	mu       sync.RWMutex
	users    map[string]User
	edges    map[string]Edge
	children map[string][]string
	auditLog audit.Store
}

// NewInMemory creates an empty tree backed by the given audit store.
func NewInMemory(auditLog audit.Store) *InMemory {
	return &InMemory{
		users:    make(map[string]User),
		edges:    make(map[string]Edge),
		children: make(map[string][]string),
		auditLog: auditLog,
	}
}

func (s *InMemory) CreateRoot(ctx context.Context, user User) (Edge, error) {
	if user.Role != roles.Admin {
		return Edge{}, ErrInvalidRole
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if user.ID == "" {
		user.ID = ids.New()
	}
	if _, ok := s.users[user.ID]; ok {
		return Edge{}, ErrDuplicateUser
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	edge := Edge{
		UserID:     user.ID,
		Level:      1,
		TopAdminID: user.ID,
		UpdatedAt:  time.Now().UTC(),
	}
	s.users[user.ID] = user
	s.edges[user.ID] = edge

	s.appendAudit(ctx, "hierarchy.root.create", user.ID, map[string]string{
		"role": string(user.Role),
	})
	return edge, nil
}

func (s *InMemory) InsertUser(ctx context.Context, user User, parentID string) (Edge, error) {
	if !user.Role.Valid() {
		return Edge{}, ErrInvalidRole
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ok := s.users[parentID]
	if !ok {
		return Edge{}, ErrParentNotFound
	}
	if !roles.IsAllowedParent(user.Role, parent.Role) {
		return Edge{}, ErrInvalidParentRole
	}
	parentEdge := s.edges[parentID]
	level := parentEdge.Level + 1
	if level > roles.MaxDepth() {
		return Edge{}, ErrMaxDepth
	}

	if user.ID == "" {
		user.ID = ids.New()
	}
	if _, ok := s.users[user.ID]; ok {
		return Edge{}, ErrDuplicateUser
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	edge := Edge{
		UserID:     user.ID,
		ParentID:   parentID,
		Level:      level,
		TopAdminID: parentEdge.TopAdminID,
		UpdatedAt:  time.Now().UTC(),
	}
	s.users[user.ID] = user
	s.edges[user.ID] = edge
	s.children[parentID] = append(s.children[parentID], user.ID)

	s.appendAudit(ctx, "hierarchy.user.insert", user.ID, map[string]string{
		"parent_id": parentID,
		"role":      string(user.Role),
		"level":     strconv.Itoa(level),
	})
	return edge, nil
}

func (s *InMemory) MoveUser(ctx context.Context, userID, newParentID, reason string) (Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return Edge{}, ErrUserNotFound
	}
	newParent, ok := s.users[newParentID]
	if !ok {
		return Edge{}, ErrParentNotFound
	}
	if newParentID == userID {
		return Edge{}, ErrCircularReference
	}
	subtree := s.collectSubtree(userID)
	for _, id := range subtree {
		if id == newParentID {
			return Edge{}, ErrCircularReference
		}
	}
	if !roles.IsAllowedParent(user.Role, newParent.Role) {
		return Edge{}, ErrInvalidParentRole
	}

	oldEdge := s.edges[userID]
	newParentEdge := s.edges[newParentID]
	delta := newParentEdge.Level + 1 - oldEdge.Level

	// Strict depth rule: reject if the moved user or any descendant would
	// land below the cap. Checked before any write.
	for _, id := range subtree {
		if s.edges[id].Level+delta > roles.MaxDepth() {
			return Edge{}, ErrMaxDepth
		}
	}

	// Stage the full cascade, then commit in one step.
	now := time.Now().UTC()
	staged := make(map[string]Edge, len(subtree))
	for _, id := range subtree {
		e := s.edges[id]
		e.Level += delta
		e.TopAdminID = newParentEdge.TopAdminID
		e.UpdatedAt = now
		staged[id] = e
	}
	moved := staged[userID]
	moved.ParentID = newParentID
	staged[userID] = moved

	for id, e := range staged {
		s.edges[id] = e
	}
	s.children[oldEdge.ParentID] = removeChild(s.children[oldEdge.ParentID], userID)
	s.children[newParentID] = append(s.children[newParentID], userID)

	s.appendAudit(ctx, "hierarchy.user.move", userID, map[string]string{
		"old_parent_id": oldEdge.ParentID,
		"new_parent_id": newParentID,
		"old_level":     strconv.Itoa(oldEdge.Level),
		"new_level":     strconv.Itoa(moved.Level),
		"reason":        reason,
	})
	return moved, nil
}

func (s *InMemory) Subordinates(ctx context.Context, userID string) ([]User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.users[userID]; !ok {
		return nil, ErrUserNotFound
	}
	var out []User
	for _, id := range s.collectSubtree(userID) {
		if id == userID {
			continue
		}
		out = append(out, s.users[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemory) PathToRoot(ctx context.Context, userID string) ([]User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	path := []User{user}
	cur := s.edges[userID]
	// Bounded by the depth cap; terminates even on malformed edges.
	for i := 0; i < roles.MaxDepth() && cur.ParentID != ""; i++ {
		parent, ok := s.users[cur.ParentID]
		if !ok {
			break
		}
		path = append(path, parent)
		cur = s.edges[parent.ID]
	}
	return path, nil
}

func (s *InMemory) GetUser(ctx context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return u, nil
}

func (s *InMemory) GetEdge(ctx context.Context, id string) (Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.edges[id]
	if !ok {
		return Edge{}, ErrUserNotFound
	}
	return e, nil
}

func (s *InMemory) RecruitsByCode(ctx context.Context, codeValue string) ([]User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []User
	for _, u := range s.users {
		if u.ReferenceCodeUsed != "" && u.ReferenceCodeUsed == codeValue {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// collectSubtree returns userID plus all descendants via breadth-first
// traversal over the children index, bounded by the depth cap.
func (s *InMemory) collectSubtree(userID string) []string {
	out := []string{userID}
	frontier := []string{userID}
	for depth := 0; depth < roles.MaxDepth() && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			next = append(next, s.children[id]...)
		}
		out = append(out, next...)
		frontier = next
	}
	return out
}

func (s *InMemory) appendAudit(ctx context.Context, action, resourceID string, meta map[string]string) {
	if s.auditLog == nil {
		return
	}
	entry := &audit.Entry{
		Action:       action,
		ResourceType: "user",
		ResourceID:   resourceID,
		Metadata:     meta,
		RequestID:    audit.RequestIDFromContext(ctx),
	}
	if id, ok := identity.FromContext(ctx); ok {
		entry.ActorID = id.UserID
		entry.ActorRole = id.Role
	}
	_ = s.auditLog.Append(ctx, entry)
}

func removeChild(list []string, id string) []string {
	out := list[:0]
	for _, v := range list {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
