package access

import (
	"context"
	"errors"
	"time"

	"trellis.org/internal/assignment"
	"trellis.org/internal/audit"
	"trellis.org/internal/hierarchy"
	"trellis.org/internal/identity"
	"trellis.org/internal/roles"
)

var (
	ErrDenied       = errors.New("access: denied")
	ErrUserNotFound = errors.New("access: user not found")
	ErrItemNotFound = errors.New("access: work item not found")
)

// Tree is the hierarchy slice permission checks need. hierarchy.Service
// satisfies it.
type Tree interface {
	GetUser(ctx context.Context, id string) (hierarchy.User, error)
	PathToRoot(ctx context.Context, id string) ([]hierarchy.User, error)
}

// WorkItems resolves work-item ownership and the current assignee.
// assignment.Service satisfies it.
type WorkItems interface {
	GetWorkItem(ctx context.Context, id string) (assignment.WorkItem, error)
	Current(ctx context.Context, id string) (assignment.Record, error)
}

// FinancialRecord carries the money columns of one work item in minor
// units. Nil pointer means the field was redacted for the caller.
type FinancialRecord struct {
	WorkItemID      string `json:"work_item_id"`
	Currency        string `json:"currency"`
	ClientPrice     *int64 `json:"client_price,omitempty"`
	FulfillerPayout *int64 `json:"fulfiller_payout,omitempty"`
	PlatformFee     *int64 `json:"platform_fee,omitempty"`
	ProfitMargin    *int64 `json:"profit_margin,omitempty"`
}

// Service answers permission questions and redacts financial data. Every
// financial read, granted or denied, lands in the access log.
type Service struct {
	tree      Tree
	items     WorkItems
	accessLog audit.AccessStore
	now       func() time.Time
}

func NewService(tree Tree, items WorkItems, accessLog audit.AccessStore) *Service {
	return &Service{
		tree:      tree,
		items:     items,
		accessLog: accessLog,
		now:       time.Now,
	}
}

// Check is the static capability gate.
func (s *Service) Check(role roles.Role, cap roles.Capability) bool {
	return roles.HasCapability(role, cap)
}

// CanAccessUser reports whether caller may read targetID's profile and
// position: self-access or any user in the caller's subtree.
func (s *Service) CanAccessUser(ctx context.Context, caller identity.Identity, targetID string) (bool, error) {
	if caller.UserID == targetID {
		return true, nil
	}
	if _, err := s.tree.GetUser(ctx, targetID); err != nil {
		return false, ErrUserNotFound
	}
	return s.isAncestor(ctx, caller.UserID, targetID)
}

// CanAccessWorkItem grants the owning client, the current assignee, and any
// ancestor of either.
func (s *Service) CanAccessWorkItem(ctx context.Context, caller identity.Identity, workItemID string) (bool, error) {
	item, err := s.items.GetWorkItem(ctx, workItemID)
	if err != nil {
		return false, ErrItemNotFound
	}
	if caller.UserID == item.ClientID {
		return true, nil
	}
	if ok, err := s.isAncestor(ctx, caller.UserID, item.ClientID); err != nil || ok {
		return ok, err
	}
	cur, err := s.items.Current(ctx, workItemID)
	if err != nil {
		// An unassigned item is reachable only through its client side.
		if errors.Is(err, assignment.ErrNoCurrentAssignment) {
			return false, nil
		}
		return false, err
	}
	if caller.UserID == cur.AssignedToID {
		return true, nil
	}
	return s.isAncestor(ctx, caller.UserID, cur.AssignedToID)
}

// FinancialView redacts rec to the caller's visible fields and records the
// access. A caller with no work-item access gets ErrDenied, also logged.
func (s *Service) FinancialView(ctx context.Context, caller identity.Identity, rec FinancialRecord) (FinancialRecord, error) {
	ok, err := s.CanAccessWorkItem(ctx, caller, rec.WorkItemID)
	if err != nil {
		s.logAccess(ctx, caller, rec.WorkItemID, false, err)
		return FinancialRecord{}, err
	}
	if !ok {
		s.logAccess(ctx, caller, rec.WorkItemID, false, ErrDenied)
		return FinancialRecord{}, ErrDenied
	}
	out := s.redact(caller.Role, rec)
	s.logAccess(ctx, caller, rec.WorkItemID, true, nil)
	return out, nil
}

// redact nils every money column the role may not read.
func (s *Service) redact(role roles.Role, rec FinancialRecord) FinancialRecord {
	out := rec
	if !roles.CanSeeFinancialField(role, roles.FieldClientPrice) {
		out.ClientPrice = nil
	}
	if !roles.CanSeeFinancialField(role, roles.FieldFulfillerPayout) {
		out.FulfillerPayout = nil
	}
	if !roles.CanSeeFinancialField(role, roles.FieldPlatformFee) {
		out.PlatformFee = nil
	}
	if !roles.CanSeeFinancialField(role, roles.FieldProfitMargin) {
		out.ProfitMargin = nil
	}
	return out
}

// isAncestor reports whether ancestorID appears strictly above userID.
func (s *Service) isAncestor(ctx context.Context, ancestorID, userID string) (bool, error) {
	path, err := s.tree.PathToRoot(ctx, userID)
	if err != nil {
		return false, ErrUserNotFound
	}
	for _, u := range path[1:] {
		if u.ID == ancestorID {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) logAccess(ctx context.Context, caller identity.Identity, workItemID string, success bool, cause error) {
	entry := &audit.FinancialAccessEntry{
		CallerID:     caller.UserID,
		CallerRole:   caller.Role,
		AccessType:   "financial.view",
		ResourceType: "work_item",
		ResourceID:   workItemID,
		Success:      success,
		OccurredAt:   s.now().UTC(),
	}
	if cause != nil {
		entry.Error = cause.Error()
	}
	_ = s.accessLog.AppendAccess(ctx, entry)
}
