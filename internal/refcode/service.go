package refcode

import (
	"context"
	"sort"
	"sync"
	"time"

	"trellis.org/internal/audit"
	"trellis.org/internal/hierarchy"
	"trellis.org/internal/identity"
	"trellis.org/internal/ids"
	"trellis.org/internal/roles"
)

// maxGenerateRetries bounds collision retries before CodeSpaceExhausted.
const maxGenerateRetries = 8

// Directory resolves owners and recruits. hierarchy.Service satisfies it.
type Directory interface {
	GetUser(ctx context.Context, id string) (hierarchy.User, error)
	RecruitsByCode(ctx context.Context, codeValue string) ([]hierarchy.User, error)
}

// CodeWithStats pairs a code with its redemption stats for listing.
type CodeWithStats struct {
	Code
	Stats Stats `json:"stats"`
}

// Service manages recruitment code lifecycle.
type Service interface {
	// Generate creates a fresh active code of codeType for ownerID.
	Generate(ctx context.Context, ownerID string, codeType roles.Role) (Code, error)
	// Validate answers whether value is redeemable without leaking owner
	// identity for invalid codes.
	Validate(ctx context.Context, value string) (ValidationResult, error)
	// Deactivate and Reactivate flip the active flag; both require the code
	// to belong to callerID and report ErrCodeNotFound otherwise.
	Deactivate(ctx context.Context, codeID, callerID string) (Code, error)
	Reactivate(ctx context.Context, codeID, callerID string) (Code, error)
	// Regenerate atomically retires the old code and issues a replacement of
	// the same type.
	Regenerate(ctx context.Context, codeID, callerID string) (Code, error)
	// UsageStats counts users recruited with this code; ownership-checked.
	UsageStats(ctx context.Context, codeID, callerID string) (Stats, error)
	// RecruitedUsers pages through users recruited with this code;
	// ownership-checked. Returns the page and the total count.
	RecruitedUsers(ctx context.Context, codeID, callerID string, page, limit int) ([]hierarchy.User, int, error)
	// ListByOwner returns all codes held by ownerID with stats.
	ListByOwner(ctx context.Context, ownerID string) ([]CodeWithStats, error)
}

// InMemory implements Service for tests and single-node runs.
type InMemory struct {
	mu       sync.RWMutex
	codes    map[string]Code
	dir      Directory
	auditLog audit.Store
	now      func() time.Time
}

func NewInMemory(dir Directory, auditLog audit.Store) *InMemory {
	return &InMemory{
		codes:    make(map[string]Code),
		dir:      dir,
		auditLog: auditLog,
		now:      time.Now,
	}
}

func (s *InMemory) Generate(ctx context.Context, ownerID string, codeType roles.Role) (Code, error) {
	if !roles.Recruitable(codeType) {
		return Code{}, ErrInvalidCodeType
	}
	if _, err := s.dir.GetUser(ctx, ownerID); err != nil {
		return Code{}, ErrOwnerNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.codes {
		if c.OwnerID == ownerID && c.Type == codeType && c.Active {
			return Code{}, ErrDuplicateActiveCode
		}
	}
	code, err := s.mintLocked(ownerID, codeType)
	if err != nil {
		return Code{}, err
	}
	s.appendAudit(ctx, "refcode.generate", code.ID, map[string]string{
		"owner_id":  ownerID,
		"code_type": string(codeType),
	})
	return code, nil
}

// mintLocked creates a code with a unique-among-active value. Caller holds
// the write lock.
func (s *InMemory) mintLocked(ownerID string, codeType roles.Role) (Code, error) {
	for attempt := 0; attempt < maxGenerateRetries; attempt++ {
		value, err := NewValue(codeType)
		if err != nil {
			return Code{}, err
		}
		if s.activeValueExistsLocked(value) {
			continue
		}
		now := s.now().UTC()
		code := Code{
			ID:        ids.New(),
			OwnerID:   ownerID,
			Value:     value,
			Type:      codeType,
			Active:    true,
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.codes[code.ID] = code
		return code, nil
	}
	return Code{}, ErrCodeSpaceExhausted
}

func (s *InMemory) activeValueExistsLocked(value string) bool {
	for _, c := range s.codes {
		if c.Active && c.Value == value {
			return true
		}
	}
	return false
}

func (s *InMemory) Validate(ctx context.Context, value string) (ValidationResult, error) {
	if !WellFormed(value) {
		return ValidationResult{Reason: ReasonBadFormat}, nil
	}
	s.mu.RLock()
	// Prefer an active holder: a retired code may share its value with a
	// later active one.
	var found *Code
	for _, c := range s.codes {
		if c.Value != value {
			continue
		}
		if found == nil || (c.Active && !found.Active) {
			c := c
			found = &c
		}
	}
	s.mu.RUnlock()

	if found == nil {
		return ValidationResult{Reason: ReasonNotFound}, nil
	}
	if !found.Active {
		return ValidationResult{Reason: ReasonInactive}, nil
	}
	owner, err := s.dir.GetUser(ctx, found.OwnerID)
	if err != nil {
		return ValidationResult{Reason: ReasonNotFound}, nil
	}
	return ValidationResult{
		IsValid:   true,
		OwnerID:   owner.ID,
		OwnerName: owner.DisplayName,
		OwnerRole: owner.Role,
		CodeType:  found.Type,
	}, nil
}

func (s *InMemory) Deactivate(ctx context.Context, codeID, callerID string) (Code, error) {
	return s.setActive(ctx, codeID, callerID, false, "refcode.deactivate")
}

func (s *InMemory) Reactivate(ctx context.Context, codeID, callerID string) (Code, error) {
	return s.setActive(ctx, codeID, callerID, true, "refcode.reactivate")
}

func (s *InMemory) setActive(ctx context.Context, codeID, callerID string, active bool, action string) (Code, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	code, ok := s.codes[codeID]
	// Ownership check, not mere existence: a foreign code looks absent.
	if !ok || code.OwnerID != callerID {
		return Code{}, ErrCodeNotFound
	}
	if active && !code.Active {
		// Same constraints the partial unique indexes enforce: one active
		// code per owner and type, one active holder per value.
		for _, c := range s.codes {
			if c.ID == code.ID || !c.Active {
				continue
			}
			if (c.OwnerID == code.OwnerID && c.Type == code.Type) || c.Value == code.Value {
				return Code{}, ErrDuplicateActiveCode
			}
		}
	}
	if code.Active != active {
		code.Active = active
		code.UpdatedAt = s.now().UTC()
		s.codes[codeID] = code
	}
	s.appendAudit(ctx, action, codeID, map[string]string{"owner_id": code.OwnerID})
	return code, nil
}

func (s *InMemory) Regenerate(ctx context.Context, codeID, callerID string) (Code, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.codes[codeID]
	if !ok || old.OwnerID != callerID {
		return Code{}, ErrCodeNotFound
	}
	// Retire and replace as one unit under the lock; on mint failure the
	// old code keeps its state.
	replacement, err := s.mintLocked(old.OwnerID, old.Type)
	if err != nil {
		return Code{}, err
	}
	old.Active = false
	old.UpdatedAt = s.now().UTC()
	s.codes[old.ID] = old

	s.appendAudit(ctx, "refcode.regenerate", old.ID, map[string]string{
		"owner_id":    old.OwnerID,
		"replacement": replacement.ID,
	})
	return replacement, nil
}

func (s *InMemory) UsageStats(ctx context.Context, codeID, callerID string) (Stats, error) {
	s.mu.RLock()
	code, ok := s.codes[codeID]
	s.mu.RUnlock()
	if !ok || code.OwnerID != callerID {
		return Stats{}, ErrCodeNotFound
	}
	return s.statsFor(ctx, code)
}

func (s *InMemory) statsFor(ctx context.Context, code Code) (Stats, error) {
	recruits, err := s.dir.RecruitsByCode(ctx, code.Value)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{TotalUses: len(recruits)}
	cutoff := s.now().UTC().Add(-RecentWindow)
	for _, u := range recruits {
		if u.CreatedAt.After(cutoff) {
			stats.RecentUses++
		}
		if stats.LastUsedAt == nil || u.CreatedAt.After(*stats.LastUsedAt) {
			t := u.CreatedAt
			stats.LastUsedAt = &t
		}
	}
	return stats, nil
}

func (s *InMemory) RecruitedUsers(ctx context.Context, codeID, callerID string, page, limit int) ([]hierarchy.User, int, error) {
	s.mu.RLock()
	code, ok := s.codes[codeID]
	s.mu.RUnlock()
	if !ok || code.OwnerID != callerID {
		return nil, 0, ErrCodeNotFound
	}
	recruits, err := s.dir.RecruitsByCode(ctx, code.Value)
	if err != nil {
		return nil, 0, err
	}
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	total := len(recruits)
	start := (page - 1) * limit
	if start >= total {
		return nil, total, nil
	}
	end := start + limit
	if end > total {
		end = total
	}
	return recruits[start:end], total, nil
}

func (s *InMemory) ListByOwner(ctx context.Context, ownerID string) ([]CodeWithStats, error) {
	s.mu.RLock()
	var codes []Code
	for _, c := range s.codes {
		if c.OwnerID == ownerID {
			codes = append(codes, c)
		}
	}
	s.mu.RUnlock()
	sort.Slice(codes, func(i, j int) bool { return codes[i].CreatedAt.Before(codes[j].CreatedAt) })

	out := make([]CodeWithStats, 0, len(codes))
	for _, c := range codes {
		stats, err := s.statsFor(ctx, c)
		if err != nil {
			return nil, err
		}
		out = append(out, CodeWithStats{Code: c, Stats: stats})
	}
	return out, nil
}

func (s *InMemory) appendAudit(ctx context.Context, action, resourceID string, meta map[string]string) {
	if s.auditLog == nil {
		return
	}
	entry := &audit.Entry{
		Action:       action,
		ResourceType: "reference_code",
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
