package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"trellis.org/internal/hierarchy"
	"trellis.org/internal/ids"
	"trellis.org/internal/refcode"
	"trellis.org/internal/roles"
)

const maxGenerateRetries = 8

func (s *Store) Generate(ctx context.Context, ownerID string, codeType roles.Role) (refcode.Code, error) {
	if !roles.Recruitable(codeType) {
		return refcode.Code{}, refcode.ErrInvalidCodeType
	}
	if _, err := s.GetUser(ctx, ownerID); err != nil {
		return refcode.Code{}, refcode.ErrOwnerNotFound
	}

	tx, err := beginSerializable(ctx, s.db)
	if err != nil {
		return refcode.Code{}, err
	}
	defer func() { _ = tx.Rollback() }()

	code, err := mintCode(ctx, tx, ownerID, codeType)
	if err != nil {
		return refcode.Code{}, err
	}
	if err := s.appendAuditTx(ctx, tx, "refcode.generate", "reference_code", code.ID, map[string]string{
		"owner_id":  ownerID,
		"code_type": string(codeType),
	}); err != nil {
		return refcode.Code{}, err
	}
	if err := tx.Commit(); err != nil {
		if isSerializationFailure(err) {
			return refcode.Code{}, refcode.ErrDuplicateActiveCode
		}
		return refcode.Code{}, err
	}
	return code, nil
}

// mintCode inserts a fresh active code, retrying on value collisions. The
// partial unique indexes enforce one active code per (owner, type) and one
// active holder per value.
func mintCode(ctx context.Context, tx *sql.Tx, ownerID string, codeType roles.Role) (refcode.Code, error) {
	for attempt := 0; attempt < maxGenerateRetries; attempt++ {
		value, err := refcode.NewValue(codeType)
		if err != nil {
			return refcode.Code{}, err
		}
		now := time.Now().UTC()
		code := refcode.Code{
			ID:        ids.New(),
			OwnerID:   ownerID,
			Value:     value,
			Type:      codeType,
			Active:    true,
			CreatedAt: now,
			UpdatedAt: now,
		}
		_, err = tx.ExecContext(ctx, `
			insert into reference_codes(id, owner_id, value, code_type, active, created_at, updated_at)
			values ($1, $2, $3, $4, true, $5, $5)
		`, code.ID, code.OwnerID, code.Value, code.Type, now)
		if err == nil {
			return code, nil
		}
		if !isUniqueViolation(err) {
			return refcode.Code{}, err
		}
		// Owner/type conflict cannot resolve by retrying; value collisions can.
		var exists bool
		if qErr := tx.QueryRowContext(ctx, `
			select exists(
				select 1 from reference_codes
				where owner_id = $1 and code_type = $2 and active
			)
		`, ownerID, codeType).Scan(&exists); qErr != nil {
			return refcode.Code{}, qErr
		}
		if exists {
			return refcode.Code{}, refcode.ErrDuplicateActiveCode
		}
	}
	return refcode.Code{}, refcode.ErrCodeSpaceExhausted
}

func (s *Store) Validate(ctx context.Context, value string) (refcode.ValidationResult, error) {
	if !refcode.WellFormed(value) {
		return refcode.ValidationResult{Reason: refcode.ReasonBadFormat}, nil
	}
	var active bool
	var ownerID string
	var codeType roles.Role
	err := s.db.QueryRowContext(ctx, `
		select active, owner_id, code_type
		from reference_codes
		where value = $1
		order by active desc, updated_at desc
		limit 1
	`, value).Scan(&active, &ownerID, &codeType)
	if errors.Is(err, sql.ErrNoRows) {
		return refcode.ValidationResult{Reason: refcode.ReasonNotFound}, nil
	}
	if err != nil {
		return refcode.ValidationResult{}, err
	}
	if !active {
		return refcode.ValidationResult{Reason: refcode.ReasonInactive}, nil
	}
	owner, err := s.GetUser(ctx, ownerID)
	if err != nil {
		return refcode.ValidationResult{Reason: refcode.ReasonNotFound}, nil
	}
	return refcode.ValidationResult{
		IsValid:   true,
		OwnerID:   owner.ID,
		OwnerName: owner.DisplayName,
		OwnerRole: owner.Role,
		CodeType:  codeType,
	}, nil
}

func (s *Store) Deactivate(ctx context.Context, codeID, callerID string) (refcode.Code, error) {
	return s.setCodeActive(ctx, codeID, callerID, false, "refcode.deactivate")
}

func (s *Store) Reactivate(ctx context.Context, codeID, callerID string) (refcode.Code, error) {
	return s.setCodeActive(ctx, codeID, callerID, true, "refcode.reactivate")
}

func (s *Store) setCodeActive(ctx context.Context, codeID, callerID string, active bool, action string) (refcode.Code, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return refcode.Code{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var code refcode.Code
	err = tx.QueryRowContext(ctx, `
		update reference_codes set active = $3, updated_at = $4
		where id = $1 and owner_id = $2
		returning id, owner_id, value, code_type, active, created_at, updated_at
	`, codeID, callerID, active, time.Now().UTC()).Scan(
		&code.ID, &code.OwnerID, &code.Value, &code.Type, &code.Active, &code.CreatedAt, &code.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		// Ownership check, not mere existence: a foreign code looks absent.
		return refcode.Code{}, refcode.ErrCodeNotFound
	}
	if err != nil {
		if isUniqueViolation(err) {
			return refcode.Code{}, refcode.ErrDuplicateActiveCode
		}
		return refcode.Code{}, err
	}
	if err := s.appendAuditTx(ctx, tx, action, "reference_code", codeID, map[string]string{
		"owner_id": code.OwnerID,
	}); err != nil {
		return refcode.Code{}, err
	}
	if err := tx.Commit(); err != nil {
		return refcode.Code{}, err
	}
	return code, nil
}

func (s *Store) Regenerate(ctx context.Context, codeID, callerID string) (refcode.Code, error) {
	tx, err := beginSerializable(ctx, s.db)
	if err != nil {
		return refcode.Code{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var ownerID string
	var codeType roles.Role
	err = tx.QueryRowContext(ctx, `
		select owner_id, code_type from reference_codes
		where id = $1 and owner_id = $2
		for update
	`, codeID, callerID).Scan(&ownerID, &codeType)
	if errors.Is(err, sql.ErrNoRows) {
		return refcode.Code{}, refcode.ErrCodeNotFound
	}
	if err != nil {
		return refcode.Code{}, err
	}

	// Retire first so the partial owner/type index admits the replacement.
	if _, err := tx.ExecContext(ctx, `
		update reference_codes set active = false, updated_at = $2 where id = $1
	`, codeID, time.Now().UTC()); err != nil {
		return refcode.Code{}, err
	}
	replacement, err := mintCode(ctx, tx, ownerID, codeType)
	if err != nil {
		return refcode.Code{}, err
	}
	if err := s.appendAuditTx(ctx, tx, "refcode.regenerate", "reference_code", codeID, map[string]string{
		"owner_id":    ownerID,
		"replacement": replacement.ID,
	}); err != nil {
		return refcode.Code{}, err
	}
	if err := tx.Commit(); err != nil {
		if isSerializationFailure(err) {
			return refcode.Code{}, refcode.ErrCodeNotFound
		}
		return refcode.Code{}, err
	}
	return replacement, nil
}

func (s *Store) UsageStats(ctx context.Context, codeID, callerID string) (refcode.Stats, error) {
	code, err := s.ownedCode(ctx, codeID, callerID)
	if err != nil {
		return refcode.Stats{}, err
	}
	return s.statsForValue(ctx, code.Value)
}

func (s *Store) statsForValue(ctx context.Context, value string) (refcode.Stats, error) {
	var stats refcode.Stats
	var last sql.NullTime
	cutoff := time.Now().UTC().Add(-refcode.RecentWindow)
	err := s.db.QueryRowContext(ctx, `
		select count(*),
		       count(*) filter (where created_at > $2),
		       max(created_at)
		from users where reference_code_used = $1
	`, value, cutoff).Scan(&stats.TotalUses, &stats.RecentUses, &last)
	if err != nil {
		return refcode.Stats{}, err
	}
	if last.Valid {
		t := last.Time
		stats.LastUsedAt = &t
	}
	return stats, nil
}

func (s *Store) RecruitedUsers(ctx context.Context, codeID, callerID string, page, limit int) ([]hierarchy.User, int, error) {
	code, err := s.ownedCode(ctx, codeID, callerID)
	if err != nil {
		return nil, 0, err
	}
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `
		select count(*) from users where reference_code_used = $1
	`, code.Value).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx, `
		select id, role, display_name, coalesce(reference_code_used,''), created_at
		from users
		where reference_code_used = $1
		order by created_at asc
		limit $2 offset $3
	`, code.Value, limit, (page-1)*limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	users, err := scanUsers(rows)
	if err != nil {
		return nil, 0, err
	}
	return users, total, nil
}

func (s *Store) ListByOwner(ctx context.Context, ownerID string) ([]refcode.CodeWithStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, owner_id, value, code_type, active, created_at, updated_at
		from reference_codes
		where owner_id = $1
		order by created_at asc
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var codes []refcode.Code
	for rows.Next() {
		var c refcode.Code
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.Value, &c.Type, &c.Active, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		codes = append(codes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]refcode.CodeWithStats, 0, len(codes))
	for _, c := range codes {
		stats, err := s.statsForValue(ctx, c.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, refcode.CodeWithStats{Code: c, Stats: stats})
	}
	return out, nil
}

func (s *Store) ownedCode(ctx context.Context, codeID, callerID string) (refcode.Code, error) {
	var c refcode.Code
	err := s.db.QueryRowContext(ctx, `
		select id, owner_id, value, code_type, active, created_at, updated_at
		from reference_codes
		where id = $1 and owner_id = $2
	`, codeID, callerID).Scan(&c.ID, &c.OwnerID, &c.Value, &c.Type, &c.Active, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return refcode.Code{}, refcode.ErrCodeNotFound
	}
	if err != nil {
		return refcode.Code{}, err
	}
	return c, nil
}
