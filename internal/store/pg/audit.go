package pg

import (
	"context"
	"encoding/json"
	"time"

	"trellis.org/internal/audit"
	"trellis.org/internal/ids"
)

func (s *Store) Append(ctx context.Context, entry *audit.Entry) error {
	if entry.Action == "" {
		return audit.ErrEmptyAction
	}
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now().UTC()
	}
	var metaJSON []byte
	if len(entry.Metadata) > 0 {
		b, err := json.Marshal(entry.Metadata)
		if err != nil {
			return err
		}
		metaJSON = b
	}
	_, err := s.db.ExecContext(ctx, `
		insert into audit_log(id, occurred_at, actor_id, actor_role, action, resource_type, resource_id, metadata, request_id)
		values ($1, $2, nullif($3,''), nullif($4,''), $5, $6, $7, $8, nullif($9,''))
	`, entry.ID, entry.OccurredAt, entry.ActorID, string(entry.ActorRole),
		entry.Action, entry.ResourceType, entry.ResourceID, metaJSON, entry.RequestID)
	return err
}

func (s *Store) ListByResource(ctx context.Context, resourceType, resourceID string) ([]audit.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, occurred_at, coalesce(actor_id,''), coalesce(actor_role,''),
		       action, resource_type, resource_id, metadata, coalesce(request_id,'')
		from audit_log
		where resource_type = $1 and resource_id = $2
		order by occurred_at asc, id asc
	`, resourceType, resourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var e audit.Entry
		var metaJSON []byte
		if err := rows.Scan(&e.ID, &e.OccurredAt, &e.ActorID, &e.ActorRole,
			&e.Action, &e.ResourceType, &e.ResourceID, &metaJSON, &e.RequestID); err != nil {
			return nil, err
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &e.Metadata); err != nil {
				return nil, err
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) AppendAccess(ctx context.Context, entry *audit.FinancialAccessEntry) error {
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into financial_access_log(id, caller_id, caller_role, access_type, resource_type, resource_id, success, error, occurred_at)
		values ($1, $2, $3, $4, $5, $6, $7, nullif($8,''), $9)
	`, entry.ID, entry.CallerID, string(entry.CallerRole), entry.AccessType,
		entry.ResourceType, entry.ResourceID, entry.Success, entry.Error, entry.OccurredAt)
	return err
}

func (s *Store) ListAccessByCaller(ctx context.Context, callerID string) ([]audit.FinancialAccessEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, caller_id, caller_role, access_type, resource_type, resource_id, success, coalesce(error,''), occurred_at
		from financial_access_log
		where caller_id = $1
		order by occurred_at asc, id asc
	`, callerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.FinancialAccessEntry
	for rows.Next() {
		var e audit.FinancialAccessEntry
		if err := rows.Scan(&e.ID, &e.CallerID, &e.CallerRole, &e.AccessType,
			&e.ResourceType, &e.ResourceID, &e.Success, &e.Error, &e.OccurredAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
