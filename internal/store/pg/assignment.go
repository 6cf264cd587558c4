package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"trellis.org/internal/assignment"
	"trellis.org/internal/ids"
	"trellis.org/internal/roles"
)

func (s *Store) CreateWorkItem(ctx context.Context, clientID, title string) (assignment.WorkItem, error) {
	client, err := s.GetUser(ctx, clientID)
	if err != nil {
		return assignment.WorkItem{}, assignment.ErrClientNotFound
	}
	if client.Role != roles.Client {
		return assignment.WorkItem{}, assignment.ErrNotAClient
	}
	item := assignment.WorkItem{
		ID:        ids.New(),
		ClientID:  clientID,
		Title:     title,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := s.db.ExecContext(ctx, `
		insert into work_items(id, client_id, title, created_at)
		values ($1, $2, $3, $4)
	`, item.ID, item.ClientID, item.Title, item.CreatedAt); err != nil {
		return assignment.WorkItem{}, err
	}
	return item, nil
}

func (s *Store) GetWorkItem(ctx context.Context, id string) (assignment.WorkItem, error) {
	var item assignment.WorkItem
	err := s.db.QueryRowContext(ctx, `
		select id, client_id, title, created_at from work_items where id = $1
	`, id).Scan(&item.ID, &item.ClientID, &item.Title, &item.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return assignment.WorkItem{}, assignment.ErrWorkItemNotFound
	}
	if err != nil {
		return assignment.WorkItem{}, err
	}
	return item, nil
}

func (s *Store) Assign(ctx context.Context, workItemID, assignedToID, assignedByID string, assignmentType assignment.Type, notes string) (assignment.Record, error) {
	if !assignmentType.Valid() {
		return assignment.Record{}, assignment.ErrInvalidType
	}
	assignee, err := s.GetUser(ctx, assignedToID)
	if err != nil {
		return assignment.Record{}, assignment.ErrAssigneeNotFound
	}
	assigner, err := s.GetUser(ctx, assignedByID)
	if err != nil {
		return assignment.Record{}, assignment.ErrAssignerNotFound
	}
	if !roles.CanAssign(assigner.Role, assignee.Role) {
		return assignment.Record{}, assignment.ErrInvalidRoleAssignment
	}
	if err := s.checkReachable(ctx, assignedByID, assignedToID, assigner.Role); err != nil {
		return assignment.Record{}, err
	}

	tx, err := beginSerializable(ctx, s.db)
	if err != nil {
		return assignment.Record{}, err
	}
	defer func() { _ = tx.Rollback() }()

	// Lock the work item row to serialize competing assigns.
	var dummy int
	if err := tx.QueryRowContext(ctx, `
		select 1 from work_items where id = $1 for update
	`, workItemID).Scan(&dummy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return assignment.Record{}, assignment.ErrWorkItemNotFound
		}
		return assignment.Record{}, err
	}

	// Supersede-then-insert in one transaction; the partial unique index on
	// (work_item_id) where is_valid backstops the single-current invariant.
	var previous sql.NullString
	err = tx.QueryRowContext(ctx, `
		update assignments set is_valid = false
		where work_item_id = $1 and is_valid
		returning assigned_to_id
	`, workItemID).Scan(&previous)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return assignment.Record{}, err
	}

	rec := assignment.Record{
		ID:             ids.New(),
		WorkItemID:     workItemID,
		AssignedToID:   assignee.ID,
		AssignedToRole: assignee.Role,
		AssignedByID:   assigner.ID,
		AssignedByRole: assigner.Role,
		Type:           assignmentType,
		Notes:          notes,
		Valid:          true,
		CreatedAt:      time.Now().UTC(),
	}
	if previous.Valid {
		rec.PreviousAssigneeID = previous.String
	}
	if _, err := tx.ExecContext(ctx, `
		insert into assignments(id, work_item_id, assigned_to_id, assigned_to_role,
			assigned_by_id, assigned_by_role, assignment_type, previous_assignee_id,
			notes, is_valid, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, nullif($8,''), $9, true, $10)
	`, rec.ID, rec.WorkItemID, rec.AssignedToID, rec.AssignedToRole,
		rec.AssignedByID, rec.AssignedByRole, rec.Type, rec.PreviousAssigneeID,
		rec.Notes, rec.CreatedAt); err != nil {
		if isUniqueViolation(err) || isSerializationFailure(err) {
			return assignment.Record{}, assignment.ErrConcurrentUpdate
		}
		return assignment.Record{}, err
	}
	if err := s.appendAuditTx(ctx, tx, "assignment.create", "work_item", workItemID, map[string]string{
		"assigned_to":       rec.AssignedToID,
		"assigned_by":       rec.AssignedByID,
		"assignment_type":   string(rec.Type),
		"previous_assignee": rec.PreviousAssigneeID,
	}); err != nil {
		return assignment.Record{}, err
	}
	if err := tx.Commit(); err != nil {
		if isSerializationFailure(err) {
			return assignment.Record{}, assignment.ErrConcurrentUpdate
		}
		return assignment.Record{}, err
	}
	return rec, nil
}

func (s *Store) checkReachable(ctx context.Context, assignerID, assigneeID string, assignerRole roles.Role) error {
	if roles.AssignsTransitively(assignerRole) {
		path, err := s.PathToRoot(ctx, assigneeID)
		if err != nil {
			return assignment.ErrAssigneeNotFound
		}
		for _, u := range path[1:] {
			if u.ID == assignerID {
				return nil
			}
		}
		return assignment.ErrNotInHierarchy
	}
	edge, err := s.GetEdge(ctx, assigneeID)
	if err != nil {
		return assignment.ErrAssigneeNotFound
	}
	if edge.ParentID != assignerID {
		return assignment.ErrNotInHierarchy
	}
	return nil
}

func (s *Store) History(ctx context.Context, workItemID string) ([]assignment.Record, error) {
	if _, err := s.GetWorkItem(ctx, workItemID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, work_item_id, assigned_to_id, assigned_to_role,
		       assigned_by_id, assigned_by_role, assignment_type,
		       coalesce(previous_assignee_id,''), notes, is_valid, created_at
		from assignments
		where work_item_id = $1
		order by created_at asc, id asc
	`, workItemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []assignment.Record
	for rows.Next() {
		var r assignment.Record
		if err := rows.Scan(&r.ID, &r.WorkItemID, &r.AssignedToID, &r.AssignedToRole,
			&r.AssignedByID, &r.AssignedByRole, &r.Type,
			&r.PreviousAssigneeID, &r.Notes, &r.Valid, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) Current(ctx context.Context, workItemID string) (assignment.Record, error) {
	if _, err := s.GetWorkItem(ctx, workItemID); err != nil {
		return assignment.Record{}, err
	}
	var r assignment.Record
	err := s.db.QueryRowContext(ctx, `
		select id, work_item_id, assigned_to_id, assigned_to_role,
		       assigned_by_id, assigned_by_role, assignment_type,
		       coalesce(previous_assignee_id,''), notes, is_valid, created_at
		from assignments
		where work_item_id = $1 and is_valid
	`, workItemID).Scan(&r.ID, &r.WorkItemID, &r.AssignedToID, &r.AssignedToRole,
		&r.AssignedByID, &r.AssignedByRole, &r.Type,
		&r.PreviousAssigneeID, &r.Notes, &r.Valid, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return assignment.Record{}, assignment.ErrNoCurrentAssignment
	}
	if err != nil {
		return assignment.Record{}, err
	}
	return r, nil
}
