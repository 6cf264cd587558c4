package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"trellis.org/internal/audit"
	"trellis.org/internal/hierarchy"
	"trellis.org/internal/identity"
	"trellis.org/internal/ids"
	"trellis.org/internal/roles"
)

func (s *Store) CreateRoot(ctx context.Context, user hierarchy.User) (hierarchy.Edge, error) {
	if user.Role != roles.Admin {
		return hierarchy.Edge{}, hierarchy.ErrInvalidRole
	}
	if user.ID == "" {
		user.ID = ids.New()
	}
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return hierarchy.Edge{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertUserRow(ctx, tx, user); err != nil {
		return hierarchy.Edge{}, err
	}
	edge := hierarchy.Edge{UserID: user.ID, Level: 1, TopAdminID: user.ID, UpdatedAt: now}
	if _, err := tx.ExecContext(ctx, `
		insert into hierarchy_edges(user_id, parent_id, level, top_admin_id, updated_at)
		values ($1, null, 1, $2, $3)
	`, edge.UserID, edge.TopAdminID, edge.UpdatedAt); err != nil {
		return hierarchy.Edge{}, err
	}
	if err := s.appendAuditTx(ctx, tx, "hierarchy.root.create", "user", user.ID, map[string]string{
		"role": string(user.Role),
	}); err != nil {
		return hierarchy.Edge{}, err
	}
	if err := tx.Commit(); err != nil {
		return hierarchy.Edge{}, err
	}
	return edge, nil
}

func (s *Store) InsertUser(ctx context.Context, user hierarchy.User, parentID string) (hierarchy.Edge, error) {
	if !user.Role.Valid() {
		return hierarchy.Edge{}, hierarchy.ErrInvalidRole
	}
	if user.ID == "" {
		user.ID = ids.New()
	}
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}

	tx, err := beginSerializable(ctx, s.db)
	if err != nil {
		return hierarchy.Edge{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var parentRole roles.Role
	var parentLevel int
	var topAdminID string
	err = tx.QueryRowContext(ctx, `
		select u.role, e.level, e.top_admin_id
		from users u join hierarchy_edges e on e.user_id = u.id
		where u.id = $1
		for update of e
	`, parentID).Scan(&parentRole, &parentLevel, &topAdminID)
	if errors.Is(err, sql.ErrNoRows) {
		return hierarchy.Edge{}, hierarchy.ErrParentNotFound
	}
	if err != nil {
		return hierarchy.Edge{}, err
	}
	if !roles.IsAllowedParent(user.Role, parentRole) {
		return hierarchy.Edge{}, hierarchy.ErrInvalidParentRole
	}
	level := parentLevel + 1
	if level > roles.MaxDepth() {
		return hierarchy.Edge{}, hierarchy.ErrMaxDepth
	}

	if err := insertUserRow(ctx, tx, user); err != nil {
		return hierarchy.Edge{}, err
	}
	edge := hierarchy.Edge{
		UserID:     user.ID,
		ParentID:   parentID,
		Level:      level,
		TopAdminID: topAdminID,
		UpdatedAt:  now,
	}
	if _, err := tx.ExecContext(ctx, `
		insert into hierarchy_edges(user_id, parent_id, level, top_admin_id, updated_at)
		values ($1, $2, $3, $4, $5)
	`, edge.UserID, edge.ParentID, edge.Level, edge.TopAdminID, edge.UpdatedAt); err != nil {
		return hierarchy.Edge{}, err
	}
	if err := s.appendAuditTx(ctx, tx, "hierarchy.user.insert", "user", user.ID, map[string]string{
		"parent_id": parentID,
		"role":      string(user.Role),
		"level":     strconv.Itoa(level),
	}); err != nil {
		return hierarchy.Edge{}, err
	}
	if err := tx.Commit(); err != nil {
		if isSerializationFailure(err) {
			return hierarchy.Edge{}, hierarchy.ErrConcurrentUpdate
		}
		return hierarchy.Edge{}, err
	}
	return edge, nil
}

func (s *Store) MoveUser(ctx context.Context, userID, newParentID, reason string) (hierarchy.Edge, error) {
	tx, err := beginSerializable(ctx, s.db)
	if err != nil {
		return hierarchy.Edge{}, err
	}
	defer func() { _ = tx.Rollback() }()

	edge, prior, err := move(ctx, tx, userID, newParentID)
	if err != nil {
		if isSerializationFailure(err) {
			return hierarchy.Edge{}, hierarchy.ErrConcurrentUpdate
		}
		return hierarchy.Edge{}, err
	}
	if err := s.appendAuditTx(ctx, tx, "hierarchy.user.move", "user", userID, map[string]string{
		"old_parent_id": prior.ParentID,
		"new_parent_id": newParentID,
		"old_level":     strconv.Itoa(prior.Level),
		"new_level":     strconv.Itoa(edge.Level),
		"reason":        reason,
	}); err != nil {
		return hierarchy.Edge{}, err
	}
	if err := tx.Commit(); err != nil {
		if isSerializationFailure(err) {
			return hierarchy.Edge{}, hierarchy.ErrConcurrentUpdate
		}
		return hierarchy.Edge{}, err
	}
	return edge, nil
}

// move performs the reparent and full-subtree cascade inside tx. It returns
// the new edge and the prior position for the audit trail.
func move(ctx context.Context, tx *sql.Tx, userID, newParentID string) (hierarchy.Edge, hierarchy.Edge, error) {
	if userID == newParentID {
		return hierarchy.Edge{}, hierarchy.Edge{}, hierarchy.ErrCircularReference
	}

	var userRole roles.Role
	var oldLevel int
	var oldParent sql.NullString
	err := tx.QueryRowContext(ctx, `
		select u.role, e.level, e.parent_id
		from users u join hierarchy_edges e on e.user_id = u.id
		where u.id = $1
	`, userID).Scan(&userRole, &oldLevel, &oldParent)
	if errors.Is(err, sql.ErrNoRows) {
		return hierarchy.Edge{}, hierarchy.Edge{}, hierarchy.ErrUserNotFound
	}
	if err != nil {
		return hierarchy.Edge{}, hierarchy.Edge{}, err
	}
	prior := hierarchy.Edge{UserID: userID, ParentID: oldParent.String, Level: oldLevel}

	// Lock the moved subtree before inspecting the destination.
	if _, err := tx.ExecContext(ctx, `
		with recursive subtree as (
			select user_id from hierarchy_edges where user_id = $1
			union all
			select e.user_id from hierarchy_edges e join subtree s on e.parent_id = s.user_id
		)
		select user_id from hierarchy_edges
		where user_id in (select user_id from subtree)
		for update
	`, userID); err != nil {
		return hierarchy.Edge{}, hierarchy.Edge{}, err
	}

	// Cycle check: the destination must not sit inside the moved subtree.
	var inSubtree bool
	if err := tx.QueryRowContext(ctx, `
		with recursive subtree as (
			select user_id from hierarchy_edges where user_id = $1
			union all
			select e.user_id from hierarchy_edges e join subtree s on e.parent_id = s.user_id
		)
		select exists(select 1 from subtree where user_id = $2)
	`, userID, newParentID).Scan(&inSubtree); err != nil {
		return hierarchy.Edge{}, hierarchy.Edge{}, err
	}
	if inSubtree {
		return hierarchy.Edge{}, hierarchy.Edge{}, hierarchy.ErrCircularReference
	}

	var parentRole roles.Role
	var parentLevel int
	var topAdminID string
	err = tx.QueryRowContext(ctx, `
		select u.role, e.level, e.top_admin_id
		from users u join hierarchy_edges e on e.user_id = u.id
		where u.id = $1
		for update of e
	`, newParentID).Scan(&parentRole, &parentLevel, &topAdminID)
	if errors.Is(err, sql.ErrNoRows) {
		return hierarchy.Edge{}, hierarchy.Edge{}, hierarchy.ErrParentNotFound
	}
	if err != nil {
		return hierarchy.Edge{}, hierarchy.Edge{}, err
	}
	if !roles.IsAllowedParent(userRole, parentRole) {
		return hierarchy.Edge{}, hierarchy.Edge{}, hierarchy.ErrInvalidParentRole
	}

	delta := parentLevel + 1 - oldLevel

	// Strict depth rule: no row of the subtree may land past the cap.
	var maxLevel int
	if err := tx.QueryRowContext(ctx, `
		with recursive subtree as (
			select user_id, level from hierarchy_edges where user_id = $1
			union all
			select e.user_id, e.level from hierarchy_edges e join subtree s on e.parent_id = s.user_id
		)
		select coalesce(max(level), 0) from subtree
	`, userID).Scan(&maxLevel); err != nil {
		return hierarchy.Edge{}, hierarchy.Edge{}, err
	}
	if maxLevel+delta > roles.MaxDepth() {
		return hierarchy.Edge{}, hierarchy.Edge{}, hierarchy.ErrMaxDepth
	}

	now := time.Now().UTC()
	// One statement cascades level and top-admin over the whole subtree;
	// either every row moves or none does.
	if _, err := tx.ExecContext(ctx, `
		with recursive subtree as (
			select user_id from hierarchy_edges where user_id = $1
			union all
			select e.user_id from hierarchy_edges e join subtree s on e.parent_id = s.user_id
		)
		update hierarchy_edges set
			level = level + $2,
			top_admin_id = $3,
			updated_at = $4
		where user_id in (select user_id from subtree)
	`, userID, delta, topAdminID, now); err != nil {
		return hierarchy.Edge{}, hierarchy.Edge{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		update hierarchy_edges set parent_id = $2 where user_id = $1
	`, userID, newParentID); err != nil {
		return hierarchy.Edge{}, hierarchy.Edge{}, err
	}

	return hierarchy.Edge{
		UserID:     userID,
		ParentID:   newParentID,
		Level:      oldLevel + delta,
		TopAdminID: topAdminID,
		UpdatedAt:  now,
	}, prior, nil
}

func (s *Store) Subordinates(ctx context.Context, userID string) ([]hierarchy.User, error) {
	if _, err := s.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		with recursive subtree as (
			select user_id from hierarchy_edges where user_id = $1
			union all
			select e.user_id from hierarchy_edges e join subtree s on e.parent_id = s.user_id
		)
		select u.id, u.role, u.display_name, coalesce(u.reference_code_used,''), u.created_at
		from users u
		where u.id in (select user_id from subtree) and u.id <> $1
		order by u.created_at asc
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUsers(rows)
}

func (s *Store) PathToRoot(ctx context.Context, userID string) ([]hierarchy.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		with recursive chain as (
			select e.user_id, e.parent_id, 0 as depth
			from hierarchy_edges e where e.user_id = $1
			union all
			select e.user_id, e.parent_id, c.depth + 1
			from hierarchy_edges e join chain c on e.user_id = c.parent_id
			where c.depth < $2
		)
		select u.id, u.role, u.display_name, coalesce(u.reference_code_used,''), u.created_at
		from chain c join users u on u.id = c.user_id
		order by c.depth asc
	`, userID, roles.MaxDepth())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	path, err := scanUsers(rows)
	if err != nil {
		return nil, err
	}
	if len(path) == 0 {
		return nil, hierarchy.ErrUserNotFound
	}
	return path, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (hierarchy.User, error) {
	var u hierarchy.User
	err := s.db.QueryRowContext(ctx, `
		select id, role, display_name, coalesce(reference_code_used,''), created_at
		from users where id = $1
	`, id).Scan(&u.ID, &u.Role, &u.DisplayName, &u.ReferenceCodeUsed, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return hierarchy.User{}, hierarchy.ErrUserNotFound
	}
	if err != nil {
		return hierarchy.User{}, err
	}
	return u, nil
}

func (s *Store) GetEdge(ctx context.Context, id string) (hierarchy.Edge, error) {
	var e hierarchy.Edge
	var parent sql.NullString
	err := s.db.QueryRowContext(ctx, `
		select user_id, parent_id, level, top_admin_id, updated_at
		from hierarchy_edges where user_id = $1
	`, id).Scan(&e.UserID, &parent, &e.Level, &e.TopAdminID, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return hierarchy.Edge{}, hierarchy.ErrUserNotFound
	}
	if err != nil {
		return hierarchy.Edge{}, err
	}
	if parent.Valid {
		e.ParentID = parent.String
	}
	return e, nil
}

func (s *Store) RecruitsByCode(ctx context.Context, codeValue string) ([]hierarchy.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, role, display_name, coalesce(reference_code_used,''), created_at
		from users
		where reference_code_used = $1
		order by created_at asc
	`, codeValue)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUsers(rows)
}

func insertUserRow(ctx context.Context, tx *sql.Tx, user hierarchy.User) error {
	res, err := tx.ExecContext(ctx, `
		insert into users(id, role, display_name, reference_code_used, created_at)
		values ($1, $2, $3, nullif($4,''), $5)
		on conflict (id) do nothing
	`, user.ID, user.Role, user.DisplayName, user.ReferenceCodeUsed, user.CreatedAt)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return hierarchy.ErrDuplicateUser
	}
	return nil
}

func scanUsers(rows *sql.Rows) ([]hierarchy.User, error) {
	var out []hierarchy.User
	for rows.Next() {
		var u hierarchy.User
		if err := rows.Scan(&u.ID, &u.Role, &u.DisplayName, &u.ReferenceCodeUsed, &u.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// appendAuditTx writes the audit row in the same transaction as the
// mutation it records.
func (s *Store) appendAuditTx(ctx context.Context, tx *sql.Tx, action, resourceType, resourceID string, meta map[string]string) error {
	var metaJSON []byte
	if len(meta) > 0 {
		b, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		metaJSON = b
	}
	var actorID string
	var actorRole roles.Role
	if id, ok := identity.FromContext(ctx); ok {
		actorID = id.UserID
		actorRole = id.Role
	}
	_, err := tx.ExecContext(ctx, `
		insert into audit_log(id, occurred_at, actor_id, actor_role, action, resource_type, resource_id, metadata, request_id)
		values ($1, $2, nullif($3,''), nullif($4,''), $5, $6, $7, $8, nullif($9,''))
	`, ids.New(), time.Now().UTC(), actorID, string(actorRole), action, resourceType, resourceID, metaJSON, audit.RequestIDFromContext(ctx))
	return err
}
