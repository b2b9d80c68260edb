package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/iotgate/iotgate/internal/domain"
	"github.com/iotgate/iotgate/internal/perm"
)

// PermissionsByObj loads every permission entry on one object.
func (s *Store) PermissionsByObj(ctx context.Context, objID string) ([]domain.PermissionEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, obj_id, srv_id, usr_id, type, scope, updated_at
FROM permissions WHERE obj_id = ? ORDER BY updated_at, id`, objID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.PermissionEntry
	for rows.Next() {
		var e domain.PermissionEntry
		var typ, scope string
		if err := rows.Scan(&e.ID, &e.ObjID, &e.SrvID, &e.UsrID, &typ, &scope, &e.UpdatedAt); err != nil {
			return nil, err
		}
		var ok bool
		if e.Type, ok = domain.ParsePermissionType(typ); !ok {
			return nil, fmt.Errorf("permission %s: unknown type %q", e.ID, typ)
		}
		if e.Scope, ok = domain.ParseConnScope(scope); !ok {
			return nil, fmt.Errorf("permission %s: unknown scope %q", e.ID, scope)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SavePermission inserts a new entry, or replaces the fields of an existing
// one under the same ID (entries themselves are immutable; an update is a
// replacement).
func (s *Store) SavePermission(ctx context.Context, e domain.PermissionEntry) error {
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO permissions (id, obj_id, srv_id, usr_id, type, scope, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
 obj_id = excluded.obj_id,
 srv_id = excluded.srv_id,
 usr_id = excluded.usr_id,
 type = excluded.type,
 scope = excluded.scope,
 updated_at = excluded.updated_at`,
		e.ID, e.ObjID, e.SrvID, e.UsrID, e.Type.String(), e.Scope.String(), e.UpdatedAt)
	return err
}

// DeletePermission removes one entry.
func (s *Store) DeletePermission(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM permissions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("permission %s: %w", id, ErrNotFound)
	}
	return nil
}

// DuplicatePermission copies an entry under a fresh identity.
func (s *Store) DuplicatePermission(ctx context.Context, id string) (domain.PermissionEntry, error) {
	var e domain.PermissionEntry
	var typ, scope string
	err := s.db.QueryRowContext(ctx, `
SELECT id, obj_id, srv_id, usr_id, type, scope, updated_at
FROM permissions WHERE id = ?`, id).
		Scan(&e.ID, &e.ObjID, &e.SrvID, &e.UsrID, &typ, &scope, &e.UpdatedAt)
	if err != nil {
		return domain.PermissionEntry{}, fmt.Errorf("permission %s: %w", id, ErrNotFound)
	}
	var ok bool
	if e.Type, ok = domain.ParsePermissionType(typ); !ok {
		return domain.PermissionEntry{}, fmt.Errorf("permission %s: unknown type %q", id, typ)
	}
	if e.Scope, ok = domain.ParseConnScope(scope); !ok {
		return domain.PermissionEntry{}, fmt.Errorf("permission %s: unknown scope %q", id, scope)
	}

	dup := perm.Duplicate(e, time.Now().UTC())
	if err := s.SavePermission(ctx, dup); err != nil {
		return domain.PermissionEntry{}, err
	}
	return dup, nil
}

// GenerateObjectPermissions provisions the entry set for a new object per
// the given strategy and persists it. Unknown strategies surface
// [domain.ErrStrategyNotImplemented] and write nothing.
func (s *Store) GenerateObjectPermissions(ctx context.Context, objID string, strategy domain.GenStrategy) ([]domain.PermissionEntry, error) {
	entries, err := perm.Generate(strategy, objID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO permissions (id, obj_id, srv_id, usr_id, type, scope, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.ObjID, e.SrvID, e.UsrID, e.Type.String(), e.Scope.String(), e.UpdatedAt); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return entries, nil
}
