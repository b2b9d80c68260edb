package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/iotgate/iotgate/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

const objectColumns = `id, old_id, name, owner_usr_id, active, info_payload, struct_payload, cert_pem, created_at, updated_at`

// SaveObject inserts or replaces an object record.
func (s *Store) SaveObject(ctx context.Context, o domain.ObjectRecord) error {
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
INSERT INTO objects (`+objectColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
 old_id = excluded.old_id,
 name = excluded.name,
 owner_usr_id = excluded.owner_usr_id,
 active = excluded.active,
 info_payload = excluded.info_payload,
 struct_payload = excluded.struct_payload,
 cert_pem = excluded.cert_pem,
 updated_at = excluded.updated_at`,
		o.ID, o.OldID, o.Name, o.OwnerUsrID, boolToInt(o.Active),
		o.InfoPayload, o.StructPayload, o.CertPEM, o.CreatedAt, o.UpdatedAt)
	return err
}

// FindObject loads one object record by ID.
func (s *Store) FindObject(ctx context.Context, id string) (domain.ObjectRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+objectColumns+` FROM objects WHERE id = ?`, id)
	return scanObject(row)
}

// FindAllObjects loads every persisted object, used by the virtual-object
// registry at startup.
func (s *Store) FindAllObjects(ctx context.Context) ([]domain.ObjectRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+objectColumns+` FROM objects ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.ObjectRecord
	for rows.Next() {
		o, err := scanObject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ObjectOwner returns the owner user ID of an object, empty when the object
// is unknown (permission evaluation then simply never matches UsrOwner).
func (s *Store) ObjectOwner(ctx context.Context, objID string) (string, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, `SELECT owner_usr_id FROM objects WHERE id = ?`, objID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return owner, err
}

// SetObjectActive flips the live-connection flag on an object record.
func (s *Store) SetObjectActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE objects SET active = ?, updated_at = ? WHERE id = ?`,
		boolToInt(active), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("object %s: %w", id, ErrNotFound)
	}
	return nil
}

// ResetActiveObjects clears stale active flags at boot, reconciling records
// left behind by an unclean shutdown.
func (s *Store) ResetActiveObjects(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE objects SET active = 0, updated_at = ? WHERE active = 1`, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UpdateObjectPayloads stores the object's latest announced info/structure
// frames so the broker can serve them while the object is offline.
func (s *Store) UpdateObjectPayloads(ctx context.Context, id, infoPayload, structPayload string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE objects SET
 info_payload = CASE WHEN ? != '' THEN ? ELSE info_payload END,
 struct_payload = CASE WHEN ? != '' THEN ? ELSE struct_payload END,
 updated_at = ?
WHERE id = ?`,
		infoPayload, infoPayload, structPayload, structPayload, time.Now().UTC(), id)
	return err
}

// RegenerateObjectID issues a fresh ID for an object, remembering the old
// one for continuity and carrying its permission entries over. The ID is
// never mutated in place: the old row is replaced by a new row in one
// transaction.
func (s *Store) RegenerateObjectID(ctx context.Context, id string) (domain.ObjectRecord, error) {
	o, err := s.FindObject(ctx, id)
	if err != nil {
		return domain.ObjectRecord{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.ObjectRecord{}, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	newID := uuid.NewString()
	if _, err := tx.ExecContext(ctx, `DELETE FROM objects WHERE id = ?`, id); err != nil {
		return domain.ObjectRecord{}, err
	}
	next := o
	next.ID = newID
	next.OldID = id
	next.Active = false
	next.UpdatedAt = now
	if _, err := tx.ExecContext(ctx, `
INSERT INTO objects (`+objectColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		next.ID, next.OldID, next.Name, next.OwnerUsrID, boolToInt(next.Active),
		next.InfoPayload, next.StructPayload, next.CertPEM, next.CreatedAt, next.UpdatedAt); err != nil {
		return domain.ObjectRecord{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE permissions SET obj_id = ?, updated_at = ? WHERE obj_id = ?`, newID, now, id); err != nil {
		return domain.ObjectRecord{}, err
	}

	if err := tx.Commit(); err != nil {
		return domain.ObjectRecord{}, err
	}
	return next, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObject(r rowScanner) (domain.ObjectRecord, error) {
	var o domain.ObjectRecord
	var active int
	err := r.Scan(&o.ID, &o.OldID, &o.Name, &o.OwnerUsrID, &active,
		&o.InfoPayload, &o.StructPayload, &o.CertPEM, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ObjectRecord{}, ErrNotFound
	}
	if err != nil {
		return domain.ObjectRecord{}, err
	}
	o.Active = active != 0
	return o, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
