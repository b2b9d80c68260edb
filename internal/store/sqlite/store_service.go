package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iotgate/iotgate/internal/domain"
)

// SaveService inserts or replaces a service record.
func (s *Store) SaveService(ctx context.Context, rec domain.ServiceRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO services (id, name, cert_pem, created_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
 name = excluded.name,
 cert_pem = excluded.cert_pem`,
		rec.ID, rec.Name, rec.CertPEM, rec.CreatedAt)
	return err
}

// FindService loads one service record by ID.
func (s *Store) FindService(ctx context.Context, id string) (domain.ServiceRecord, error) {
	var rec domain.ServiceRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, cert_pem, created_at FROM services WHERE id = ?`, id).
		Scan(&rec.ID, &rec.Name, &rec.CertPEM, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ServiceRecord{}, ErrNotFound
	}
	return rec, err
}

// FindAllServices loads every persisted service.
func (s *Store) FindAllServices(ctx context.Context) ([]domain.ServiceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, cert_pem, created_at FROM services ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.ServiceRecord
	for rows.Next() {
		var rec domain.ServiceRecord
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.CertPEM, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
