package sqlite

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/iotgate/iotgate/internal/domain"
)

// AddStatusHistory appends one status sample. History rows are append-only;
// nothing updates or deletes them.
func (s *Store) AddStatusHistory(ctx context.Context, rec domain.StatusHistoryRecord) (domain.StatusHistoryRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO status_history (id, obj_id, component, payload, created_at)
VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.ObjID, rec.Component, rec.Payload, rec.CreatedAt)
	if err != nil {
		return domain.StatusHistoryRecord{}, err
	}
	return rec, nil
}

// StatusHistoryByObj returns the most recent samples for one object,
// newest first, capped at limit.
func (s *Store) StatusHistoryByObj(ctx context.Context, objID string, limit int) ([]domain.StatusHistoryRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, obj_id, component, payload, created_at
FROM status_history WHERE obj_id = ?
ORDER BY created_at DESC, id DESC LIMIT ?`, objID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.StatusHistoryRecord
	for rows.Next() {
		var rec domain.StatusHistoryRecord
		if err := rows.Scan(&rec.ID, &rec.ObjID, &rec.Component, &rec.Payload, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
