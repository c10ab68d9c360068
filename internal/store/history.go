package store

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/regintel/blacklist/internal/models"
)

// WriteHistory appends the single history row for a finished job.
// A missing ID gets a fresh ULID so callers can pass a bare entry.
func (s *Store) WriteHistory(ctx context.Context, h models.CollectionHistory) (string, error) {
	const op = "write_history"

	if h.ID == "" {
		h.ID = ulid.Make().String()
	}
	if h.StartedAt.IsZero() {
		h.StartedAt = time.Now()
	}

	err := s.withRetry(ctx, op, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO collection_history (
				id, service, started_at, trigger_type, items_collected,
				inserted, updated, failed, success, error, duration_ms, details
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			h.ID, h.Service, h.StartedAt.Unix(), string(h.Trigger), h.ItemsCollected,
			h.Inserted, h.Updated, h.Failed, boolInt(h.Success), h.Error, h.DurationMS, h.Details)
		return err
	})
	if err != nil {
		return "", err
	}
	return h.ID, nil
}

// ListHistory returns recent runs, newest first. Empty service means all.
func (s *Store) ListHistory(ctx context.Context, service string, limit int) ([]models.CollectionHistory, error) {
	const op = "list_history"
	if limit <= 0 || limit > MaxLimit {
		limit = 50
	}

	query := `SELECT id, service, started_at, trigger_type, items_collected,
		inserted, updated, failed, success, error, duration_ms, details
		FROM collection_history WHERE 1=1`
	args := []any{}

	if service != "" {
		query += " AND service = ?"
		args = append(args, service)
	}
	query += " ORDER BY started_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var list []models.CollectionHistory
	for rows.Next() {
		var h models.CollectionHistory
		var startedAt int64
		var success int
		var trigger string
		if err := rows.Scan(&h.ID, &h.Service, &startedAt, &trigger, &h.ItemsCollected,
			&h.Inserted, &h.Updated, &h.Failed, &success, &h.Error, &h.DurationMS, &h.Details); err != nil {
			return nil, classify(op, err)
		}
		h.StartedAt = time.Unix(startedAt, 0)
		h.Trigger = models.TriggerType(trigger)
		h.Success = success == 1
		list = append(list, h)
	}
	return list, rows.Err()
}
