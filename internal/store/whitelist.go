package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/regintel/blacklist/internal/errors"
	"github.com/regintel/blacklist/internal/models"
)

// UpsertWhitelist inserts or refreshes a whitelist entry. Re-adding an
// existing (ip, source) pair reactivates it and updates the reason.
func (s *Store) UpsertWhitelist(ctx context.Context, w models.WhitelistRecord) error {
	const op = "upsert_whitelist"
	if w.IP == "" {
		return errors.Validation(op, errEmpty("ip"))
	}
	if w.Source == "" {
		w.Source = "manual"
	}

	now := time.Now().Unix()
	return s.withRetry(ctx, op, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO whitelist_ips (ip, source, reason, active, created_at, updated_at)
			VALUES (?, ?, ?, 1, ?, ?)
			ON CONFLICT(ip, source) DO UPDATE SET
				reason     = CASE WHEN excluded.reason != '' THEN excluded.reason ELSE reason END,
				active     = 1,
				updated_at = excluded.updated_at`,
			w.IP, w.Source, w.Reason, now, now)
		return err
	})
}

// DeactivateWhitelist soft-removes an entry; history stays queryable.
func (s *Store) DeactivateWhitelist(ctx context.Context, ip, source string) error {
	const op = "deactivate_whitelist"

	var affected int64
	err := s.withRetry(ctx, op, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE whitelist_ips SET active = 0, updated_at = ?
			WHERE ip = ? AND source = ? AND active = 1`,
			time.Now().Unix(), ip, source)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.NotFound(op, ip)
	}
	return nil
}

// ListWhitelist returns entries, optionally only active ones.
func (s *Store) ListWhitelist(ctx context.Context, activeOnly bool) ([]models.WhitelistRecord, error) {
	const op = "list_whitelist"

	query := `SELECT id, ip, source, reason, active, created_at, updated_at FROM whitelist_ips`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var list []models.WhitelistRecord
	for rows.Next() {
		var w models.WhitelistRecord
		var active int
		var createdAt, updatedAt int64
		if err := rows.Scan(&w.ID, &w.IP, &w.Source, &w.Reason, &active, &createdAt, &updatedAt); err != nil {
			return nil, classify(op, err)
		}
		w.Active = active == 1
		w.CreatedAt = time.Unix(createdAt, 0)
		w.UpdatedAt = time.Unix(updatedAt, 0)
		list = append(list, w)
	}
	return list, rows.Err()
}

// ActiveWhitelistEntry returns the newest active whitelist row for ip,
// or nil when the IP is not whitelisted.
func (s *Store) ActiveWhitelistEntry(ctx context.Context, ip string) (*models.WhitelistRecord, error) {
	const op = "active_whitelist_entry"

	var w models.WhitelistRecord
	var active int
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, ip, source, reason, active, created_at, updated_at
		FROM whitelist_ips WHERE ip = ? AND active = 1
		ORDER BY updated_at DESC LIMIT 1`, ip).
		Scan(&w.ID, &w.IP, &w.Source, &w.Reason, &active, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify(op, err)
	}
	w.Active = active == 1
	w.CreatedAt = time.Unix(createdAt, 0)
	w.UpdatedAt = time.Unix(updatedAt, 0)
	return &w, nil
}
