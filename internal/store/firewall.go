package store

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/regintel/blacklist/internal/models"
)

// WriteFirewallPull appends one feed-request fact row. Best-effort:
// logging failures must never slow down or fail the feed itself, so
// errors are swallowed after a warn.
func (s *Store) WriteFirewallPull(ctx context.Context, p models.FirewallPull) {
	const op = "write_firewall_pull"

	err := s.withRetry(ctx, op, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO firewall_pull_log (device_ip, user_agent, path, ip_count, response_ms, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			p.DeviceIP, p.UserAgent, p.Path, p.IPCount, p.ResponseMS, time.Now().Unix())
		return err
	})
	if err != nil {
		log.Warn().Err(err).Str("device", p.DeviceIP).Msg("Failed to log firewall pull")
	}
}

// ListFirewallPulls returns recent feed requests, newest first.
func (s *Store) ListFirewallPulls(ctx context.Context, limit int) ([]models.FirewallPull, error) {
	const op = "list_firewall_pulls"
	if limit <= 0 || limit > MaxLimit {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_ip, user_agent, path, ip_count, response_ms, created_at
		FROM firewall_pull_log ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var list []models.FirewallPull
	for rows.Next() {
		var p models.FirewallPull
		var createdAt int64
		if err := rows.Scan(&p.ID, &p.DeviceIP, &p.UserAgent, &p.Path, &p.IPCount, &p.ResponseMS, &createdAt); err != nil {
			return nil, classify(op, err)
		}
		p.CreatedAt = time.Unix(createdAt, 0)
		list = append(list, p)
	}
	return list, rows.Err()
}
