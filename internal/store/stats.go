package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/regintel/blacklist/internal/models"
)

// TotalCounts is the dashboard headline block.
type TotalCounts struct {
	TotalIPs    int        `json:"total_ips"`
	ActiveIPs   int        `json:"active_ips"`
	Whitelisted int        `json:"whitelisted"`
	Sources     int        `json:"sources"`
	LastSeen    *time.Time `json:"last_seen,omitempty"`
}

// Totals computes the headline counts in one round trip per aggregate.
func (s *Store) Totals(ctx context.Context) (TotalCounts, error) {
	const op = "totals"

	var t TotalCounts
	var lastSeen sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(active), 0),
		       COUNT(DISTINCT source),
		       MAX(last_seen)
		FROM blacklist_ips`).
		Scan(&t.TotalIPs, &t.ActiveIPs, &t.Sources, &lastSeen)
	if err != nil {
		return t, classify(op, err)
	}
	if lastSeen.Valid {
		t.LastSeen = timePtr(lastSeen)
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM whitelist_ips WHERE active = 1`).Scan(&t.Whitelisted); err != nil {
		return t, classify(op, err)
	}
	return t, nil
}

// SourceStats aggregates the corpus per source.
func (s *Store) SourceStats(ctx context.Context) ([]models.CollectionStats, error) {
	const op = "source_stats"

	rows, err := s.db.QueryContext(ctx, `
		SELECT source, COUNT(*), COALESCE(SUM(active), 0), MAX(last_seen)
		FROM blacklist_ips GROUP BY source ORDER BY source`)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var list []models.CollectionStats
	for rows.Next() {
		var st models.CollectionStats
		var lastSeen sql.NullInt64
		if err := rows.Scan(&st.Source, &st.TotalIPs, &st.ActiveIPs, &lastSeen); err != nil {
			return nil, classify(op, err)
		}
		st.LastSeen = timePtr(lastSeen)
		list = append(list, st)
	}
	return list, rows.Err()
}

// Breakdown is one bucketed count for stats charts.
type Breakdown struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// CategoryBreakdown counts active records per category.
func (s *Store) CategoryBreakdown(ctx context.Context) ([]Breakdown, error) {
	return s.breakdown(ctx, `
		SELECT category, COUNT(*) FROM blacklist_ips
		WHERE active = 1 GROUP BY category ORDER BY COUNT(*) DESC`)
}

// CountryBreakdown counts active records per country, top N buckets.
func (s *Store) CountryBreakdown(ctx context.Context, top int) ([]Breakdown, error) {
	if top <= 0 {
		top = 10
	}
	return s.breakdown(ctx, `
		SELECT COALESCE(country, '??'), COUNT(*) FROM blacklist_ips
		WHERE active = 1 GROUP BY country ORDER BY COUNT(*) DESC LIMIT ?`, top)
}

func (s *Store) breakdown(ctx context.Context, query string, args ...any) ([]Breakdown, error) {
	const op = "breakdown"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var list []Breakdown
	for rows.Next() {
		var b Breakdown
		if err := rows.Scan(&b.Key, &b.Count); err != nil {
			return nil, classify(op, err)
		}
		list = append(list, b)
	}
	return list, rows.Err()
}

// Timeline counts records first seen per day per source over the last
// N days (capped at 730 by the query layer).
func (s *Store) Timeline(ctx context.Context, days int) ([]models.TimelinePoint, error) {
	const op = "timeline"
	if days <= 0 {
		days = 30
	}

	cutoff := time.Now().AddDate(0, 0, -days).Unix()
	rows, err := s.db.QueryContext(ctx, `
		SELECT date(created_at, 'unixepoch') AS day, source, COUNT(*)
		FROM blacklist_ips
		WHERE created_at >= ?
		GROUP BY day, source
		ORDER BY day, source`, cutoff)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var points []models.TimelinePoint
	for rows.Next() {
		var p models.TimelinePoint
		if err := rows.Scan(&p.Day, &p.Source, &p.Count); err != nil {
			return nil, classify(op, err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}
