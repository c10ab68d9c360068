package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/regintel/blacklist/internal/errors"
	"github.com/regintel/blacklist/internal/models"
)

const upsertBatchSize = 100

// Pagination bounds for list queries.
const (
	MinLimit     = 1
	MaxLimit     = 1000
	DefaultLimit = 100
)

// BlacklistFilter narrows list queries. Zero values mean "any".
type BlacklistFilter struct {
	Source   string
	Category string
	Country  string
	Active   *bool
	Query    string // IP prefix match
}

const blacklistColumns = `id, ip, source, reason, category, confidence, detection_count,
	active, country, detection_date, removal_date, last_seen, raw_data, created_at, updated_at`

// UpsertBlacklist ingests records in transactions of up to 100 rows.
// An existing (ip, source) row gets detection_count += 1, a fresh
// last_seen, field overwrites only where the new value is set, and its
// active flag recomputed from the merged removal date. A failed batch
// is rolled back and counted failed; later batches still run.
func (s *Store) UpsertBlacklist(ctx context.Context, batch []models.BlacklistRecord) (models.UpsertResult, error) {
	const op = "upsert_blacklist"

	var result models.UpsertResult
	var firstErr error

	for start := 0; start < len(batch); start += upsertBatchSize {
		end := start + upsertBatchSize
		if end > len(batch) {
			end = len(batch)
		}
		chunk := batch[start:end]

		var chunkRes models.UpsertResult
		err := s.withRetry(ctx, op, func() error {
			var err error
			chunkRes, err = s.upsertChunk(ctx, chunk)
			return err
		})
		if err != nil {
			result.Failed += len(chunk)
			if firstErr == nil {
				firstErr = err
			}
			log.Warn().Err(err).Int("rows", len(chunk)).Msg("Blacklist batch failed")
			continue
		}
		result.Add(chunkRes)
	}

	// Surface the error only when nothing landed at all.
	if result.Total() == 0 && firstErr != nil {
		return result, firstErr
	}
	return result, nil
}

func (s *Store) upsertChunk(ctx context.Context, chunk []models.BlacklistRecord) (models.UpsertResult, error) {
	var res models.UpsertResult

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	now := time.Now()
	today := now.Format("2006-01-02")

	existsStmt, err := tx.PrepareContext(ctx,
		`SELECT 1 FROM blacklist_ips WHERE ip = ? AND source = ?`)
	if err != nil {
		return res, err
	}
	defer existsStmt.Close()

	upsertStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO blacklist_ips (
			ip, source, reason, category, confidence, detection_count, active,
			country, detection_date, removal_date, last_seen, raw_data, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ip, source) DO UPDATE SET
			detection_count = detection_count + 1,
			last_seen       = excluded.last_seen,
			reason          = CASE WHEN excluded.reason != '' THEN excluded.reason ELSE reason END,
			category        = CASE WHEN excluded.category != '' THEN excluded.category ELSE category END,
			confidence      = CASE WHEN excluded.confidence > 0 THEN excluded.confidence ELSE confidence END,
			country         = COALESCE(excluded.country, country),
			detection_date  = COALESCE(excluded.detection_date, detection_date),
			removal_date    = COALESCE(excluded.removal_date, removal_date),
			active          = CASE
				WHEN COALESCE(excluded.removal_date, removal_date) < ? THEN 0
				ELSE 1
			END,
			raw_data        = CASE WHEN excluded.raw_data != '' THEN excluded.raw_data ELSE raw_data END,
			updated_at      = excluded.updated_at`)
	if err != nil {
		return res, err
	}
	defer upsertStmt.Close()

	for _, r := range chunk {
		var dummy int
		existed := true
		if err := existsStmt.QueryRowContext(ctx, r.IP, r.Source).Scan(&dummy); err != nil {
			if err != sql.ErrNoRows {
				return models.UpsertResult{}, err
			}
			existed = false
		}

		active := 1
		if r.RemovalDate != nil && r.RemovalDate.Format("2006-01-02") < today {
			active = 0
		}

		var country any
		if r.Country != "" {
			country = r.Country
		}

		if _, err := upsertStmt.ExecContext(ctx,
			r.IP, r.Source, r.Reason, r.Category, r.Confidence, active,
			country, dateString(r.DetectionDate), dateString(r.RemovalDate),
			now.Unix(), r.RawData, now.Unix(), now.Unix(),
			today,
		); err != nil {
			return models.UpsertResult{}, err
		}

		if existed {
			res.Updated++
		} else {
			res.Inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return models.UpsertResult{}, err
	}
	return res, nil
}

// DeactivateStale flips active=false on rows unseen for retentionDays.
func (s *Store) DeactivateStale(ctx context.Context, retentionDays int) (int64, error) {
	const op = "deactivate_stale"
	if retentionDays <= 0 {
		return 0, errors.Validation(op, fmt.Errorf("retention days must be positive, got %d", retentionDays))
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays).Unix()
	var affected int64
	err := s.withRetry(ctx, op, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE blacklist_ips
			SET active = 0, updated_at = ?
			WHERE active = 1 AND last_seen < ?`,
			time.Now().Unix(), cutoff)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

// DeactivateExpired flips active=false where the removal date has passed.
func (s *Store) DeactivateExpired(ctx context.Context, today time.Time) (int64, error) {
	const op = "deactivate_expired"

	var affected int64
	err := s.withRetry(ctx, op, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE blacklist_ips
			SET active = 0, updated_at = ?
			WHERE active = 1 AND removal_date IS NOT NULL AND removal_date < ?`,
			time.Now().Unix(), today.Format("2006-01-02"))
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

// ListBlacklist returns one page of records plus the unpaged total.
// Sort order is last_seen DESC, confidence DESC.
func (s *Store) ListBlacklist(ctx context.Context, filter BlacklistFilter, page, limit int) ([]models.BlacklistRecord, int, error) {
	const op = "list_blacklist"

	if page < 1 {
		page = 1
	}
	if limit < MinLimit {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	where, args := buildBlacklistWhere(filter)

	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM blacklist_ips"+where, args...).Scan(&total); err != nil {
		return nil, 0, classify(op, err)
	}

	query := "SELECT " + blacklistColumns + " FROM blacklist_ips" + where +
		" ORDER BY last_seen DESC, confidence DESC LIMIT ? OFFSET ?"
	args = append(args, limit, (page-1)*limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, classify(op, err)
	}
	defer rows.Close()

	records, err := scanBlacklistRows(rows)
	if err != nil {
		return nil, 0, classify(op, err)
	}
	return records, total, nil
}

func buildBlacklistWhere(filter BlacklistFilter) (string, []any) {
	where := " WHERE 1=1"
	args := []any{}

	if filter.Source != "" {
		where += " AND source = ?"
		args = append(args, filter.Source)
	}
	if filter.Category != "" {
		where += " AND category = ?"
		args = append(args, filter.Category)
	}
	if filter.Country != "" {
		where += " AND country = ?"
		args = append(args, filter.Country)
	}
	if filter.Active != nil {
		where += " AND active = ?"
		args = append(args, boolInt(*filter.Active))
	}
	if filter.Query != "" {
		where += " AND ip LIKE ?"
		args = append(args, escapeLike(filter.Query)+"%")
	}
	return where, args
}

// escapeLike neutralizes LIKE wildcards in user input. The ESCAPE
// clause is omitted since backslash is sqlite's default only when
// declared, so we strip the metacharacters instead.
func escapeLike(q string) string {
	q = strings.ReplaceAll(q, "%", "")
	q = strings.ReplaceAll(q, "_", "")
	return q
}

// GetByIP returns every record for an IP, one per source.
func (s *Store) GetByIP(ctx context.Context, ip string) ([]models.BlacklistRecord, error) {
	const op = "get_by_ip"

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+blacklistColumns+" FROM blacklist_ips WHERE ip = ? ORDER BY source", ip)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	records, err := scanBlacklistRows(rows)
	if err != nil {
		return nil, classify(op, err)
	}
	if len(records) == 0 {
		return nil, errors.NotFound(op, ip)
	}
	return records, nil
}

// SearchByIP is a prefix search over the corpus, capped at limit rows.
func (s *Store) SearchByIP(ctx context.Context, q string, limit int) ([]models.BlacklistRecord, error) {
	const op = "search_by_ip"
	if limit <= 0 || limit > MaxLimit {
		limit = DefaultLimit
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+blacklistColumns+` FROM blacklist_ips
		 WHERE ip LIKE ? ORDER BY last_seen DESC, confidence DESC LIMIT ?`,
		escapeLike(q)+"%", limit)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	records, err := scanBlacklistRows(rows)
	if err != nil {
		return nil, classify(op, err)
	}
	return records, nil
}

// ActiveFeedIPs is the firewall feed corpus: distinct active blacklist
// IPs minus anything actively whitelisted, sorted for stable diffs on
// the firewall side.
func (s *Store) ActiveFeedIPs(ctx context.Context) ([]string, error) {
	const op = "active_feed_ips"

	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ip FROM blacklist_ips
		WHERE active = 1
		  AND ip NOT IN (SELECT ip FROM whitelist_ips WHERE active = 1)
		ORDER BY ip`)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var ips []string
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return nil, classify(op, err)
		}
		ips = append(ips, ip)
	}
	return ips, rows.Err()
}

func scanBlacklistRows(rows *sql.Rows) ([]models.BlacklistRecord, error) {
	var records []models.BlacklistRecord
	for rows.Next() {
		r, err := scanBlacklistRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func scanBlacklistRecord(rows *sql.Rows) (models.BlacklistRecord, error) {
	var r models.BlacklistRecord
	var active int
	var country, detectionDate, removalDate sql.NullString
	var lastSeen, createdAt, updatedAt int64

	err := rows.Scan(&r.ID, &r.IP, &r.Source, &r.Reason, &r.Category, &r.Confidence,
		&r.DetectionCount, &active, &country, &detectionDate, &removalDate,
		&lastSeen, &r.RawData, &createdAt, &updatedAt)
	if err != nil {
		return r, err
	}

	r.Active = active == 1
	r.Country = country.String
	r.DetectionDate = parseDate(detectionDate)
	r.RemovalDate = parseDate(removalDate)
	r.LastSeen = time.Unix(lastSeen, 0)
	r.CreatedAt = time.Unix(createdAt, 0)
	r.UpdatedAt = time.Unix(updatedAt, 0)
	return r, nil
}
