package store

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/regintel/blacklist/internal/errors"
	"github.com/regintel/blacklist/internal/models"
)

var settingKeyRe = regexp.MustCompile(`^[A-Z_]+$`)

// SetSetting upserts a runtime knob. Keys are SCREAMING_SNAKE only.
func (s *Store) SetSetting(ctx context.Context, set models.Setting) error {
	const op = "set_setting"

	if !settingKeyRe.MatchString(set.Key) {
		return errors.Validation(op, fmt.Errorf("setting key %q must match ^[A-Z_]+$", set.Key))
	}
	if set.Type == "" {
		set.Type = "string"
	}

	return s.withRetry(ctx, op, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO settings (key, value, type, category, active, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				value      = excluded.value,
				type       = excluded.type,
				category   = excluded.category,
				active     = excluded.active,
				updated_at = excluded.updated_at`,
			set.Key, set.Value, set.Type, set.Category, boolInt(set.Active), time.Now().Unix())
		return err
	})
}

// GetSetting fetches one knob by key.
func (s *Store) GetSetting(ctx context.Context, key string) (*models.Setting, error) {
	const op = "get_setting"

	var set models.Setting
	var active int
	var updatedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT key, value, type, category, active, updated_at FROM settings WHERE key = ?`, key).
		Scan(&set.Key, &set.Value, &set.Type, &set.Category, &active, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound(op, key)
	}
	if err != nil {
		return nil, classify(op, err)
	}
	set.Active = active == 1
	set.UpdatedAt = time.Unix(updatedAt, 0)
	return &set, nil
}

// ListSettings returns all knobs, optionally filtered by category.
func (s *Store) ListSettings(ctx context.Context, category string) ([]models.Setting, error) {
	const op = "list_settings"

	query := `SELECT key, value, type, category, active, updated_at FROM settings WHERE 1=1`
	args := []any{}
	if category != "" {
		query += " AND category = ?"
		args = append(args, category)
	}
	query += " ORDER BY key"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var list []models.Setting
	for rows.Next() {
		var set models.Setting
		var active int
		var updatedAt int64
		if err := rows.Scan(&set.Key, &set.Value, &set.Type, &set.Category, &active, &updatedAt); err != nil {
			return nil, classify(op, err)
		}
		set.Active = active == 1
		set.UpdatedAt = time.Unix(updatedAt, 0)
		list = append(list, set)
	}
	return list, rows.Err()
}

// SettingInt reads an integer knob, falling back to def when the key is
// missing, inactive, or malformed.
func (s *Store) SettingInt(ctx context.Context, key string, def int) int {
	set, err := s.GetSetting(ctx, key)
	if err != nil || !set.Active {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(set.Value))
	if err != nil {
		return def
	}
	return n
}

// SettingBool reads a boolean knob with the same fallback rules.
func (s *Store) SettingBool(ctx context.Context, key string, def bool) bool {
	set, err := s.GetSetting(ctx, key)
	if err != nil || !set.Active {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(set.Value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}

// SettingString reads a text knob with the same fallback rules.
func (s *Store) SettingString(ctx context.Context, key, def string) string {
	set, err := s.GetSetting(ctx, key)
	if err != nil || !set.Active || set.Value == "" {
		return def
	}
	return set.Value
}
