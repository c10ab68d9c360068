package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/regintel/blacklist/internal/errors"
	"github.com/regintel/blacklist/internal/models"
)

var serviceNameRe = regexp.MustCompile(`^[A-Z_]+$`)

const credentialColumns = `service, username, password, encrypted, config, enabled,
	interval_seconds, last_collection, last_test_ok, last_test_message, last_test_at,
	created_at, updated_at`

// StoreCredential writes or replaces the credential row for a service.
// The password must already be ciphertext when Encrypted is set; the
// store never talks to the vault.
func (s *Store) StoreCredential(ctx context.Context, c models.CollectionCredential) error {
	const op = "store_credential"

	if !serviceNameRe.MatchString(c.Service) {
		return errors.Validation(op, fmt.Errorf("service name %q must match ^[A-Z_]+$", c.Service))
	}
	if c.Username == "" {
		return errors.Validation(op, errEmpty("username"))
	}

	cfg, err := json.Marshal(orEmptyMap(c.Config))
	if err != nil {
		return errors.Validation(op, fmt.Errorf("encode config: %w", err))
	}
	if c.IntervalSeconds <= 0 {
		c.IntervalSeconds = 21600
	}

	now := time.Now().Unix()
	return s.withRetry(ctx, op, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO collection_credentials (
				service, username, password, encrypted, config, enabled,
				interval_seconds, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(service) DO UPDATE SET
				username         = excluded.username,
				password         = excluded.password,
				encrypted        = excluded.encrypted,
				config           = excluded.config,
				enabled          = excluded.enabled,
				interval_seconds = excluded.interval_seconds,
				updated_at       = excluded.updated_at`,
			c.Service, c.Username, c.Password, boolInt(c.Encrypted), string(cfg),
			boolInt(c.Enabled), c.IntervalSeconds, now, now)
		return err
	})
}

// LoadCredential fetches one service's credential, ciphertext included.
func (s *Store) LoadCredential(ctx context.Context, service string) (*models.CollectionCredential, error) {
	const op = "load_credential"

	row := s.db.QueryRowContext(ctx,
		"SELECT "+credentialColumns+" FROM collection_credentials WHERE service = ?", service)
	c, err := scanCredential(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound(op, service)
	}
	if err != nil {
		return nil, classify(op, err)
	}
	return c, nil
}

// ListCredentials returns every credential row. Passwords stay
// ciphertext; the JSON tag hides them from API responses anyway.
func (s *Store) ListCredentials(ctx context.Context) ([]models.CollectionCredential, error) {
	const op = "list_credentials"

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+credentialColumns+" FROM collection_credentials ORDER BY service")
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var list []models.CollectionCredential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		list = append(list, *c)
	}
	return list, rows.Err()
}

// UpdateCredentialTest persists a connectivity test outcome.
func (s *Store) UpdateCredentialTest(ctx context.Context, service string, ok bool, message string, at time.Time) error {
	const op = "update_credential_test"

	return s.withRetry(ctx, op, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE collection_credentials
			SET last_test_ok = ?, last_test_message = ?, last_test_at = ?, updated_at = ?
			WHERE service = ?`,
			boolInt(ok), message, at.Unix(), time.Now().Unix(), service)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err == nil && n == 0 {
			return sql.ErrNoRows
		}
		return err
	})
}

// SetCredentialEnabled flips the run permission without touching the
// stored login material.
func (s *Store) SetCredentialEnabled(ctx context.Context, service string, enabled bool) error {
	const op = "set_credential_enabled"

	return s.withRetry(ctx, op, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE collection_credentials SET enabled = ?, updated_at = ?
			WHERE service = ?`,
			boolInt(enabled), time.Now().Unix(), service)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err == nil && n == 0 {
			return sql.ErrNoRows
		}
		return err
	})
}

// TouchCredentialCollection stamps the last successful collection time.
func (s *Store) TouchCredentialCollection(ctx context.Context, service string, at time.Time) error {
	const op = "touch_credential_collection"

	return s.withRetry(ctx, op, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE collection_credentials
			SET last_collection = ?, updated_at = ?
			WHERE service = ?`,
			at.Unix(), time.Now().Unix(), service)
		return err
	})
}

// DeleteCredential removes a service's login material entirely.
func (s *Store) DeleteCredential(ctx context.Context, service string) error {
	const op = "delete_credential"

	var affected int64
	err := s.withRetry(ctx, op, func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM collection_credentials WHERE service = ?`, service)
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
		return errors.NotFound(op, service)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (*models.CollectionCredential, error) {
	var c models.CollectionCredential
	var encrypted, enabled int
	var cfg string
	var lastCollection, lastTestAt sql.NullInt64
	var lastTestOK sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(&c.Service, &c.Username, &c.Password, &encrypted, &cfg, &enabled,
		&c.IntervalSeconds, &lastCollection, &lastTestOK, &c.LastTestMessage, &lastTestAt,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	c.Encrypted = encrypted == 1
	c.Enabled = enabled == 1
	c.LastCollection = timePtr(lastCollection)
	c.LastTestAt = timePtr(lastTestAt)
	if lastTestOK.Valid {
		ok := lastTestOK.Int64 == 1
		c.LastTestOK = &ok
	}
	c.CreatedAt = time.Unix(createdAt, 0)
	c.UpdatedAt = time.Unix(updatedAt, 0)

	if cfg != "" {
		if err := json.Unmarshal([]byte(cfg), &c.Config); err != nil {
			c.Config = nil
		}
	}
	return &c, nil
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
