package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/regintel/blacklist/internal/errors"
)

const (
	maxOpenConns  = 10
	retryAttempts = 3
	retryBase     = 100 * time.Millisecond
)

// Store owns every persistent record. All writes funnel through here;
// readers go through the Query Service and its cache.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the SQLite database at dbPath.
// Pragmas ride the DSN so every pooled connection is configured.
func Open(dbPath string) (*Store, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
			"cache_size(-64000)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL gives concurrent readers; writes serialize on busy_timeout.
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, path: dbPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	log.Info().Str("dbPath", dbPath).Msg("Store opened")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS blacklist_ips (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ip TEXT NOT NULL,
		source TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT 'threat_intel',
		confidence INTEGER NOT NULL DEFAULT 85,
		detection_count INTEGER NOT NULL DEFAULT 1,
		active INTEGER NOT NULL DEFAULT 1,
		country TEXT,
		detection_date TEXT,
		removal_date TEXT,
		last_seen INTEGER NOT NULL,
		raw_data TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE(ip, source)
	);

	CREATE INDEX IF NOT EXISTS idx_blacklist_active ON blacklist_ips(active);
	CREATE INDEX IF NOT EXISTS idx_blacklist_last_seen ON blacklist_ips(last_seen);
	CREATE INDEX IF NOT EXISTS idx_blacklist_source ON blacklist_ips(source);
	CREATE INDEX IF NOT EXISTS idx_blacklist_ip ON blacklist_ips(ip);

	CREATE TABLE IF NOT EXISTS whitelist_ips (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ip TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT 'manual',
		reason TEXT NOT NULL DEFAULT '',
		active INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE(ip, source)
	);

	CREATE INDEX IF NOT EXISTS idx_whitelist_ip ON whitelist_ips(ip) WHERE active = 1;

	CREATE TABLE IF NOT EXISTS collection_credentials (
		service TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		password TEXT NOT NULL,
		encrypted INTEGER NOT NULL DEFAULT 0,
		config TEXT NOT NULL DEFAULT '{}',
		enabled INTEGER NOT NULL DEFAULT 1,
		interval_seconds INTEGER NOT NULL DEFAULT 21600,
		last_collection INTEGER,
		last_test_ok INTEGER,
		last_test_message TEXT NOT NULL DEFAULT '',
		last_test_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS collection_history (
		id TEXT PRIMARY KEY,
		service TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		trigger_type TEXT NOT NULL,
		items_collected INTEGER NOT NULL DEFAULT 0,
		inserted INTEGER NOT NULL DEFAULT 0,
		updated INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		success INTEGER NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		details TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_history_service ON collection_history(service, started_at);

	CREATE TABLE IF NOT EXISTS collection_status (
		service TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'idle',
		last_run INTEGER,
		next_run INTEGER,
		success_count INTEGER NOT NULL DEFAULT 0,
		error_count INTEGER NOT NULL DEFAULT 0,
		config TEXT NOT NULL DEFAULT '{}',
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS firewall_pull_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_ip TEXT NOT NULL,
		user_agent TEXT NOT NULL DEFAULT '',
		path TEXT NOT NULL,
		ip_count INTEGER NOT NULL,
		response_ms INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_firewall_created ON firewall_pull_log(created_at);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT 'string',
		category TEXT NOT NULL DEFAULT '',
		active INTEGER NOT NULL DEFAULT 1,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	_, err := s.db.Exec(`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (1, ?)`,
		time.Now().Unix())
	return err
}

// Ping verifies the database is reachable, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// Close releases the connection pool.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	log.Info().Msg("Store closed")
	return nil
}

// withRetry re-runs fn on transient sqlite errors (lock contention,
// busy writer) with exponential backoff, up to retryAttempts tries.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			delay := retryBase << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			log.Debug().Str("op", op).Int("attempt", attempt+1).Msg("Retrying store operation")
		}
		err = fn()
		if err == nil || !isTransient(err) {
			break
		}
	}
	if err != nil {
		return classify(op, err)
	}
	return nil
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "busy") ||
		strings.Contains(msg, "connection reset")
}

// classify maps a raw sqlite error onto the shared error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if err == sql.ErrNoRows {
		return errors.NotFound(op, "row")
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "constraint"):
		return errors.Integrity(op, err)
	case isTransient(err):
		return errors.New(errors.KindUnavailable, op, "", err)
	default:
		return errors.New(errors.KindInternal, op, "", err)
	}
}

// Date and timestamp codecs. Dates are stored as ISO text so string
// comparison orders them; timestamps are unix seconds.

func dateString(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format("2006-01-02")
}

func parseDate(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse("2006-01-02", s.String)
	if err != nil {
		return nil
	}
	return &t
}

func unixPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func errEmpty(field string) error {
	return fmt.Errorf("%s must not be empty", field)
}
