package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/regintel/blacklist/internal/errors"
	"github.com/regintel/blacklist/internal/models"
)

// EnsureStatus creates the idle status row for a service if absent.
func (s *Store) EnsureStatus(ctx context.Context, service string) error {
	const op = "ensure_status"

	return s.withRetry(ctx, op, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO collection_status (service, status, config, updated_at)
			VALUES (?, ?, '{}', ?)`,
			service, string(models.StateIdle), time.Now().Unix())
		return err
	})
}

// TransitionStatus flips a service from one state to another atomically.
// It reports false when the row was not in the expected state, which is
// how per-service single-flight is enforced: only one caller wins the
// idle -> running edge.
func (s *Store) TransitionStatus(ctx context.Context, service string, from, to models.ServiceState) (bool, error) {
	const op = "transition_status"

	var won bool
	err := s.withRetry(ctx, op, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE collection_status SET status = ?, updated_at = ?
			WHERE service = ? AND status = ?`,
			string(to), time.Now().Unix(), service, string(from))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		won = n == 1
		return err
	})
	return won, err
}

// FinishRun records a job's terminal outcome: the counter bump and the
// running -> idle|error edge in one statement.
func (s *Store) FinishRun(ctx context.Context, service string, success bool, at time.Time) error {
	const op = "finish_run"

	var query string
	var args []any
	if success {
		query = `UPDATE collection_status
			SET status = ?, success_count = success_count + 1, last_run = ?, updated_at = ?
			WHERE service = ? AND status = ?`
		args = []any{string(models.StateIdle), at.Unix(), time.Now().Unix(),
			service, string(models.StateRunning)}
	} else {
		query = `UPDATE collection_status
			SET status = ?, error_count = error_count + 1, updated_at = ?
			WHERE service = ? AND status = ?`
		args = []any{string(models.StateError), time.Now().Unix(),
			service, string(models.StateRunning)}
	}

	return s.withRetry(ctx, op, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			log.Warn().Str("service", service).Msg("Finish without a running status row")
		}
		return nil
	})
}

// SetServiceState forces a state unconditionally (enable/disable paths,
// and error -> idle recovery before a retry attempt).
func (s *Store) SetServiceState(ctx context.Context, service string, state models.ServiceState) error {
	const op = "set_service_state"

	return s.withRetry(ctx, op, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE collection_status SET status = ?, updated_at = ? WHERE service = ?`,
			string(state), time.Now().Unix(), service)
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

// SetNextRun records the scheduler's next planned fire time.
func (s *Store) SetNextRun(ctx context.Context, service string, at time.Time) error {
	const op = "set_next_run"

	return s.withRetry(ctx, op, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE collection_status SET next_run = ?, updated_at = ? WHERE service = ?`,
			at.Unix(), time.Now().Unix(), service)
		return err
	})
}

// ResetRunning clears statuses stranded in running by a crashed
// process. Called once at startup, before workers start.
func (s *Store) ResetRunning(ctx context.Context) (int64, error) {
	const op = "reset_running"

	var affected int64
	err := s.withRetry(ctx, op, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE collection_status SET status = ?, updated_at = ? WHERE status = ?`,
			string(models.StateError), time.Now().Unix(), string(models.StateRunning))
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if affected > 0 {
		log.Warn().Int64("services", affected).Msg("Reset statuses stranded in running state")
	}
	return affected, err
}

// GetStatus returns one service's scheduler-visible status.
func (s *Store) GetStatus(ctx context.Context, service string) (*models.CollectionStatus, error) {
	const op = "get_status"

	row := s.db.QueryRowContext(ctx, `
		SELECT service, status, last_run, next_run, success_count, error_count, config, updated_at
		FROM collection_status WHERE service = ?`, service)
	st, err := scanStatus(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound(op, service)
	}
	if err != nil {
		return nil, classify(op, err)
	}
	return st, nil
}

// ListStatuses returns all services' statuses, for the status endpoint.
func (s *Store) ListStatuses(ctx context.Context) ([]models.CollectionStatus, error) {
	const op = "list_statuses"

	rows, err := s.db.QueryContext(ctx, `
		SELECT service, status, last_run, next_run, success_count, error_count, config, updated_at
		FROM collection_status ORDER BY service`)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var list []models.CollectionStatus
	for rows.Next() {
		st, err := scanStatus(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		list = append(list, *st)
	}
	return list, rows.Err()
}

// UpdateStatusConfig replaces the per-service config map (schedule
// overrides and similar scheduler knobs live here).
func (s *Store) UpdateStatusConfig(ctx context.Context, service string, cfg map[string]string) error {
	const op = "update_status_config"

	raw, err := json.Marshal(orEmptyMap(cfg))
	if err != nil {
		return errors.Validation(op, err)
	}
	return s.withRetry(ctx, op, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE collection_status SET config = ?, updated_at = ? WHERE service = ?`,
			string(raw), time.Now().Unix(), service)
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

func scanStatus(row rowScanner) (*models.CollectionStatus, error) {
	var st models.CollectionStatus
	var status, cfg string
	var lastRun, nextRun sql.NullInt64
	var updatedAt int64

	err := row.Scan(&st.Service, &status, &lastRun, &nextRun,
		&st.SuccessCount, &st.ErrorCount, &cfg, &updatedAt)
	if err != nil {
		return nil, err
	}

	st.Status = models.ServiceState(status)
	st.LastRun = timePtr(lastRun)
	st.NextRun = timePtr(nextRun)
	st.UpdatedAt = time.Unix(updatedAt, 0)
	if cfg != "" {
		if err := json.Unmarshal([]byte(cfg), &st.Config); err != nil {
			st.Config = nil
		}
	}
	return &st, nil
}
