// Package repository persists alerts, suppressions, and raw signal
// samples in SQLite. All writes are best-effort from the caller's point
// of view; the detection pipeline treats this layer as write-behind.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/crowdsense/crowdsense-backend/internal/models"
)

// SQLiteRepository implements alert and sample persistence over SQLite.
type SQLiteRepository struct {
	db *sqlx.DB
}

// NewSQLiteRepository opens (or creates) the database at dbPath.
// Use ":memory:" for tests.
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	db, err := sqlx.Connect("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SQLite: %w", err)
	}

	// WAL keeps the periodic cleanup from blocking collector writes.
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

// Close closes the database connection.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// Ping verifies the database is reachable. Used by the readiness probe.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// RunMigrations applies every *.sql file in the given filesystem in
// lexical order. Migrations must be idempotent (CREATE IF NOT EXISTS).
func (r *SQLiteRepository) RunMigrations(fsys fs.FS) error {
	entries, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(entries)
	for _, name := range entries {
		script, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := r.db.Exec(string(script)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

// StoreAlert inserts a new alert row.
func (r *SQLiteRepository) StoreAlert(ctx context.Context, alert *models.Alert) error {
	query := `
		INSERT INTO alerts (id, disaster_type, location, severity, message, dedup_key, z_score, status, dispatch_attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	return instrumentQuery("store_alert", func() error {
		_, err := r.db.ExecContext(ctx, query,
			alert.ID,
			alert.DisasterType,
			alert.Location,
			alert.Severity,
			alert.Message,
			alert.DedupKey,
			alert.ZScore,
			alert.Status,
			alert.DispatchAttempts,
			alert.CreatedAt,
			alert.UpdatedAt,
		)
		return err
	})
}

// UpdateAlertStatus records a dispatch outcome for an existing alert.
func (r *SQLiteRepository) UpdateAlertStatus(ctx context.Context, id string, status models.AlertStatus, attempts int) error {
	query := `UPDATE alerts SET status = ?, dispatch_attempts = ?, updated_at = ? WHERE id = ?`
	return instrumentQuery("update_alert_status", func() error {
		res, err := r.db.ExecContext(ctx, query, status, attempts, time.Now().UTC(), id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("alert not found: %s", id)
		}
		return nil
	})
}

// GetAlert fetches one alert by id.
func (r *SQLiteRepository) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	var alert models.Alert
	err := instrumentQuery("get_alert", func() error {
		return r.db.GetContext(ctx, &alert, `SELECT * FROM alerts WHERE id = ?`, id)
	})
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("alert not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return &alert, nil
}

// QueryRecentAlerts returns alerts newest-first, narrowed by the filter.
func (r *SQLiteRepository) QueryRecentAlerts(ctx context.Context, filter models.AlertFilter) ([]models.Alert, error) {
	var (
		conds []string
		args  []interface{}
	)
	if filter.DisasterType != "" {
		conds = append(conds, "disaster_type = ?")
		args = append(args, filter.DisasterType)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	if !filter.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, filter.Since)
	}

	query := `SELECT * FROM alerts`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	var alerts []models.Alert
	err := instrumentQuery("query_recent_alerts", func() error {
		return r.db.SelectContext(ctx, &alerts, query, args...)
	})
	return alerts, err
}

// StoreSuppression records a cooldown suppression for audit.
func (r *SQLiteRepository) StoreSuppression(ctx context.Context, rec *models.SuppressionRecord) error {
	query := `
		INSERT INTO suppressions (id, dedup_key, disaster_type, location, z_score, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	return instrumentQuery("store_suppression", func() error {
		_, err := r.db.ExecContext(ctx, query,
			rec.ID, rec.DedupKey, rec.DisasterType, rec.Location, rec.ZScore, rec.CreatedAt)
		return err
	})
}

// StoreSamples appends raw per-window samples for a signal. Used by the
// collector so detector state can be re-seeded after a restart.
func (r *SQLiteRepository) StoreSamples(ctx context.Context, signal string, samples []models.Sample) error {
	if len(samples) == 0 {
		return nil
	}
	query := `INSERT INTO signal_metrics (signal, value, source_tag, sample_text, observed_at) VALUES (?, ?, ?, ?, ?)`
	return instrumentQuery("store_samples", func() error {
		tx, err := r.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		for _, s := range samples {
			if _, err := tx.ExecContext(ctx, query, signal, s.Value, s.SourceTag, s.Text, s.Timestamp); err != nil {
				_ = tx.Rollback()
				return err
			}
		}
		return tx.Commit()
	})
}

// RecentSamples returns up to limit samples for a signal in
// chronological order. Used to warm detector windows at startup.
func (r *SQLiteRepository) RecentSamples(ctx context.Context, signal string, limit int) ([]models.Sample, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT value, source_tag, sample_text, observed_at FROM (
			SELECT value, source_tag, sample_text, observed_at FROM signal_metrics
			WHERE signal = ? ORDER BY observed_at DESC LIMIT ?
		) ORDER BY observed_at ASC
	`
	var samples []models.Sample
	err := instrumentQuery("recent_samples", func() error {
		return r.db.SelectContext(ctx, &samples, query, signal, limit)
	})
	return samples, err
}

// CleanupResult reports how many rows a retention pass removed.
type CleanupResult struct {
	SamplesDeleted      int64
	AlertsDeleted       int64
	SuppressionsDeleted int64
}

// Cleanup deletes samples older than sampleRetention and terminal alerts
// and suppressions older than alertRetention.
func (r *SQLiteRepository) Cleanup(ctx context.Context, sampleRetention, alertRetention time.Duration) (CleanupResult, error) {
	var result CleanupResult
	now := time.Now().UTC()

	err := instrumentQuery("cleanup", func() error {
		res, err := r.db.ExecContext(ctx,
			`DELETE FROM signal_metrics WHERE observed_at < ?`, now.Add(-sampleRetention))
		if err != nil {
			return fmt.Errorf("cleanup samples: %w", err)
		}
		result.SamplesDeleted, _ = res.RowsAffected()

		res, err = r.db.ExecContext(ctx,
			`DELETE FROM alerts WHERE created_at < ? AND status IN (?, ?)`,
			now.Add(-alertRetention), models.AlertDispatched, models.AlertFailedDispatch)
		if err != nil {
			return fmt.Errorf("cleanup alerts: %w", err)
		}
		result.AlertsDeleted, _ = res.RowsAffected()

		res, err = r.db.ExecContext(ctx,
			`DELETE FROM suppressions WHERE created_at < ?`, now.Add(-alertRetention))
		if err != nil {
			return fmt.Errorf("cleanup suppressions: %w", err)
		}
		result.SuppressionsDeleted, _ = res.RowsAffected()
		return nil
	})
	return result, err
}
