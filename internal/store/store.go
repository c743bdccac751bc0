// Package store persists licenses, machine activations, subscriptions,
// rate-limit counters, webhook replay markers, settings and audit events in
// SQLite. It is the single shared mutable resource of the service: every
// multi-row invariant (activation ceiling, revocation cascade) is enforced
// here inside one transaction.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"keymint/internal/infrastructure"
)

const cleanupInterval = 10 * time.Minute

// Store wraps the SQLite database handle
type Store struct {
	db          *sql.DB
	logger      *slog.Logger
	stopCleanup chan struct{}

	markerRetention time.Duration
	windowRetention time.Duration
}

// Options tunes retention behaviour of the background cleanup loop
type Options struct {
	// MarkerRetention bounds how long processed webhook-event markers are
	// kept. Replays older than this are no longer detected.
	MarkerRetention time.Duration
	// WindowRetention bounds how long expired rate-limit windows are kept.
	WindowRetention time.Duration
}

// Open opens (or creates) the database at path and initializes the schema
func Open(path string, logger *slog.Logger, opts Options) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// modernc.org/sqlite serializes writers; a single connection avoids
	// SQLITE_BUSY churn under concurrent transactions.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if opts.MarkerRetention == 0 {
		opts.MarkerRetention = 90 * 24 * time.Hour
	}
	if opts.WindowRetention == 0 {
		opts.WindowRetention = time.Hour
	}

	s := &Store{
		db:              db,
		logger:          infrastructure.WithComponent(logger, "store"),
		stopCleanup:     make(chan struct{}),
		markerRetention: opts.MarkerRetention,
		windowRetention: opts.WindowRetention,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	go s.cleanupLoop()
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS licenses (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		license_key TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL DEFAULT 'active',
		customer_email TEXT NOT NULL DEFAULT '',
		product_ref TEXT NOT NULL DEFAULT '',
		order_ref TEXT NOT NULL DEFAULT '',
		max_activations INTEGER NOT NULL,
		expires_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_licenses_order_ref ON licenses(order_ref);
	CREATE INDEX IF NOT EXISTS idx_licenses_customer_email ON licenses(customer_email);

	CREATE TABLE IF NOT EXISTS activations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		license_id INTEGER NOT NULL REFERENCES licenses(id),
		fingerprint_hash TEXT NOT NULL,
		machine_hash TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		revoked INTEGER NOT NULL DEFAULT 0,
		revoked_reason TEXT NOT NULL DEFAULT '',
		ip_address TEXT NOT NULL DEFAULT '',
		activated_at INTEGER NOT NULL,
		deactivated_at INTEGER,
		revoked_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_activations_license ON activations(license_id);
	CREATE INDEX IF NOT EXISTS idx_activations_binding
		ON activations(license_id, fingerprint_hash, machine_hash);

	CREATE TABLE IF NOT EXISTS subscriptions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		license_id INTEGER NOT NULL UNIQUE REFERENCES licenses(id),
		external_id TEXT NOT NULL UNIQUE,
		provider TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		auto_renew INTEGER NOT NULL DEFAULT 1,
		last_payment_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS rate_limit_windows (
		subject TEXT NOT NULL,
		endpoint TEXT NOT NULL,
		window_start INTEGER NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (subject, endpoint, window_start)
	);

	CREATE TABLE IF NOT EXISTS webhook_events (
		provider TEXT NOT NULL,
		event_id TEXT NOT NULL,
		processed_at INTEGER NOT NULL,
		PRIMARY KEY (provider, event_id)
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		category TEXT NOT NULL,
		event_type TEXT NOT NULL,
		severity TEXT NOT NULL DEFAULT '',
		details TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_events_category ON audit_events(category, created_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			// Each sweep gets its own trace id so its log lines correlate
			ctx := infrastructure.EnsureTraceID(context.Background())
			now := time.Now().UTC()
			if err := s.DeleteExpiredWindows(ctx, now.Add(-s.windowRetention)); err != nil {
				s.logger.WarnContext(ctx, "failed to delete expired rate-limit windows", slog.String("error", err.Error()))
			}
			if err := s.DeleteExpiredMarkers(ctx, now.Add(-s.markerRetention)); err != nil {
				s.logger.WarnContext(ctx, "failed to delete expired webhook markers", slog.String("error", err.Error()))
			}
		case <-s.stopCleanup:
			return
		}
	}
}

// Ping verifies database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close stops the cleanup loop and closes the database
func (s *Store) Close() error {
	close(s.stopCleanup)
	return s.db.Close()
}

// inTx runs fn inside a transaction. The pool is capped at one connection, so
// concurrent read-modify-write sequences serialize here instead of racing.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
