package db

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Register pure-Go SQLite driver for database/sql

	"github.com/mescon/Pollarr/internal/config"
	"github.com/mescon/Pollarr/internal/crypto"
	"github.com/mescon/Pollarr/internal/domain"
	"github.com/mescon/Pollarr/internal/logger"
)

// MaxRetries is the number of attempts for a statement that hits SQLITE_BUSY.
const MaxRetries = 5

// RetryDelay is the base delay between retries (doubled per attempt).
const RetryDelay = 100 * time.Millisecond

// TimeLayout is how timestamps are stored. It sorts lexically and matches
// SQLite's CURRENT_TIMESTAMP format.
const TimeLayout = "2006-01-02 15:04:05.000"

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Repository provides database access methods for the application.
type Repository struct {
	DB      *sql.DB
	path    string
	secrets *crypto.KeyManager
}

// NewRepository opens (creating if needed) the database at dbPath and
// applies pending migrations.
func NewRepository(dbPath string) (*Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL allows concurrent readers plus one writer; keep the pool small.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := configureSQLite(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	repo := &Repository{DB: db, path: dbPath, secrets: crypto.Default()}
	if err := repo.runMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := repo.checkIntegrity(); err != nil {
		logger.Errorf("Warning: database integrity check failed: %v", err)
	}
	return repo, nil
}

// UseKeyManager replaces the key used for stored secrets.
func (r *Repository) UseKeyManager(km *crypto.KeyManager) {
	r.secrets = km
}

// Path returns the database file path.
func (r *Repository) Path() string {
	return r.path
}

func configureSQLite(db *sql.DB) error {
	critical := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=10000",
	}
	for _, pragma := range critical {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to set critical pragma %s: %w", pragma, err)
		}
	}

	optional := []string{
		"PRAGMA synchronous=NORMAL",
		"PRAGMA auto_vacuum=INCREMENTAL",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range optional {
		if _, err := db.Exec(pragma); err != nil {
			logger.Debugf("Failed to set optional pragma %s: %v", pragma, err)
		}
	}
	return nil
}

func (r *Repository) checkIntegrity() error {
	return quickCheck(r.DB)
}

func quickCheck(db *sql.DB) error {
	var result string
	if err := db.QueryRow("PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check query failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

// Ping checks that the database answers.
func (r *Repository) Ping(ctx context.Context) error {
	return r.DB.PingContext(ctx)
}

// Close closes the database connection.
func (r *Repository) Close() error {
	return r.DB.Close()
}

// GracefulClose merges the WAL into the main file and closes the database.
func (r *Repository) GracefulClose() error {
	if _, err := r.DB.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		logger.Warnf("Shutdown WAL checkpoint failed: %v", err)
	}
	if err := r.DB.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	logger.Infof("Database closed")
	return nil
}

// Checkpoint runs a passive (non-blocking) WAL checkpoint.
func (r *Repository) Checkpoint() error {
	if _, err := r.DB.Exec("PRAGMA wal_checkpoint(PASSIVE)"); err != nil {
		return fmt.Errorf("checkpoint failed: %w", err)
	}
	return nil
}

// =============================================================================
// Events
// =============================================================================

// AppendEvent persists e and returns its row ID.
func (r *Repository) AppendEvent(e domain.Event) (int64, error) {
	data, err := json.Marshal(e.EventData)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event data: %w", err)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.EventVersion == 0 {
		e.EventVersion = 1
	}

	res, err := ExecWithRetry(r.DB, `
		INSERT INTO events (aggregate_type, aggregate_id, event_type, event_data, event_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.AggregateType, e.AggregateID, e.EventType, string(data), e.EventVersion, e.CreatedAt.UTC().Format(TimeLayout))
	if err != nil {
		return 0, fmt.Errorf("failed to insert event: %w", err)
	}
	return res.LastInsertId()
}

// ServiceHistory returns the most recent poll events of one service, newest first.
func (r *Repository) ServiceHistory(service string, limit int) ([]domain.Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := QueryWithRetry(r.DB, `
		SELECT id, aggregate_type, aggregate_id, event_type, event_data, event_version, created_at
		FROM events
		WHERE aggregate_type = ? AND aggregate_id = ? AND event_type IN (?, ?)
		ORDER BY id DESC
		LIMIT ?
	`, domain.AggregateService, service, domain.PollSucceeded, domain.PollFailed, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// RecentEvents returns the newest events of any kind, newest first.
func (r *Repository) RecentEvents(limit int) ([]domain.Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := QueryWithRetry(r.DB, `
		SELECT id, aggregate_type, aggregate_id, event_type, event_data, event_version, created_at
		FROM events ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	var events []domain.Event
	for rows.Next() {
		var e domain.Event
		var data, created string
		if err := rows.Scan(&e.ID, &e.AggregateType, &e.AggregateID, &e.EventType, &data, &e.EventVersion, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(data), &e.EventData); err != nil {
			return nil, fmt.Errorf("event %d: %w", e.ID, err)
		}
		e.CreatedAt = parseTime(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

func parseTime(s string) time.Time {
	for _, layout := range []string{TimeLayout, "2006-01-02 15:04:05", time.RFC3339Nano} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t
		}
	}
	return time.Time{}
}

// PruneEvents deletes events older than retentionDays. 0 disables pruning.
func (r *Repository) PruneEvents(retentionDays int, now time.Time) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := now.AddDate(0, 0, -retentionDays).UTC().Format(TimeLayout)
	res, err := ExecWithRetry(r.DB, "DELETE FROM events WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return res.RowsAffected()
}

// RunMaintenance prunes old events, reclaims space and truncates the WAL.
func (r *Repository) RunMaintenance(retentionDays int, now time.Time) error {
	pruned, err := r.PruneEvents(retentionDays, now)
	if err != nil {
		return err
	}
	if pruned > 0 {
		logger.Infof("Maintenance: pruned %d old events", pruned)
	}

	ops := []struct {
		name string
		sql  string
	}{
		{"incremental vacuum", "PRAGMA incremental_vacuum"},
		{"optimize", "PRAGMA optimize"},
		{"WAL checkpoint", "PRAGMA wal_checkpoint(TRUNCATE)"},
	}
	for _, op := range ops {
		if _, err := r.DB.Exec(op.sql); err != nil {
			logger.Debugf("Maintenance: %s failed: %v", op.name, err)
		}
	}
	return nil
}

// =============================================================================
// Settings
// =============================================================================

// GetSetting returns ErrNotFound when key is unset.
func (r *Repository) GetSetting(key string) (string, error) {
	var value string
	err := r.DB.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return value, err
}

func (r *Repository) SetSetting(key, value string) error {
	_, err := ExecWithRetry(r.DB, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	return err
}

// =============================================================================
// Persisted service specs
// =============================================================================

// SaveService inserts or replaces a service definition. Header values are
// encrypted when an encryption key is configured.
func (r *Repository) SaveService(spec config.ServiceSpec) error {
	headers, err := r.secrets.EncryptValues(spec.Headers)
	if err != nil {
		return fmt.Errorf("failed to encrypt headers of %s: %w", spec.Name, err)
	}
	spec.Headers = headers
	data, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("failed to marshal service %s: %w", spec.Name, err)
	}
	_, err = ExecWithRetry(r.DB, `
		INSERT INTO services (name, kind, spec) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET kind = excluded.kind, spec = excluded.spec, updated_at = CURRENT_TIMESTAMP
	`, spec.Name, spec.Kind, string(data))
	return err
}

// DeleteService returns ErrNotFound when name is not stored.
func (r *Repository) DeleteService(name string) error {
	res, err := ExecWithRetry(r.DB, "DELETE FROM services WHERE name = ?", name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListServices returns stored service definitions ordered by name.
func (r *Repository) ListServices() ([]config.ServiceSpec, error) {
	rows, err := QueryWithRetry(r.DB, "SELECT name, spec FROM services ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var specs []config.ServiceSpec
	for rows.Next() {
		var name, data string
		if err := rows.Scan(&name, &data); err != nil {
			return nil, err
		}
		var spec config.ServiceSpec
		if err := json.Unmarshal([]byte(data), &spec); err != nil {
			logger.Warnf("Skipping unreadable stored service %s: %v", name, err)
			continue
		}
		headers, err := r.secrets.DecryptValues(spec.Headers)
		if err != nil {
			logger.Warnf("Skipping stored service %s: header %v", name, err)
			continue
		}
		spec.Headers = headers
		specs = append(specs, spec)
	}
	return specs, rows.Err()
}

// =============================================================================
// Migrations
// =============================================================================

func (r *Repository) runMigrations() error {
	if _, err := r.DB.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	var current int
	if err := r.DB.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	files, err := migrationFiles()
	if err != nil {
		return err
	}

	for _, file := range files {
		var version int
		if _, err := fmt.Sscanf(file, "%d_", &version); err != nil {
			logger.Errorf("Skipping invalid migration file: %s", file)
			continue
		}
		if version <= current {
			continue
		}
		logger.Infof("Applying migration: %s", file)
		if err := r.applyMigration(file, version); err != nil {
			return err
		}
	}
	return nil
}

// SchemaVersion returns the highest applied migration.
func (r *Repository) SchemaVersion() (int, error) {
	var v int
	err := r.DB.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v)
	return v, err
}

func migrationFiles() ([]string, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded migrations: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

func (r *Repository) applyMigration(file string, version int) error {
	content, err := migrationsFS.ReadFile("migrations/" + file)
	if err != nil {
		return fmt.Errorf("failed to read migration file %s: %w", file, err)
	}

	tx, err := r.DB.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(string(content)); err != nil {
		return fmt.Errorf("failed to execute migration %s: %w", file, err)
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("failed to record migration version %s: %w", file, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %s: %w", file, err)
	}
	return nil
}

// =============================================================================
// Backups
// =============================================================================

// Backup writes a consistent copy of the database into backupDir with
// VACUUM INTO, verifies it and keeps only the newest keep files.
func (r *Repository) Backup(backupDir string, keep int) (string, error) {
	if err := r.checkIntegrity(); err != nil {
		return "", fmt.Errorf("refusing to backup corrupted database: %w", err)
	}
	if err := os.MkdirAll(backupDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	backupPath := filepath.Join(backupDir, fmt.Sprintf("pollarr_%s.db", time.Now().Format("20060102_150405.000")))
	// backupPath is built from config and a timestamp, never from user input.
	if _, err := r.DB.Exec(fmt.Sprintf("VACUUM INTO '%s'", strings.ReplaceAll(backupPath, "'", "''"))); err != nil {
		_ = os.Remove(backupPath)
		return "", fmt.Errorf("backup failed: %w", err)
	}

	if err := verifyBackup(backupPath); err != nil {
		_ = os.Remove(backupPath)
		return "", fmt.Errorf("backup verification failed: %w", err)
	}
	logger.Infof("Database backup written: %s", filepath.Base(backupPath))

	if keep > 0 {
		cleanupOldBackups(backupDir, keep)
	}
	return backupPath, nil
}

func verifyBackup(path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("failed to open backup for verification: %w", err)
	}
	defer db.Close()
	return quickCheck(db)
}

// cleanupOldBackups removes all but the newest keep pollarr_*.db files.
func cleanupOldBackups(dir string, keep int) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Errorf("Failed to read backup directory: %v", err)
		return
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "pollarr_") && strings.HasSuffix(e.Name(), ".db") {
			names = append(names, e.Name())
		}
	}
	// Timestamped names sort chronologically.
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	for _, name := range names[min(keep, len(names)):] {
		path := filepath.Join(dir, filepath.Base(name))
		if err := os.Remove(path); err != nil {
			logger.Errorf("Failed to remove old backup %s: %v", path, err)
			continue
		}
		logger.Debugf("Removed old backup: %s", name)
	}
}
