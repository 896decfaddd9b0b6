package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database with methods for revive records, settings,
// and the payment ledger. One Store is opened per process and shared.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir, runs pending
// migrations, and folds in any pre-versioning legacy table.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "revtally.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w: %v", ErrUnavailable, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w: %v", ErrUnavailable, err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	if err := s.migrateLegacy(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating legacy records: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// migrateLegacy folds the pre-versioning, single-mode "revives" table into
// revive_records under ModeIndividual. Rows without an id or timestamp are
// skipped; the legacy table is dropped only after the copy commits.
func (s *Store) migrateLegacy() error {
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='revives'").Scan(&count)
	if err != nil {
		return fmt.Errorf("checking for legacy table: %w", err)
	}
	if count == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning legacy migration: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRow("SELECT COUNT(*) FROM revives").Scan(&total); err != nil {
		return fmt.Errorf("counting legacy rows: %w", err)
	}

	res, err := tx.Exec(`
		INSERT OR IGNORE INTO revive_records
			(mode, id, timestamp, outcome, chance,
			 reviver_id, reviver_name, reviver_faction_id, reviver_faction_name, reviver_skill,
			 target_id, target_name, target_faction_id, target_faction_name, target_reason)
		SELECT ?, id, timestamp, COALESCE(outcome, 'failure'), COALESCE(chance, 0),
			COALESCE(reviver_id, 0), COALESCE(reviver_name, ''),
			COALESCE(reviver_faction_id, 0), COALESCE(reviver_faction_name, ''),
			COALESCE(reviver_skill, 0),
			COALESCE(target_id, 0), COALESCE(target_name, ''),
			COALESCE(target_faction_id, 0), COALESCE(target_faction_name, ''),
			COALESCE(target_reason, '')
		FROM revives
		WHERE id IS NOT NULL AND timestamp IS NOT NULL`, string(ModeIndividual))
	if err != nil {
		return fmt.Errorf("copying legacy rows: %w", err)
	}

	if _, err := tx.Exec("DROP TABLE revives"); err != nil {
		return fmt.Errorf("dropping legacy table: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing legacy migration: %w", err)
	}

	copied, _ := res.RowsAffected()
	if skipped := int64(total) - copied; skipped > 0 {
		slog.Warn("legacy migration skipped malformed rows", "skipped", skipped, "copied", copied)
	} else {
		slog.Info("legacy revive table migrated", "copied", copied)
	}
	return nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Revive records ---

// PutRecords upserts records by id within the given mode. The batch applies
// all-or-nothing: on any failure the transaction rolls back and the cache is
// unchanged. Re-merging an overlapping page is a no-op for existing ids
// beyond refreshing their fields.
func (s *Store) PutRecords(mode Mode, records []RawRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning record batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO revive_records
			(mode, id, timestamp, outcome, chance,
			 reviver_id, reviver_name, reviver_faction_id, reviver_faction_name, reviver_skill,
			 target_id, target_name, target_faction_id, target_faction_name, target_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(mode, id) DO UPDATE SET
			timestamp = excluded.timestamp,
			outcome = excluded.outcome,
			chance = excluded.chance,
			reviver_id = excluded.reviver_id,
			reviver_name = excluded.reviver_name,
			reviver_faction_id = excluded.reviver_faction_id,
			reviver_faction_name = excluded.reviver_faction_name,
			reviver_skill = excluded.reviver_skill,
			target_id = excluded.target_id,
			target_name = excluded.target_name,
			target_faction_id = excluded.target_faction_id,
			target_faction_name = excluded.target_faction_name,
			target_reason = excluded.target_reason`)
	if err != nil {
		return fmt.Errorf("preparing record upsert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.Exec(
			string(mode), r.ID, r.Timestamp, r.Outcome, r.Chance,
			r.Reviver.ID, r.Reviver.Name, r.Reviver.FactionID, r.Reviver.FactionName, r.Reviver.Skill,
			r.Target.ID, r.Target.Name, r.Target.FactionID, r.Target.FactionName, r.Target.HospitalReason,
		); err != nil {
			return fmt.Errorf("upserting record %d: %w", r.ID, err)
		}
	}

	return tx.Commit()
}

// GetAll returns every cached record for the mode, newest first. Ties on
// timestamp are broken by id so iteration order is deterministic.
func (s *Store) GetAll(mode Mode) ([]RawRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, timestamp, outcome, chance,
			reviver_id, reviver_name, reviver_faction_id, reviver_faction_name, reviver_skill,
			target_id, target_name, target_faction_id, target_faction_name, target_reason
		FROM revive_records WHERE mode = ?
		ORDER BY timestamp DESC, id DESC`, string(mode))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []RawRecord
	for rows.Next() {
		var r RawRecord
		if err := rows.Scan(
			&r.ID, &r.Timestamp, &r.Outcome, &r.Chance,
			&r.Reviver.ID, &r.Reviver.Name, &r.Reviver.FactionID, &r.Reviver.FactionName, &r.Reviver.Skill,
			&r.Target.ID, &r.Target.Name, &r.Target.FactionID, &r.Target.FactionName, &r.Target.HospitalReason,
		); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// OldestTimestamp returns the minimum cached timestamp for the mode, or
// ok=false when the mode has no cached records.
func (s *Store) OldestTimestamp(mode Mode) (int64, bool, error) {
	var min sql.NullInt64
	err := s.db.QueryRow(
		"SELECT MIN(timestamp) FROM revive_records WHERE mode = ?", string(mode)).Scan(&min)
	if err != nil {
		return 0, false, err
	}
	if !min.Valid {
		return 0, false, nil
	}
	return min.Int64, true, nil
}

// CountRecords returns the number of cached records for the mode.
func (s *Store) CountRecords(mode Mode) (int, error) {
	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM revive_records WHERE mode = ?", string(mode)).Scan(&n)
	return n, err
}

// --- Settings ---

func (s *Store) PutSetting(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetSetting(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return value, err
}

// GetExclusions returns the persisted exclusion sets, or empty sets when
// none have been stored yet.
func (s *Store) GetExclusions() (Exclusions, error) {
	raw, err := s.GetSetting(SettingExclusions)
	if err == ErrNotFound {
		return Exclusions{}, nil
	}
	if err != nil {
		return Exclusions{}, err
	}
	var ex Exclusions
	if err := json.Unmarshal([]byte(raw), &ex); err != nil {
		return Exclusions{}, fmt.Errorf("parsing exclusions setting: %w", err)
	}
	return ex, nil
}

func (s *Store) PutExclusions(ex Exclusions) error {
	b, err := json.Marshal(ex)
	if err != nil {
		return fmt.Errorf("marshaling exclusions: %w", err)
	}
	return s.PutSetting(SettingExclusions, string(b))
}

// GetReceiptConfig returns the persisted receipt configuration, or the
// zero config when none has been stored yet.
func (s *Store) GetReceiptConfig() (ReceiptConfig, error) {
	raw, err := s.GetSetting(SettingReceipt)
	if err == ErrNotFound {
		return ReceiptConfig{}, nil
	}
	if err != nil {
		return ReceiptConfig{}, err
	}
	var rc ReceiptConfig
	if err := json.Unmarshal([]byte(raw), &rc); err != nil {
		return ReceiptConfig{}, fmt.Errorf("parsing receipt setting: %w", err)
	}
	return rc, nil
}

func (s *Store) PutReceiptConfig(rc ReceiptConfig) error {
	b, err := json.Marshal(rc)
	if err != nil {
		return fmt.Errorf("marshaling receipt config: %w", err)
	}
	return s.PutSetting(SettingReceipt, string(b))
}

// --- Payment ledger ---

func (s *Store) PutPayment(timestamp, targetID int64, paid bool) error {
	_, err := s.db.Exec(`
		INSERT INTO payments (timestamp, target_id, paid, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(timestamp, target_id) DO UPDATE SET paid = excluded.paid, updated_at = excluded.updated_at`,
		timestamp, targetID, boolToInt(paid), time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetPayment(timestamp, targetID int64) (bool, error) {
	var paid int
	err := s.db.QueryRow(
		"SELECT paid FROM payments WHERE timestamp = ? AND target_id = ?",
		timestamp, targetID).Scan(&paid)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return paid != 0, nil
}

// AllPayments returns the full ledger keyed by "{timestamp}_{targetID}".
func (s *Store) AllPayments() (map[string]bool, error) {
	rows, err := s.db.Query("SELECT timestamp, target_id, paid FROM payments")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]bool)
	for rows.Next() {
		var ts, targetID int64
		var paid int
		if err := rows.Scan(&ts, &targetID, &paid); err != nil {
			return nil, err
		}
		result[PaymentKey(ts, targetID)] = paid != 0
	}
	return result, rows.Err()
}

// --- Maintenance ---

// ClearAll wipes every collection atomically. Schema and migration history
// stay in place.
func (s *Store) ClearAll() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning clear: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"revive_records", "settings", "payments"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}
	return tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
