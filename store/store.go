// Package store persists Dump Job records, per-page generation history and
// Policy Match rows to a SQLite database: WAL mode, one schema-init
// function per table group, Insert* methods that return a wrapped error
// rather than panicking.
package store

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite handle backing the index.
type DB struct {
	db *sql.DB
}

// DumpJobRecord mirrors one persisted Dump Job.
type DumpJobRecord struct {
	Sequence     uint32
	PID          uint64
	RIP          uint64
	TriggerGVA   uint64
	SegmentCount int
	Timestamp    time.Time
}

// PolicyMatchRecord mirrors one Policy Match: a process that was vetoed
// from instrumentation by a Sigma rule.
type PolicyMatchRecord struct {
	PID       uint64
	ImageName string
	RuleName  string
	Timestamp time.Time
}

// Open creates (or reuses) the index database under dataDir.
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("store: failed to create data directory: %v", err)
	}

	dbPath := filepath.Join(dataDir, "vmi-unpack.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %v", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to enable WAL mode: %v", err)
	}

	if err := initDumpJobSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to initialize dump job schema: %v", err)
	}
	if err := initGenerationSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to initialize generation schema: %v", err)
	}
	if err := initPolicySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to initialize policy schema: %v", err)
	}

	return &DB{db: db}, nil
}

func initDumpJobSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS dump_jobs (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		sequence      INTEGER NOT NULL,
		pid           INTEGER NOT NULL,
		rip           INTEGER NOT NULL,
		trigger_gva   INTEGER NOT NULL,
		segment_count INTEGER NOT NULL,
		timestamp     DATETIME NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create dump_jobs table: %v", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_dump_jobs_pid ON dump_jobs(pid);",
		"CREATE INDEX IF NOT EXISTS idx_dump_jobs_sequence ON dump_jobs(sequence);",
	}
	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %v", err)
		}
	}
	return nil
}

func initGenerationSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS page_generations (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		pid        INTEGER NOT NULL,
		vpn        INTEGER NOT NULL,
		generation INTEGER NOT NULL,
		timestamp  DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_page_generations_pid_vpn ON page_generations(pid, vpn);`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create page_generations table: %v", err)
	}
	return nil
}

func initPolicySchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS policy_matches (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		pid        INTEGER NOT NULL,
		image_name TEXT NOT NULL,
		rule_name  TEXT NOT NULL,
		timestamp  DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_policy_matches_pid ON policy_matches(pid);`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create policy_matches table: %v", err)
	}
	return nil
}

// InsertDumpJob records a completed Dump Job.
func (d *DB) InsertDumpJob(rec DumpJobRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	_, err := d.db.Exec(
		`INSERT INTO dump_jobs (sequence, pid, rip, trigger_gva, segment_count, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Sequence, rec.PID, rec.RIP, rec.TriggerGVA, rec.SegmentCount, rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("store: failed to insert dump job: %v", err)
	}
	return nil
}

// RecordGeneration implements wx.GenerationRecorder, mirroring a page's
// generation bump into the history table. Best-effort: a write failure is
// logged, never surfaced as a blocking error on the event loop.
func (d *DB) RecordGeneration(pid, vpn, generation uint64) {
	_, err := d.db.Exec(
		`INSERT INTO page_generations (pid, vpn, generation, timestamp) VALUES (?, ?, ?, ?)`,
		pid, vpn, generation, time.Now(),
	)
	if err != nil {
		log.Printf("store: failed to insert generation record pid=%d vpn=%d: %v", pid, vpn, err)
	}
}

// InsertPolicyMatch records a Policy Match veto.
func (d *DB) InsertPolicyMatch(rec PolicyMatchRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	_, err := d.db.Exec(
		`INSERT INTO policy_matches (pid, image_name, rule_name, timestamp) VALUES (?, ?, ?, ?)`,
		rec.PID, rec.ImageName, rec.RuleName, rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("store: failed to insert policy match: %v", err)
	}
	return nil
}

// ListDumpJobs returns the most recent dump job records, newest first.
func (d *DB) ListDumpJobs(limit int) ([]DumpJobRecord, error) {
	rows, err := d.db.Query(
		`SELECT sequence, pid, rip, trigger_gva, segment_count, timestamp FROM dump_jobs ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query dump jobs: %v", err)
	}
	defer rows.Close()

	var out []DumpJobRecord
	for rows.Next() {
		var rec DumpJobRecord
		if err := rows.Scan(&rec.Sequence, &rec.PID, &rec.RIP, &rec.TriggerGVA, &rec.SegmentCount, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("store: failed to scan dump job row: %v", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListPolicyMatches returns the most recent policy match records, newest
// first.
func (d *DB) ListPolicyMatches(limit int) ([]PolicyMatchRecord, error) {
	rows, err := d.db.Query(
		`SELECT pid, image_name, rule_name, timestamp FROM policy_matches ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query policy matches: %v", err)
	}
	defer rows.Close()

	var out []PolicyMatchRecord
	for rows.Next() {
		var rec PolicyMatchRecord
		if err := rows.Scan(&rec.PID, &rec.ImageName, &rec.RuleName, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("store: failed to scan policy match row: %v", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (d *DB) Close() error {
	return d.db.Close()
}
