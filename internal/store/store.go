package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/piwardrive/piwardrive/internal/errs"
	"github.com/piwardrive/piwardrive/internal/retry"
)

// Options tunes the health write buffer.
type Options struct {
	BufferLimit   int           // flush when buffered records reach this count
	FlushInterval time.Duration // flush at least this often
}

// Store owns the SQLite database handle and provides typed CRUD over all
// persisted entities. At most one writer runs at a time (single-connection
// writer pool); reads may be concurrent.
type Store struct {
	db   *sql.DB
	path string

	bufMu    sync.Mutex
	buf      []HealthRecord
	bufLimit int

	flushInterval time.Duration
	flushing      atomic.Bool // Vacuum is a no-op while a flush is writing

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// writeRetry recovers transient disk faults: 3 retries at 50/200/800 ms,
// then the error surfaces as a StorageError. Constraint violations are
// non-retriable and surface immediately.
var writeRetry = retry.Policy{
	MaxAttempts: 4,
	Delays:      []time.Duration{50 * time.Millisecond, 200 * time.Millisecond, 800 * time.Millisecond},
	Retriable:   isTransientSQLite,
}

func isTransientSQLite(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "constraint") || strings.Contains(msg, "foreign key") {
		return false
	}
	return strings.Contains(msg, "busy") ||
		strings.Contains(msg, "locked") ||
		strings.Contains(msg, "disk i/o")
}

// Open initialises the store at path: creates the directory, opens the
// database with the recommended pragmas, runs all pending migrations, and
// starts the background flush worker.
func Open(path string, opts Options) (*Store, error) {
	if opts.BufferLimit <= 0 {
		opts.BufferLimit = 64
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 30 * time.Second
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := MigrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:            db,
		path:          path,
		bufLimit:      opts.BufferLimit,
		flushInterval: opts.FlushInterval,
		stopCh:        make(chan struct{}),
	}
	s.wg.Add(1)
	go s.flushLoop()
	return s, nil
}

// DB exposes the underlying handle for migration tooling and tests.
func (s *Store) DB() *sql.DB { return s.db }

// Close performs a final flush, stops the worker, and closes the database.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	if err := s.Flush(); err != nil {
		log.Printf("[store] final flush: %v", err)
	}
	return s.db.Close()
}

func (s *Store) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.Flush(); err != nil {
				log.Printf("[store] periodic flush: %v", err)
			}
		}
	}
}

// SaveHealth appends a health record to the write buffer. The buffer is
// flushed transactionally when it reaches the configured limit, when the
// flush interval elapses, or when Flush is called.
func (s *Store) SaveHealth(rec HealthRecord) error {
	if rec.Timestamp == "" {
		return errs.New(errs.KindValidation, "health record requires a timestamp")
	}

	s.bufMu.Lock()
	s.buf = append(s.buf, rec)
	full := len(s.buf) >= s.bufLimit
	s.bufMu.Unlock()

	if full {
		return s.Flush()
	}
	return nil
}

// Flush writes all buffered health records in a single transaction.
// On failure the batch is put back at the front of the buffer.
func (s *Store) Flush() error {
	s.bufMu.Lock()
	if len(s.buf) == 0 {
		s.bufMu.Unlock()
		return nil
	}
	batch := s.buf
	s.buf = nil
	s.bufMu.Unlock()

	s.flushing.Store(true)
	defer s.flushing.Store(false)

	err := writeRetry.Do(context.Background(), func(context.Context) error {
		return s.insertHealthBatch(batch)
	})
	if err != nil {
		s.bufMu.Lock()
		s.buf = append(batch, s.buf...)
		s.bufMu.Unlock()
		return errs.Wrap(errs.KindStorage, "flush health batch", err)
	}
	return nil
}

func (s *Store) insertHealthBatch(batch []HealthRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`INSERT INTO health_records
		(timestamp, cpu_temp, cpu_percent, mem_percent, disk_percent)
		VALUES (?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for i := range batch {
		r := &batch[i]
		if _, err := stmt.Exec(r.Timestamp, r.CPUTemp, r.CPUPercent, r.MemPercent, r.DiskPercent); err != nil {
			return fmt.Errorf("insert health record: %w", err)
		}
	}
	return tx.Commit()
}

// LoadRecentHealth returns the most recent n records, newest first.
// Buffered records are flushed first so callers observe their own writes.
func (s *Store) LoadRecentHealth(n int) ([]HealthRecord, error) {
	if n <= 0 {
		return nil, nil
	}
	if err := s.Flush(); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`SELECT id, timestamp, cpu_temp, cpu_percent, mem_percent, disk_percent
		FROM health_records ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "load recent health", err)
	}
	defer rows.Close()
	return scanHealthRows(rows)
}

// HealthAfter returns up to limit records with id > afterID, ascending.
// Used by the remote sync range extraction.
func (s *Store) HealthAfter(afterID int64, limit int) ([]HealthRecord, error) {
	if err := s.Flush(); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(`SELECT id, timestamp, cpu_temp, cpu_percent, mem_percent, disk_percent
		FROM health_records WHERE id > ? ORDER BY id ASC LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "health after", err)
	}
	defer rows.Close()
	return scanHealthRows(rows)
}

// HealthRange returns records with start <= timestamp <= end, ascending.
func (s *Store) HealthRange(start, end string) ([]HealthRecord, error) {
	if err := s.Flush(); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(`SELECT id, timestamp, cpu_temp, cpu_percent, mem_percent, disk_percent
		FROM health_records WHERE timestamp >= ? AND timestamp <= ? ORDER BY id ASC`, start, end)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "health range", err)
	}
	defer rows.Close()
	return scanHealthRows(rows)
}

func scanHealthRows(rows *sql.Rows) ([]HealthRecord, error) {
	var out []HealthRecord
	for rows.Next() {
		var r HealthRecord
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.CPUTemp, &r.CPUPercent, &r.MemPercent, &r.DiskPercent); err != nil {
			return nil, errs.Wrap(errs.KindStorage, "scan health record", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PurgeOldHealth deletes records with timestamp < cutoff and returns the
// number of rows removed.
func (s *Store) PurgeOldHealth(cutoff time.Time) (int64, error) {
	if err := s.Flush(); err != nil {
		return 0, err
	}
	var deleted int64
	err := writeRetry.Do(context.Background(), func(context.Context) error {
		res, err := s.db.Exec(`DELETE FROM health_records WHERE timestamp < ?`,
			cutoff.UTC().Format(time.RFC3339))
		if err != nil {
			return err
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, errs.Wrap(errs.KindStorage, "purge old health", err)
	}
	return deleted, nil
}

// Vacuum reclaims free pages. It is a no-op while a flush is writing.
func (s *Store) Vacuum() error {
	if s.flushing.Load() {
		return nil
	}
	if _, err := s.db.Exec("VACUUM"); err != nil {
		return errs.Wrap(errs.KindStorage, "vacuum", err)
	}
	return nil
}

// TableCounts returns row counts per user table for observability.
func (s *Store) TableCounts() (map[string]int64, error) {
	rows, err := s.db.Query(`SELECT name FROM sqlite_master
		WHERE type='table' AND name NOT LIKE 'sqlite_%' AND name != ?`, migrateDefaultTable)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "list tables", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errs.Wrap(errs.KindStorage, "scan table name", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.KindStorage, "iterate tables", err)
	}

	counts := make(map[string]int64, len(names))
	for _, name := range names {
		var n int64
		if err := s.db.QueryRow("SELECT COUNT(*) FROM " + name).Scan(&n); err != nil {
			return nil, errs.Wrap(errs.KindStorage, "count "+name, err)
		}
		counts[name] = n
	}
	return counts, nil
}
