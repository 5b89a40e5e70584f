// Package queue is the durable local store of readings waiting for upload.
//
// Entries live in a single SQLite table. Ids come from AUTOINCREMENT, so they
// grow strictly with append order and are never reused after a purge; the
// sync scheduler uses them as its high-water mark.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/pneulink/internal/codec"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

const driverName = "sqlite"

const lastSyncKey = "last_sync"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS queue_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		channel_id TEXT NOT NULL,
		pressure REAL NOT NULL,
		timestamp TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sync_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
}

// Entry is a queued reading with its local id.
type Entry struct {
	LocalID int64
	Reading codec.Reading
}

// Queue is safe for concurrent use. Mutations are serialized.
type Queue struct {
	db     *sql.DB
	logger *logrus.Logger
	mu     sync.Mutex
}

// Open opens (creating if needed) the SQLite database at path in WAL mode.
func Open(ctx context.Context, path string, logger *logrus.Logger) (*Queue, error) {
	if path == "" {
		return nil, errors.New("queue path is empty")
	}
	dsn := "file:" + path + "?" + url.Values{
		"_pragma": []string{"busy_timeout(5000)", "journal_mode(WAL)", "synchronous(NORMAL)"},
	}.Encode()

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database %q: %w", path, err)
	}
	// A single connection keeps SQLite writers from contending on the file lock.
	db.SetMaxOpenConns(1)

	q, err := New(ctx, db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	q.logger.WithField("path", path).Debug("Queue database opened")
	return q, nil
}

// New wraps an already opened database and applies the schema.
func New(ctx context.Context, db *sql.DB, logger *logrus.Logger) (*Queue, error) {
	if logger == nil {
		logger = logrus.New()
	}
	q := &Queue{db: db, logger: logger}
	if err := q.migrate(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := q.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply queue schema: %w", err)
		}
	}
	return nil
}

// Append stores readings in one transaction and returns their local ids.
// Either all readings are stored or none.
func (q *Queue) Append(ctx context.Context, readings []codec.Reading) ([]int64, error) {
	if len(readings) == 0 {
		return nil, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO queue_entries (channel_id, pressure, timestamp) VALUES (?, ?, ?)")
	if err != nil {
		return nil, fmt.Errorf("failed to prepare append: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	ids := make([]int64, 0, len(readings))
	for _, r := range readings {
		res, err := stmt.ExecContext(ctx, r.ChannelID(), r.Pressure(), r.FormatTimestamp())
		if err != nil {
			return nil, fmt.Errorf("failed to append reading %s: %w", r, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("failed to read appended id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit append: %w", err)
	}
	return ids, nil
}

// PeekBatch returns up to limit of the oldest entries without removing them.
func (q *Queue) PeekBatch(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("batch limit must be positive, got %d", limit)
	}

	rows, err := q.db.QueryContext(ctx,
		"SELECT id, channel_id, pressure, timestamp FROM queue_entries ORDER BY id ASC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var (
			id        int64
			channelID string
			pressure  float64
			tsText    string
		)
		if err := rows.Scan(&id, &channelID, &pressure, &tsText); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		ts, err := codec.ParseTimestamp(tsText)
		if err != nil {
			return nil, fmt.Errorf("queue entry %d: %w", id, err)
		}
		reading, err := codec.NewReading(channelID, pressure, ts)
		if err != nil {
			return nil, fmt.Errorf("queue entry %d: %w", id, err)
		}
		entries = append(entries, Entry{LocalID: id, Reading: reading})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read batch: %w", err)
	}
	return entries, nil
}

// PurgeUpTo deletes every entry with id <= localID and returns how many were removed.
// Repeating a purge, or purging below an earlier mark, removes nothing.
func (q *Queue) PurgeUpTo(ctx context.Context, localID int64) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	res, err := q.db.ExecContext(ctx, "DELETE FROM queue_entries WHERE id <= ?", localID)
	if err != nil {
		return 0, fmt.Errorf("failed to purge up to %d: %w", localID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to purge up to %d: %w", localID, err)
	}
	q.logger.WithFields(logrus.Fields{"up_to": localID, "removed": n}).Debug("Queue purged")
	return n, nil
}

// ClearAll deletes every entry. Operator use only: unsynced data is lost.
func (q *Queue) ClearAll(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	res, err := q.db.ExecContext(ctx, "DELETE FROM queue_entries")
	if err != nil {
		return 0, fmt.Errorf("failed to clear queue: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to clear queue: %w", err)
	}
	q.logger.WithField("removed", n).Warn("Local queue cleared")
	return n, nil
}

// Count returns the number of entries waiting for upload.
func (q *Queue) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := q.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM queue_entries").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count queue entries: %w", err)
	}
	return n, nil
}

// LastSync returns the time of the last successful sync, or the zero time if none was recorded.
func (q *Queue) LastSync(ctx context.Context) (time.Time, error) {
	var value string
	err := q.db.QueryRowContext(ctx, "SELECT value FROM sync_state WHERE key = ?", lastSyncKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read last sync time: %w", err)
	}
	return codec.ParseTimestamp(value)
}

// MarkSynced records t as the time of the last successful sync.
func (q *Queue) MarkSynced(ctx context.Context, t time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, err := q.db.ExecContext(ctx,
		"INSERT INTO sync_state (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		lastSyncKey, t.UTC().Format(codec.TimestampLayout))
	if err != nil {
		return fmt.Errorf("failed to record sync time: %w", err)
	}
	return nil
}

func (q *Queue) Close() error {
	return q.db.Close()
}
