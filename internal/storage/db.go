// Package storage persists the small amount of local state the realtime
// core owns: the per-user notification log (capped at the 50 most recent
// entries) and the directory display-name cache.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// notificationCap is the maximum number of notification log entries kept.
// Appending beyond the cap evicts the oldest entries.
const notificationCap = 50

// Notification is one entry of the durable per-user notification log.
type Notification struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Read      bool      `json:"read"`
}

// DB wraps the local SQLite database for one user.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens or creates the database under dataDir.
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "livecomm.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS notifications (
			id        TEXT PRIMARY KEY,
			type      TEXT NOT NULL,
			title     TEXT NOT NULL,
			message   TEXT NOT NULL,
			ts        INTEGER NOT NULL,
			read      INTEGER NOT NULL DEFAULT 0,
			seq       INTEGER
		);
		CREATE TABLE IF NOT EXISTS directory_cache (
			identity     TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			fetched_at   INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &DB{db: db, path: dbPath}, nil
}

// AppendNotification inserts one entry and evicts the oldest entries beyond
// the cap. Inserting an entry whose ID already exists is a no-op, which
// keeps replays of the same event from duplicating the log.
func (d *DB) AppendNotification(n Notification) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("append notification: %w", err)
	}
	defer tx.Rollback()

	read := 0
	if n.Read {
		read = 1
	}
	if _, err := tx.Exec(
		`INSERT OR IGNORE INTO notifications (id, type, title, message, ts, read) VALUES (?, ?, ?, ?, ?, ?)`,
		n.ID, n.Type, n.Title, n.Message, n.Timestamp.UnixMilli(), read,
	); err != nil {
		return fmt.Errorf("append notification: %w", err)
	}

	// seq (rowid ordering) breaks ties between entries inserted within the
	// same millisecond, so eviction and reads stay deterministic.
	if _, err := tx.Exec(`
		DELETE FROM notifications WHERE id NOT IN (
			SELECT id FROM notifications ORDER BY ts DESC, rowid DESC LIMIT ?
		)`, notificationCap,
	); err != nil {
		return fmt.Errorf("evict notifications: %w", err)
	}

	return tx.Commit()
}

// Notifications returns the log, newest first, at most the cap.
func (d *DB) Notifications() ([]Notification, error) {
	rows, err := d.db.Query(
		`SELECT id, type, title, message, ts, read FROM notifications ORDER BY ts DESC, rowid DESC LIMIT ?`,
		notificationCap,
	)
	if err != nil {
		return nil, fmt.Errorf("read notifications: %w", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		var ts int64
		var read int
		if err := rows.Scan(&n.ID, &n.Type, &n.Title, &n.Message, &ts, &read); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.Timestamp = time.UnixMilli(ts)
		n.Read = read != 0
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkNotificationRead flags one entry as read.
func (d *DB) MarkNotificationRead(id string) error {
	_, err := d.db.Exec(`UPDATE notifications SET read = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	return nil
}

// CacheName stores a directory display name for an identity.
func (d *DB) CacheName(identity, displayName string) error {
	_, err := d.db.Exec(
		`INSERT INTO directory_cache (identity, display_name, fetched_at) VALUES (?, ?, ?)
		 ON CONFLICT(identity) DO UPDATE SET display_name = excluded.display_name, fetched_at = excluded.fetched_at`,
		identity, displayName, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("cache name: %w", err)
	}
	return nil
}

// CachedName looks up a directory display name. ok is false on a miss.
func (d *DB) CachedName(identity string) (name string, ok bool) {
	err := d.db.QueryRow(
		`SELECT display_name FROM directory_cache WHERE identity = ?`, identity,
	).Scan(&name)
	if err != nil {
		return "", false
	}
	return name, true
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}
