// Package store persists download task state so in-flight transfers survive
// application restarts. The registry is the one resource shared across the
// whole engine: writes are serialized on a single database connection, and a
// lock file keeps a second process from opening the same registry.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	"github.com/pkgdrop/pkgdrop/internal/engine/types"
	"github.com/pkgdrop/pkgdrop/internal/logging"
)

// ErrLocked is returned when another process holds the registry.
var ErrLocked = errors.New("task registry is locked by another process")

// ErrNotFound is returned when no task with the given id is persisted.
var ErrNotFound = errors.New("task not found")

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id         TEXT PRIMARY KEY,
	product_id TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL,
	snapshot   BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// Registry is a durable key-value mapping from task id to serialized task
// snapshot, backed by SQLite. Saved-then-loaded snapshots round-trip exactly,
// including chunk boundaries and byte offsets.
type Registry struct {
	db   *sql.DB
	lock *flock.Flock
}

// Open creates or opens the registry under dir and acquires the single-writer
// lock. Returns ErrLocked if another process owns the registry.
func Open(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	lock := flock.New(filepath.Join(dir, "registry.lock"))
	held, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire registry lock: %w", err)
	}
	if !held {
		return nil, ErrLocked
	}

	dbPath := filepath.Join(dir, "tasks.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("failed to open task registry: %w", err)
	}

	// The registry has exactly one writer; a single connection avoids
	// SQLITE_BUSY during interleaved reads.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			lock.Unlock()
			return nil, fmt.Errorf("failed to configure registry: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		lock.Unlock()
		return nil, fmt.Errorf("failed to initialize registry schema: %w", err)
	}

	log := logging.For("store")
	log.Debug().Str("path", dbPath).Msg("Task registry opened")
	return &Registry{db: db, lock: lock}, nil
}

// Save upserts the snapshot, including its full chunk plan.
func (r *Registry) Save(snap types.TaskSnapshot) error {
	snap.UpdatedAt = time.Now().Unix()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal task %s: %w", snap.ID, err)
	}

	_, err = r.db.Exec(`
		INSERT INTO tasks (id, product_id, status, snapshot, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			product_id = excluded.product_id,
			status     = excluded.status,
			snapshot   = excluded.snapshot,
			updated_at = excluded.updated_at`,
		snap.ID, snap.ProductID, string(snap.Status), data, snap.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save task %s: %w", snap.ID, err)
	}
	return nil
}

// Load returns the snapshot for one task id.
func (r *Registry) Load(id string) (types.TaskSnapshot, error) {
	var data []byte
	err := r.db.QueryRow(`SELECT snapshot FROM tasks WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return types.TaskSnapshot{}, ErrNotFound
	}
	if err != nil {
		return types.TaskSnapshot{}, fmt.Errorf("failed to load task %s: %w", id, err)
	}

	var snap types.TaskSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return types.TaskSnapshot{}, fmt.Errorf("failed to unmarshal task %s: %w", id, err)
	}
	return snap, nil
}

// LoadAll returns every persisted snapshot, oldest first.
func (r *Registry) LoadAll() ([]types.TaskSnapshot, error) {
	rows, err := r.db.Query(`SELECT snapshot FROM tasks ORDER BY updated_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query task registry: %w", err)
	}
	defer rows.Close()

	var snaps []types.TaskSnapshot
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		var snap types.TaskSnapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil, fmt.Errorf("failed to unmarshal task row: %w", err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// Delete removes a task's persisted record.
func (r *Registry) Delete(id string) error {
	if _, err := r.db.Exec(`DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}
	return nil
}

// Close releases the database and the single-writer lock.
func (r *Registry) Close() error {
	err := r.db.Close()
	if uerr := r.lock.Unlock(); uerr != nil && err == nil {
		err = uerr
	}
	return err
}
