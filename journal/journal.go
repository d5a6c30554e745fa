// Package journal keeps a durable record of host lifecycle transitions in
// SQLite, so that a reborn process can tell why its predecessor ended.
package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/tomyedwab/enginehost/lifecycle"
)

// Entry is one journaled transition.
type Entry struct {
	ID         string `db:"id"`
	HostID     string `db:"host_id"`
	PID        int    `db:"pid"`
	Transition string `db:"transition"`
	Handle     uint64 `db:"handle"`
	Command    string `db:"command"`
	Detail     string `db:"detail"`
	Timestamp  int64  `db:"timestamp"` // Unix milliseconds
}

func (e Entry) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Journal writes lifecycle events to the lifecycle_events table.
type Journal struct {
	db  *sqlx.DB
	pid int
}

// Open connects to the SQLite database at path and prepares the schema.
func Open(path string, pid int) (*Journal, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %s: %w", path, err)
	}
	j, err := New(db, pid)
	if err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// New wraps an existing connection. pid is stamped on every entry.
func New(db *sqlx.DB, pid int) (*Journal, error) {
	if err := DBInit(db); err != nil {
		return nil, fmt.Errorf("failed to initialize journal: %w", err)
	}
	return &Journal{db: db, pid: pid}, nil
}

// DBInit creates the lifecycle_events table and its indexes.
func DBInit(db *sqlx.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS lifecycle_events (
		id TEXT PRIMARY KEY,
		host_id TEXT NOT NULL,
		pid INTEGER NOT NULL,
		transition TEXT NOT NULL,
		handle INTEGER NOT NULL DEFAULT 0,
		command TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		timestamp INTEGER NOT NULL
	)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_lifecycle_events_timestamp ON lifecycle_events(timestamp)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_lifecycle_events_host_id ON lifecycle_events(host_id)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_lifecycle_events_transition ON lifecycle_events(transition)`)
	return err
}

// Record implements lifecycle.Recorder.
func (j *Journal) Record(ctx context.Context, ev lifecycle.Event) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO lifecycle_events (
			id, host_id, pid, transition, handle, command, detail, timestamp
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.New().String(),
		ev.HostID,
		j.pid,
		string(ev.Transition),
		ev.Handle.ID,
		ev.Command.String(),
		ev.Detail,
		at.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to journal %s: %w", ev.Transition, err)
	}
	return nil
}

// RecentEvents returns the newest entries first.
func (j *Journal) RecentEvents(ctx context.Context, limit int) ([]Entry, error) {
	var entries []Entry
	err := j.db.SelectContext(ctx, &entries,
		"SELECT * FROM lifecycle_events ORDER BY timestamp DESC, rowid DESC LIMIT $1",
		limit)
	return entries, err
}

// EventsByHost returns the entries written by one host object, newest first.
func (j *Journal) EventsByHost(ctx context.Context, hostID string, limit int) ([]Entry, error) {
	var entries []Entry
	err := j.db.SelectContext(ctx, &entries,
		"SELECT * FROM lifecycle_events WHERE host_id = $1 ORDER BY timestamp DESC, rowid DESC LIMIT $2",
		hostID, limit)
	return entries, err
}

// EventsByTransition returns entries of one kind, newest first.
func (j *Journal) EventsByTransition(ctx context.Context, t lifecycle.Transition, limit int) ([]Entry, error) {
	var entries []Entry
	err := j.db.SelectContext(ctx, &entries,
		"SELECT * FROM lifecycle_events WHERE transition = $1 ORDER BY timestamp DESC, rowid DESC LIMIT $2",
		string(t), limit)
	return entries, err
}

// LastTerminal returns the most recent entry that ended a process, if any.
func (j *Journal) LastTerminal(ctx context.Context) (Entry, bool, error) {
	var entries []Entry
	err := j.db.SelectContext(ctx, &entries,
		"SELECT * FROM lifecycle_events WHERE transition IN ($1, $2, $3) ORDER BY timestamp DESC, rowid DESC LIMIT 1",
		string(lifecycle.TransitionForceQuit),
		string(lifecycle.TransitionRebirth),
		string(lifecycle.TransitionRestart))
	if err != nil {
		return Entry{}, false, err
	}
	if len(entries) == 0 {
		return Entry{}, false, nil
	}
	return entries[0], true, nil
}

// DeleteOldEvents removes entries older than olderThan.
func (j *Journal) DeleteOldEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	threshold := time.Now().UTC().Add(-olderThan).UnixMilli()
	result, err := j.db.ExecContext(ctx, "DELETE FROM lifecycle_events WHERE timestamp < $1", threshold)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (j *Journal) Close() error {
	return j.db.Close()
}

var _ lifecycle.Recorder = (*Journal)(nil)
