// Package storage is the SQLite signaling store. Several peer processes on
// one host can share a database directory; each process learns about the
// others' writes through fsnotify events on the database files.
package storage

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	_ "modernc.org/sqlite"
)

// DBFile is the database file name inside the store directory.
const DBFile = "calls.db"

const schemaVersion = "1"

// DB wraps the SQLite database holding call records and candidates.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex

	listenMu  sync.Mutex
	listeners []chan struct{}
	closed    bool

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Open opens or creates the call database in dir.
func Open(dir string) (*DB, error) {
	dbPath := filepath.Join(dir, DBFile)

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	dsn := "file:" + dbPath + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	d := &DB{
		db:   db,
		path: dbPath,
		done: make(chan struct{}),
	}
	d.startWatcher(dir)
	return d, nil
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		);
	`); err != nil {
		return fmt.Errorf("create meta table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			id           TEXT PRIMARY KEY,
			offer        TEXT NOT NULL,
			answer       TEXT,
			caller_name  TEXT NOT NULL DEFAULT '',
			callee_email TEXT NOT NULL,
			status       TEXT NOT NULL,
			created_at   INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_calls_callee ON calls (callee_email, status, created_at);
		CREATE INDEX IF NOT EXISTS idx_calls_created ON calls (created_at);
	`); err != nil {
		return fmt.Errorf("create calls table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS call_candidates (
			seq       INTEGER PRIMARY KEY AUTOINCREMENT,
			call_id   TEXT NOT NULL REFERENCES calls(id) ON DELETE CASCADE,
			side      TEXT NOT NULL,
			candidate TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_candidates_call ON call_candidates (call_id, side, seq);
	`); err != nil {
		return fmt.Errorf("create candidates table: %w", err)
	}

	if _, err := db.Exec(`INSERT OR REPLACE INTO _meta (key, value) VALUES ('schema_version', ?)`, schemaVersion); err != nil {
		return fmt.Errorf("write schema version: %w", err)
	}
	return nil
}

// startWatcher watches the store directory so writes by other processes
// wake local observers. Without it observers still poll.
func (d *DB) startWatcher(dir string) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("STORE: fsnotify unavailable, polling only: %v", err)
		return
	}
	if err := w.Add(dir); err != nil {
		log.Printf("STORE: watch %s failed, polling only: %v", dir, err)
		w.Close()
		return
	}
	d.watcher = w
	go d.watchLoop()
}

func (d *DB) watchLoop() {
	base := filepath.Base(d.path)
	for {
		select {
		case <-d.done:
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			// calls.db, calls.db-wal and calls.db-shm all signal a commit.
			name := filepath.Base(event.Name)
			if len(name) < len(base) || name[:len(base)] != base {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				d.notifyListeners()
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("STORE: watcher error: %v", err)
		}
	}
}

// Changes returns a coalescing wakeup channel that fires after local writes
// and after file changes made by other processes.
func (d *DB) Changes() (<-chan struct{}, func()) {
	d.listenMu.Lock()
	defer d.listenMu.Unlock()
	ch := make(chan struct{}, 1)
	if d.closed {
		close(ch)
		return ch, func() {}
	}
	d.listeners = append(d.listeners, ch)
	return ch, func() {
		d.listenMu.Lock()
		defer d.listenMu.Unlock()
		for i, l := range d.listeners {
			if l == ch {
				close(l)
				d.listeners = append(d.listeners[:i], d.listeners[i+1:]...)
				return
			}
		}
	}
}

func (d *DB) notifyListeners() {
	d.listenMu.Lock()
	defer d.listenMu.Unlock()
	for _, ch := range d.listeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Close stops the watcher, releases listeners and closes the database.
func (d *DB) Close() error {
	d.listenMu.Lock()
	if d.closed {
		d.listenMu.Unlock()
		return nil
	}
	d.closed = true
	for _, ch := range d.listeners {
		close(ch)
	}
	d.listeners = nil
	d.listenMu.Unlock()

	close(d.done)
	if d.watcher != nil {
		d.watcher.Close()
	}
	return d.db.Close()
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}

// SchemaVersion returns the schema version recorded in _meta.
func (d *DB) SchemaVersion() (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var v string
	err := d.db.QueryRow(`SELECT value FROM _meta WHERE key = 'schema_version'`).Scan(&v)
	return v, err
}
