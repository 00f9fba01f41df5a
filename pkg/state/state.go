// Package state persists client-side state between runs in SQLite.
package state

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"
)

// ConnectionRecord is the history kept per server address.
type ConnectionRecord struct {
	Address              string
	Method               string // "tcp" or "websocket"
	SuccessCount         int64
	LastSuccessAt        time.Time
	LastDisconnectAt     time.Time
	LastDisconnectReason string
}

// Position is the own character's last known placement on a server.
type Position struct {
	MapID   uint16
	X, Y    int32
	Heading uint8
}

// StateInterface is implemented by State and MockState.
type StateInterface interface {
	GetConfig(key string) (string, error)
	SetConfig(key, value string) error
	RecordConnection(serverAddress, method string) error
	RecordDisconnect(serverAddress, reason string) error
	GetConnectionHistory(serverAddress string) (ConnectionRecord, bool, error)
	SaveLastPosition(serverAddress string, pos Position) error
	GetLastPosition(serverAddress string) (Position, bool, error)
	GetFirstRun() bool
	SetFirstRunComplete() error
	UpdateLastSeenTimestamp() error
	GetLastSeenTimestamp() int64
	Close() error
}

var (
	_ StateInterface = (*State)(nil)
	_ StateInterface = (*MockState)(nil)
)

// State manages client-side persistent state
type State struct {
	db  *sql.DB
	dir string // Directory where state is stored
}

// OpenState opens or creates the client state database
func OpenState(path string) (*State, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	// Client only needs one connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &State{db: db, dir: dir}, nil
}

// migrations are applied in order; PRAGMA user_version holds the count
// already applied.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS Config (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ConnectionHistory (
		server_address         TEXT PRIMARY KEY,
		last_successful_method TEXT NOT NULL DEFAULT '',
		success_count          INTEGER NOT NULL DEFAULT 0,
		last_success_at        INTEGER NOT NULL DEFAULT 0,
		last_disconnect_at     INTEGER NOT NULL DEFAULT 0,
		last_disconnect_reason TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS LastPosition (
		server_address TEXT PRIMARY KEY,
		map_id         INTEGER NOT NULL,
		x              INTEGER NOT NULL,
		y              INTEGER NOT NULL,
		heading        INTEGER NOT NULL,
		updated_at     INTEGER NOT NULL
	)`,
}

func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i := version; i < len(migrations); i++ {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		// PRAGMA does not take bind parameters.
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	return nil
}

// Close closes the state database
func (s *State) Close() error {
	return s.db.Close()
}

// GetStateDir returns the directory where state is stored
func (s *State) GetStateDir() string {
	return s.dir
}

// GetConfig retrieves a configuration value
func (s *State) GetConfig(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM Config WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// SetConfig stores a configuration value
func (s *State) SetConfig(key, value string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO Config (key, value) VALUES (?, ?)
	`, key, value)
	return err
}

// RecordConnection records a completed handshake with a server
func (s *State) RecordConnection(serverAddress, method string) error {
	_, err := s.db.Exec(`
		INSERT INTO ConnectionHistory (server_address, last_successful_method, success_count, last_success_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(server_address) DO UPDATE SET
			last_successful_method = excluded.last_successful_method,
			success_count = success_count + 1,
			last_success_at = excluded.last_success_at
	`, serverAddress, method, time.Now().UnixMilli())
	return err
}

// RecordDisconnect records why the last link to a server ended
func (s *State) RecordDisconnect(serverAddress, reason string) error {
	_, err := s.db.Exec(`
		INSERT INTO ConnectionHistory (server_address, last_disconnect_at, last_disconnect_reason)
		VALUES (?, ?, ?)
		ON CONFLICT(server_address) DO UPDATE SET
			last_disconnect_at = excluded.last_disconnect_at,
			last_disconnect_reason = excluded.last_disconnect_reason
	`, serverAddress, time.Now().UnixMilli(), reason)
	return err
}

// GetConnectionHistory returns the history for a server, if any
func (s *State) GetConnectionHistory(serverAddress string) (ConnectionRecord, bool, error) {
	var (
		rec                     ConnectionRecord
		successAt, disconnectAt int64
	)
	err := s.db.QueryRow(`
		SELECT server_address, last_successful_method, success_count,
		       last_success_at, last_disconnect_at, last_disconnect_reason
		FROM ConnectionHistory
		WHERE server_address = ?
	`, serverAddress).Scan(&rec.Address, &rec.Method, &rec.SuccessCount,
		&successAt, &disconnectAt, &rec.LastDisconnectReason)
	if errors.Is(err, sql.ErrNoRows) {
		return ConnectionRecord{}, false, nil // No history for this server
	}
	if err != nil {
		return ConnectionRecord{}, false, err
	}
	rec.LastSuccessAt = fromMillis(successAt)
	rec.LastDisconnectAt = fromMillis(disconnectAt)
	return rec, true, nil
}

// SaveLastPosition stores the own character's position on a server
func (s *State) SaveLastPosition(serverAddress string, pos Position) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO LastPosition (server_address, map_id, x, y, heading, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, serverAddress, pos.MapID, pos.X, pos.Y, pos.Heading, time.Now().UnixMilli())
	return err
}

// GetLastPosition returns the last stored position for a server, if any
func (s *State) GetLastPosition(serverAddress string) (Position, bool, error) {
	var pos Position
	err := s.db.QueryRow(`
		SELECT map_id, x, y, heading FROM LastPosition WHERE server_address = ?
	`, serverAddress).Scan(&pos.MapID, &pos.X, &pos.Y, &pos.Heading)
	if errors.Is(err, sql.ErrNoRows) {
		return Position{}, false, nil
	}
	if err != nil {
		return Position{}, false, err
	}
	return pos, true, nil
}

// GetFirstRun checks if this is the first time running the client
func (s *State) GetFirstRun() bool {
	val, _ := s.GetConfig("first_run_complete")
	return val != "true"
}

// SetFirstRunComplete marks first run as complete
func (s *State) SetFirstRunComplete() error {
	return s.SetConfig("first_run_complete", "true")
}

// GetLastSeenTimestamp returns when the client was last active, in
// milliseconds. Returns 0 if no timestamp has been stored.
func (s *State) GetLastSeenTimestamp() int64 {
	val, _ := s.GetConfig("last_seen_timestamp")
	ts, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0
	}
	return ts
}

// UpdateLastSeenTimestamp updates the last seen timestamp to now
func (s *State) UpdateLastSeenTimestamp() error {
	return s.SetConfig("last_seen_timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
