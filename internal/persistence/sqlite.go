package persistence

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is a Store backed by a local SQLite database
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (and if needed creates) the database at dbPath
func OpenSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite serializes writers anyway; one connection avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db, dbPath: dbPath}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Path returns the database file path
func (s *SQLiteStore) Path() string {
	return s.dbPath
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS gadgets (
		uuid TEXT PRIMARY KEY,
		uri TEXT NOT NULL DEFAULT '',
		hook_path TEXT,
		settings TEXT,
		settings_hash INTEGER,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create gadgets table: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateGadget(uri string) (string, error) {
	id := uuid.NewString()
	if _, err := s.db.Exec(`INSERT INTO gadgets (uuid, uri) VALUES (?, ?)`, id, uri); err != nil {
		return "", fmt.Errorf("failed to create gadget for %s: %w", uri, err)
	}
	return id, nil
}

func (s *SQLiteStore) EnsureGadget(id, uri string) error {
	_, err := s.db.Exec(`
		INSERT INTO gadgets (uuid, uri) VALUES (?, ?)
		ON CONFLICT(uuid) DO UPDATE SET uri = excluded.uri
		WHERE gadgets.uri = ''`, id, uri)
	if err != nil {
		return fmt.Errorf("failed to record gadget %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) Gadget(id string) (*StoredGadget, error) {
	row := s.db.QueryRow(`SELECT uuid, uri, hook_path, settings FROM gadgets WHERE uuid = ?`, id)
	gadget, err := scanGadget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrGadgetNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load gadget %s: %w", id, err)
	}
	return gadget, nil
}

func (s *SQLiteStore) Gadgets() ([]StoredGadget, error) {
	rows, err := s.db.Query(`SELECT uuid, uri, hook_path, settings FROM gadgets WHERE uri != '' ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("failed to list gadgets: %w", err)
	}
	defer rows.Close()

	var gadgets []StoredGadget
	for rows.Next() {
		gadget, err := scanGadget(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan gadget: %w", err)
		}
		gadgets = append(gadgets, *gadget)
	}
	return gadgets, rows.Err()
}

func (s *SQLiteStore) GadgetHook(id string) (string, error) {
	gadget, err := s.Gadget(id)
	if errors.Is(err, ErrGadgetNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return gadget.HookPath, nil
}

func (s *SQLiteStore) SetGadgetHook(id, hookPath string) error {
	var value any
	if hookPath != "" {
		value = hookPath
	}
	_, err := s.db.Exec(`
		INSERT INTO gadgets (uuid, hook_path) VALUES (?, ?)
		ON CONFLICT(uuid) DO UPDATE SET hook_path = excluded.hook_path, updated_at = CURRENT_TIMESTAMP`,
		id, value)
	if err != nil {
		return fmt.Errorf("failed to set hook for gadget %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) GadgetSettings(id string) (json.RawMessage, error) {
	gadget, err := s.Gadget(id)
	if errors.Is(err, ErrGadgetNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return gadget.Settings, nil
}

// SetGadgetSettings stores settings for a gadget. Gadgets tend to save on
// every change, so writes whose compacted JSON hashes the same as the stored
// value are skipped.
func (s *SQLiteStore) SetGadgetSettings(id string, settings json.RawMessage) error {
	var compacted bytes.Buffer
	if err := json.Compact(&compacted, settings); err != nil {
		return fmt.Errorf("invalid settings for gadget %s: %w", id, err)
	}
	hash := int64(xxhash.Sum64(compacted.Bytes()))

	var stored sql.NullInt64
	err := s.db.QueryRow(`SELECT settings_hash FROM gadgets WHERE uuid = ?`, id).Scan(&stored)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to read settings hash for gadget %s: %w", id, err)
	}
	if stored.Valid && stored.Int64 == hash {
		return nil
	}

	_, err = s.db.Exec(`
		INSERT INTO gadgets (uuid, settings, settings_hash) VALUES (?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET settings = excluded.settings,
			settings_hash = excluded.settings_hash, updated_at = CURRENT_TIMESTAMP`,
		id, compacted.String(), hash)
	if err != nil {
		return fmt.Errorf("failed to save settings for gadget %s: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGadget(row rowScanner) (*StoredGadget, error) {
	var (
		gadget   StoredGadget
		hookPath sql.NullString
		settings sql.NullString
	)
	if err := row.Scan(&gadget.UUID, &gadget.URI, &hookPath, &settings); err != nil {
		return nil, err
	}
	gadget.HookPath = hookPath.String
	if settings.Valid && settings.String != "" {
		gadget.Settings = json.RawMessage(settings.String)
	}
	return &gadget, nil
}
