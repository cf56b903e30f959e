// Package kvstore provides namespaced key-value persistence that survives
// reboot and sleep. It is the durability root for the record buffer and the
// lifetime measurement counters.
package kvstore

import (
	"database/sql"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"codeberg.org/mutker/fieldlogd/internal/errors"
	"codeberg.org/mutker/fieldlogd/internal/logger"

	_ "github.com/mattn/go-sqlite3"
)

const defaultDirPerm = 0o755

// Store is a sqlite-backed key-value store partitioned into namespaces.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Namespace provides access to the keys of one namespace.
type Namespace struct {
	store *Store
	name  string
}

func Open(path string) (*Store, error) {
	errFactory := errors.New()

	if path == "" {
		return nil, errFactory.New(ErrInvalidPath)
	}

	logger.Debug().Msgf("Opening key-value store at: %s", path)

	// Ensure the directory exists
	if err := os.MkdirAll(filepath.Dir(path), defaultDirPerm); err != nil {
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
        CREATE TABLE IF NOT EXISTS kv (
            namespace TEXT NOT NULL,
            key TEXT NOT NULL,
            value TEXT NOT NULL,
            PRIMARY KEY (namespace, key)
        )
    `)

	return err
}

// Namespace returns a handle for the given namespace. Namespaces need no
// explicit creation; a namespace exists as long as it holds keys.
func (s *Store) Namespace(name string) *Namespace {
	return &Namespace{store: s, name: name}
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Close(); err != nil {
		return errors.New().Wrap(ErrStorageClose, err)
	}

	return nil
}

func (n *Namespace) put(key, value string) error {
	n.store.mu.Lock()
	defer n.store.mu.Unlock()

	_, err := n.store.db.Exec(`
        INSERT INTO kv (namespace, key, value) VALUES (?, ?, ?)
        ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value
    `, n.name, key, value)
	if err != nil {
		return errors.New().Wrap(ErrStorageAccess, err)
	}

	return nil
}

func (n *Namespace) get(key string) (string, error) {
	n.store.mu.Lock()
	defer n.store.mu.Unlock()

	var value string
	err := n.store.db.QueryRow(
		`SELECT value FROM kv WHERE namespace = ? AND key = ?`, n.name, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", errors.New().WithData(ErrKeyNotFound, key)
	}
	if err != nil {
		return "", errors.New().Wrap(ErrStorageAccess, err)
	}

	return value, nil
}

func (n *Namespace) PutString(key, value string) error {
	return n.put(key, value)
}

// GetString returns the stored value, or fallback if the key is absent.
func (n *Namespace) GetString(key, fallback string) (string, error) {
	value, err := n.get(key)
	if errors.HasCode(err, ErrKeyNotFound) {
		return fallback, nil
	}
	if err != nil {
		return "", err
	}

	return value, nil
}

func (n *Namespace) PutUint32(key string, value uint32) error {
	return n.put(key, strconv.FormatUint(uint64(value), 10))
}

// GetUint32 returns the stored value, or fallback if the key is absent.
func (n *Namespace) GetUint32(key string, fallback uint32) (uint32, error) {
	raw, err := n.get(key)
	if errors.HasCode(err, ErrKeyNotFound) {
		return fallback, nil
	}
	if err != nil {
		return 0, err
	}

	parsed, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, errors.New().Wrap(ErrStorageAccess, err)
	}

	return uint32(parsed), nil
}

// Delete removes a key. Deleting an absent key is not an error.
func (n *Namespace) Delete(key string) error {
	n.store.mu.Lock()
	defer n.store.mu.Unlock()

	_, err := n.store.db.Exec(
		`DELETE FROM kv WHERE namespace = ? AND key = ?`, n.name, key,
	)
	if err != nil {
		return errors.New().Wrap(ErrStorageAccess, err)
	}

	return nil
}
