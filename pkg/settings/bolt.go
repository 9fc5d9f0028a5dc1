package settings

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.etcd.io/bbolt"
)

const bucketSettings = "settings"

// BoltStore persists columns in a BoltDB file
type BoltStore struct {
	db      *bbolt.DB
	path    string
	watches watchers
}

// OpenBoltStore opens or creates the settings database at path
func OpenBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create settings directory: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open settings database: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketSettings))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create settings bucket: %w", err)
	}
	return &BoltStore{db: db, path: path}, nil
}

// Path returns the database file
func (s *BoltStore) Path() string { return s.path }

func (s *BoltStore) GetValue(column string) (int, error) {
	var value int
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket([]byte(bucketSettings)).Get([]byte(column))
		if raw == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, column)
		}
		v, err := strconv.Atoi(string(raw))
		if err != nil {
			return fmt.Errorf("corrupt value for %s: %w", column, err)
		}
		value = v
		return nil
	})
	return value, err
}

func (s *BoltStore) SetValue(column string, value int) error {
	changed := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketSettings))
		encoded := []byte(strconv.Itoa(value))
		if old := b.Get([]byte(column)); old != nil && string(old) == string(encoded) {
			return nil
		}
		changed = true
		return b.Put([]byte(column), encoded)
	})
	if err != nil {
		return fmt.Errorf("failed to store %s: %w", column, err)
	}
	if changed {
		s.watches.notify(column, value)
	}
	return nil
}

func (s *BoltStore) Watch(column string, cb ChangeCallback) {
	s.watches.add(column, cb)
}

// Close closes the database
func (s *BoltStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
