package metastore

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	storeDirPerm  = fs.FileMode(0o700)
	storeFilePerm = fs.FileMode(0o600)

	// storeOpenTimeout is the maximum time to wait for the bolt database lock.
	storeOpenTimeout = 5 * time.Second
)

var sessionsBucket = []byte("sessions")

// Store is the bbolt-backed primary metadata store.
type Store struct {
	db *bolt.DB
}

// OpenStore opens the metadata database at path, creating it if it does
// not exist.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), storeDirPerm); err != nil {
		return nil, fmt.Errorf("creating metadata dir: %w", err)
	}

	db, err := bolt.Open(path, storeFilePerm, &bolt.Options{Timeout: storeOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening metadata db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionsBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing metadata db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put persists one metadata record, keyed by session id.
func (s *Store) Put(m Metadata) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}

		return tx.Bucket(sessionsBucket).Put([]byte(m.SessionID), data)
	})
}

// Get returns the metadata record for a session, or nil if not found.
func (s *Store) Get(sessionID string) (*Metadata, error) {
	var m *Metadata

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(sessionsBucket).Get([]byte(sessionID))
		if v == nil {
			return nil
		}

		m = &Metadata{}

		return json.Unmarshal(v, m)
	})

	return m, err
}

// Delete removes the record for a session. Deleting a missing record is
// not an error.
func (s *Store) Delete(sessionID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Delete([]byte(sessionID))
	})
}

// All returns every metadata record.
func (s *Store) All() ([]Metadata, error) {
	var all []Metadata

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).ForEach(func(_, v []byte) error {
			var m Metadata
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}

			all = append(all, m)

			return nil
		})
	})

	return all, err
}
