package spind

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"spinwin/native/spinwin"
)

var (
	bucketSnapshots = []byte("snapshots")
	keyLatest       = []byte("latest")
	keySavedAt      = []byte("saved_at")
)

// SnapshotStore persists the latest engine snapshot in a BoltDB file.
type SnapshotStore struct {
	db *bolt.DB
}

// OpenSnapshotStore opens (and migrates) the snapshot database at path.
func OpenSnapshotStore(path string, options *bolt.Options) (*SnapshotStore, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSnapshots)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate snapshot store: %w", err)
	}
	return &SnapshotStore{db: db}, nil
}

// Close releases the database file.
func (s *SnapshotStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save replaces the stored snapshot.
func (s *SnapshotStore) Save(snap spinwin.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	savedAt, err := time.Now().UTC().MarshalText()
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketSnapshots)
		if err := bucket.Put(keyLatest, payload); err != nil {
			return err
		}
		return bucket.Put(keySavedAt, savedAt)
	})
}

// Load returns the stored snapshot. ok is false when nothing was saved yet.
func (s *SnapshotStore) Load() (snap spinwin.Snapshot, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketSnapshots).Get(keyLatest)
		if raw == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(raw, &snap)
	})
	if err != nil {
		return spinwin.Snapshot{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, ok, nil
}

// SavedAt reports when the stored snapshot was written.
func (s *SnapshotStore) SavedAt() (time.Time, error) {
	var at time.Time
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketSnapshots).Get(keySavedAt)
		if raw == nil {
			return errNoSnapshot
		}
		return at.UnmarshalText(raw)
	})
	return at, err
}

var errNoSnapshot = errors.New("no snapshot stored")
