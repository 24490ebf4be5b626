// Package journal persists the most recent synchronized position per file,
// so a session can resume where the peer left it after a restart.
package journal

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/dshills/caretsync/internal/position"
)

var (
	bucketPositions = []byte("positions")
	bucketMeta      = []byte("meta")
	keyLatest       = []byte("latest")
)

// Journal is a bbolt-backed store of accepted positions, keyed by file.
// A separate meta record tracks the most recently accepted position overall.
type Journal struct {
	db *bolt.DB
}

// Open opens or creates the journal at path.
func Open(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, berr := tx.CreateBucketIfNotExists(bucketPositions); berr != nil {
			return berr
		}
		_, berr := tx.CreateBucketIfNotExists(bucketMeta)
		return berr
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal: %w", err)
	}
	return &Journal{db: db}, nil
}

// Record stores p as the last known position for its file and as the latest
// position overall.
func (j *Journal) Record(p position.Position) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode journal entry: %w", err)
	}

	err = j.db.Update(func(tx *bolt.Tx) error {
		if berr := tx.Bucket(bucketPositions).Put([]byte(p.File), data); berr != nil {
			return berr
		}
		return tx.Bucket(bucketMeta).Put(keyLatest, data)
	})
	if err != nil {
		return fmt.Errorf("record position: %w", err)
	}
	return nil
}

// Last returns the last recorded position for file.
func (j *Journal) Last(file string) (position.Position, bool, error) {
	return j.get(bucketPositions, []byte(file))
}

// Latest returns the most recently recorded position across all files.
func (j *Journal) Latest() (position.Position, bool, error) {
	return j.get(bucketMeta, keyLatest)
}

func (j *Journal) get(bucket, key []byte) (position.Position, bool, error) {
	var p position.Position
	var found bool

	err := j.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get(key)
		if data == nil {
			return nil
		}
		if uerr := json.Unmarshal(data, &p); uerr != nil {
			return fmt.Errorf("decode journal entry: %w", uerr)
		}
		found = true
		return nil
	})
	if err != nil {
		return position.Position{}, false, err
	}
	return p, found, nil
}

// Files returns every file with a recorded position.
func (j *Journal) Files() ([]string, error) {
	var files []string
	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPositions).ForEach(func(k, _ []byte) error {
			files = append(files, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list journal files: %w", err)
	}
	return files, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}
