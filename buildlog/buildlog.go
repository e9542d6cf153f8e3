// Package buildlog records package build attempts in a bbolt database
// so their history survives the short-lived CLI process. The registry
// writes an attempt around every build; `cub package list` reads the
// latest attempt back.
//
// Recording is strictly best-effort for callers: a missing or broken
// database must never fail a build, only produce a warning.
package buildlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// Bucket names.
const (
	bucketAttempts = "attempts" // attempt ID -> Attempt JSON
	bucketLatest   = "latest"   // package display name -> attempt ID
)

// Status of one build attempt.
type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Attempt is one recorded build of one package.
type Attempt struct {
	ID        string    `json:"id"`
	Package   string    `json:"package"`
	Status    Status    `json:"status"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time,omitzero"`
}

// DB wraps the bbolt database holding build attempts.
type DB struct {
	db *bolt.DB
}

// Open opens or creates the database at path, creating parent
// directories and the required buckets as needed.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory for build log %s: %w", path, err)
	}
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open build log %s: %w", path, err)
	}
	err = bdb.Update(func(tx *bolt.Tx) error {
		for _, bucket := range []string{bucketAttempts, bucketLatest} {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		bdb.Close()
		return nil, err
	}
	return &DB{db: bdb}, nil
}

// Close closes the database. Safe to call on a nil receiver.
func (db *DB) Close() error {
	if db == nil || db.db == nil {
		return nil
	}
	return db.db.Close()
}

// Begin records the start of a build attempt for the given package
// display name and returns the attempt ID.
func (db *DB) Begin(pkg string) (string, error) {
	attempt := &Attempt{
		ID:        uuid.NewString(),
		Package:   pkg,
		Status:    StatusRunning,
		StartTime: time.Now(),
	}
	err := db.db.Update(func(tx *bolt.Tx) error {
		if err := putAttempt(tx, attempt); err != nil {
			return err
		}
		return tx.Bucket([]byte(bucketLatest)).Put([]byte(pkg), []byte(attempt.ID))
	})
	if err != nil {
		return "", err
	}
	return attempt.ID, nil
}

// Finish marks an attempt as succeeded or failed.
func (db *DB) Finish(id string, status Status) error {
	return db.db.Update(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(bucketAttempts)).Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("build attempt %s not found", id)
		}
		var attempt Attempt
		if err := json.Unmarshal(raw, &attempt); err != nil {
			return fmt.Errorf("failed to decode build attempt %s: %w", id, err)
		}
		attempt.Status = status
		attempt.EndTime = time.Now()
		return putAttempt(tx, &attempt)
	})
}

// Latest returns the most recent attempt for a package display name, or
// nil when none was recorded.
func (db *DB) Latest(pkg string) (*Attempt, error) {
	if db == nil || db.db == nil {
		return nil, nil
	}
	var attempt *Attempt
	err := db.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket([]byte(bucketLatest)).Get([]byte(pkg))
		if id == nil {
			return nil
		}
		raw := tx.Bucket([]byte(bucketAttempts)).Get(id)
		if raw == nil {
			return nil
		}
		attempt = &Attempt{}
		return json.Unmarshal(raw, attempt)
	})
	if err != nil {
		return nil, err
	}
	return attempt, nil
}

func putAttempt(tx *bolt.Tx, attempt *Attempt) error {
	data, err := json.Marshal(attempt)
	if err != nil {
		return err
	}
	return tx.Bucket([]byte(bucketAttempts)).Put([]byte(attempt.ID), data)
}
