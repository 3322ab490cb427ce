/*
 * Copyright (c) 2025. Virt-Watchdog Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/virtwatch/virt-watchdog/pkg/detector"
	"github.com/virtwatch/virt-watchdog/pkg/errdefs"
)

const (
	databaseFileName = "watchdog.db"
)

// Bucket names:
// Buckets hierarchy:
//	- v1:
//		- guests
//		- attempts
//			- <guest id>

var (
	v1RootBucket = []byte("v1")
	// Last persisted liveness verdict per guest. Only used to restore
	// attempt counters and for operator inspection; live state is always
	// re-derived from current polls after a restart.
	guestsBucket = []byte("guests")
	// Completed recovery attempts, one sub-bucket per guest, keyed by
	// attempt ID (xid, sorts chronologically).
	attemptsBucket = []byte("attempts")
)

// GuestState is the persisted per-guest record. It deliberately carries no
// "attempt in progress" flag: an interrupted attempt is unknowable after a
// restart and is re-evaluated from live evidence instead.
type GuestState struct {
	ID           string         `json:"id"`
	State        detector.State `json:"state"`
	Token        string         `json:"token"`
	LastFresh    time.Time      `json:"last_fresh"`
	StaleCount   int            `json:"stale_count"`
	FailCount    int            `json:"fail_count"`
	AttemptCount int            `json:"attempt_count"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// AttemptRecord is one archived recovery attempt.
type AttemptRecord struct {
	ID         string    `json:"id"`
	GuestID    string    `json:"guest_id"`
	Seq        int       `json:"seq"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	DryRun     bool      `json:"dry_run"`
}

// Database keeps records that need to survive watchdog restarts.
type Database struct {
	db *bolt.DB
}

// NewDatabase creates a new or opens an existing database file.
func NewDatabase(rootDir string) (*Database, error) {
	f := filepath.Join(rootDir, databaseFileName)
	if err := ensureDirectory(filepath.Dir(f)); err != nil {
		return nil, err
	}

	opts := bolt.Options{Timeout: time.Second * 4}

	db, err := bolt.Open(f, 0600, &opts)
	if err != nil {
		return nil, err
	}
	d := &Database{db: db}
	if err := d.initDatabase(); err != nil {
		return nil, errors.Wrap(err, "failed to initialize database")
	}
	return d, nil
}

func ensureDirectory(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0700)
	}

	return nil
}

func (db *Database) initDatabase() error {
	return db.db.Update(func(tx *bolt.Tx) error {
		bk, err := tx.CreateBucketIfNotExists(v1RootBucket)
		if err != nil {
			return err
		}

		if _, err := bk.CreateBucketIfNotExists(guestsBucket); err != nil {
			return errors.Wrapf(err, "bucket %s", guestsBucket)
		}

		if _, err := bk.CreateBucketIfNotExists(attemptsBucket); err != nil {
			return errors.Wrapf(err, "bucket %s", attemptsBucket)
		}

		return nil
	})
}

func getGuestsBucket(tx *bolt.Tx) *bolt.Bucket {
	return tx.Bucket(v1RootBucket).Bucket(guestsBucket)
}

func getAttemptsBucket(tx *bolt.Tx) *bolt.Bucket {
	return tx.Bucket(v1RootBucket).Bucket(attemptsBucket)
}

func updateObject(bucket *bolt.Bucket, key string, obj interface{}) error {
	value, err := json.Marshal(obj)
	if err != nil {
		return errors.Wrapf(err, "marshal key %s", key)
	}

	if err := bucket.Put([]byte(key), value); err != nil {
		return errors.Wrapf(err, "put key %s", key)
	}

	return nil
}

func getObject(bucket *bolt.Bucket, key string, obj interface{}) error {
	if obj == nil {
		return errdefs.ErrInvalidArgument
	}

	value := bucket.Get([]byte(key))
	if value == nil {
		return errdefs.ErrNotFound
	}

	if err := json.Unmarshal(value, obj); err != nil {
		return errors.Wrapf(err, "unmarshal %s", key)
	}

	return nil
}

// SaveGuestState upserts the persisted record for one guest.
func (db *Database) SaveGuestState(state *GuestState) error {
	return db.db.Update(func(tx *bolt.Tx) error {
		return updateObject(getGuestsBucket(tx), state.ID, state)
	})
}

// GetGuestState retrieves the persisted record for one guest. Returns
// errdefs.ErrNotFound for guests never seen before.
func (db *Database) GetGuestState(id string) (*GuestState, error) {
	var state GuestState
	err := db.db.View(func(tx *bolt.Tx) error {
		return getObject(getGuestsBucket(tx), id, &state)
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// WalkGuestStates iterates all persisted guest records.
func (db *Database) WalkGuestStates(cb func(*GuestState) error) error {
	return db.db.View(func(tx *bolt.Tx) error {
		return getGuestsBucket(tx).ForEach(func(_, v []byte) error {
			var state GuestState
			if err := json.Unmarshal(v, &state); err != nil {
				return errors.Wrap(err, "unmarshal guest state")
			}
			return cb(&state)
		})
	})
}

// DeleteGuestState removes the record for a guest dropped from the
// configuration, together with its archived attempts.
func (db *Database) DeleteGuestState(id string) error {
	return db.db.Update(func(tx *bolt.Tx) error {
		if err := getGuestsBucket(tx).Delete([]byte(id)); err != nil {
			return errors.Wrapf(err, "delete guest %s", id)
		}
		if err := getAttemptsBucket(tx).DeleteBucket([]byte(id)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return errors.Wrapf(err, "delete attempts of guest %s", id)
		}
		return nil
	})
}

// ArchiveAttempt stores a completed recovery attempt.
func (db *Database) ArchiveAttempt(record *AttemptRecord) error {
	return db.db.Update(func(tx *bolt.Tx) error {
		bk, err := getAttemptsBucket(tx).CreateBucketIfNotExists([]byte(record.GuestID))
		if err != nil {
			return errors.Wrapf(err, "bucket for guest %s attempts", record.GuestID)
		}
		return updateObject(bk, record.ID, record)
	})
}

// ListAttempts returns up to limit archived attempts for a guest, newest
// first. A non-positive limit returns everything.
func (db *Database) ListAttempts(guestID string, limit int) ([]AttemptRecord, error) {
	var records []AttemptRecord
	err := db.db.View(func(tx *bolt.Tx) error {
		bk := getAttemptsBucket(tx).Bucket([]byte(guestID))
		if bk == nil {
			return nil
		}

		// xid keys sort chronologically, walk backwards for newest first.
		c := bk.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var record AttemptRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return errors.Wrap(err, "unmarshal attempt record")
			}
			records = append(records, record)
			if limit > 0 && len(records) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (db *Database) Close() error {
	return db.db.Close()
}
