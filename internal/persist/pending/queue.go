// SPDX-License-Identifier: MIT

// Package pending is the durable queue of summaries whose storage commit
// failed. A summary parked here survives process restarts and is replayed
// until the backing store accepts it.
package pending

import (
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/pulsegrid/pulsed/internal/session"
)

const keyPrefix = "pending:"

// Queue is a badger-backed pending-write queue keyed by session id. Because
// the downstream store upserts by session id, replaying an entry twice is
// harmless.
type Queue struct {
	db *badger.DB
}

// Open creates or reopens the queue at path.
func Open(path string) (*Queue, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("pending queue: open: %w", err)
	}
	return &Queue{db: db}, nil
}

// Close releases the underlying database.
func (q *Queue) Close() error { return q.db.Close() }

// Enqueue parks a summary for later replay.
func (q *Queue) Enqueue(sum session.Summary) error {
	buf, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("pending queue: marshal: %w", err)
	}
	key := []byte(keyPrefix + sum.SessionID)
	err = q.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, buf)
	})
	if err != nil {
		return fmt.Errorf("pending queue: enqueue: %w", err)
	}
	return nil
}

// Remove drops a replayed entry.
func (q *Queue) Remove(sessionID string) error {
	key := []byte(keyPrefix + sessionID)
	err := q.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("pending queue: remove: %w", err)
	}
	return nil
}

// Scan iterates all parked summaries. Returning an error from fn stops the
// iteration.
func (q *Queue) Scan(fn func(session.Summary) error) error {
	return q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var sum session.Summary
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &sum)
			})
			if err != nil {
				return fmt.Errorf("pending queue: decode %s: %w", it.Item().Key(), err)
			}
			if err := fn(sum); err != nil {
				return err
			}
		}
		return nil
	})
}

// Depth counts parked summaries.
func (q *Queue) Depth() (int, error) {
	count := 0
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}
