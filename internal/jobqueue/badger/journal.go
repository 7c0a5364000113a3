// Package badger persists in-flight queue jobs in BadgerDB so a restarted
// broker can replay them.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/JakeFAU/site-auditor/internal/jobqueue"
)

const keyPrefix = "jobqueue:job:"

// Journal implements jobqueue.Journal on top of a Badger database.
type Journal struct {
	db *badger.DB
}

// Open opens (or creates) a journal at dir. An empty dir keeps the journal in
// memory, which is useful for tests.
func Open(dir string) (*Journal, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger journal: %w", err)
	}
	return &Journal{db: db}, nil
}

// New wraps an existing database handle.
func New(db *badger.DB) (*Journal, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	return &Journal{db: db}, nil
}

// Save stores or replaces job.
func (j *Journal) Save(_ context.Context, job jobqueue.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	if err := j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(job.ID), data)
	}); err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

// Delete removes job id. Missing keys are not an error.
func (j *Journal) Delete(_ context.Context, id string) error {
	if err := j.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(id))
	}); err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return nil
}

// Pending returns every journaled job.
func (j *Journal) Pending(ctx context.Context) ([]jobqueue.Job, error) {
	var jobs []jobqueue.Job
	err := j.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var job jobqueue.Job
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &job)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			jobs = append(jobs, job)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}
	return jobs, nil
}

// Close releases the underlying database.
func (j *Journal) Close() error {
	if err := j.db.Close(); err != nil {
		return fmt.Errorf("close badger journal: %w", err)
	}
	return nil
}

func key(id string) []byte {
	return []byte(keyPrefix + id)
}
