// Package state persists the client's Local Action Queue and Local Cache
// in a single bbolt database so both survive restarts and offline
// periods.
package state

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	apperr "github.com/alexjbarnes/task-sync/internal/errors"
	"github.com/alexjbarnes/task-sync/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.task-sync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// DefaultOpenTimeout is the maximum time to wait for the bolt
	// database lock held by another taskctl process.
	DefaultOpenTimeout = 30 * time.Second
)

var (
	appBucket   = []byte("app")
	queueBucket = []byte("queue")
	cacheBucket = []byte("cache")

	tokenKey    = []byte("token")
	userKey     = []byte("user")
	lastSyncKey = []byte("last_sync")
)

// QueuedAction is one entry of the Local Action Queue. Seq is assigned
// at enqueue time and strictly increases, so key order is queue order.
type QueuedAction struct {
	Seq      uint64                `json:"seq"`
	Action   models.ActionEnvelope `json:"action"`
	QueuedAt time.Time             `json:"queued_at"`
}

// Decode returns the typed action.
func (q QueuedAction) Decode() (models.Action, error) {
	return models.DecodeAction(q.Action)
}

// State wraps a bbolt database for all persistent client state.
type State struct {
	db  *bolt.DB
	now func() time.Time
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. timeout bounds the wait for another process holding
// the file lock; zero uses DefaultOpenTimeout.
func LoadAt(path string, timeout time.Duration) (*State, error) {
	if timeout <= 0 {
		timeout = DefaultOpenTimeout
	}

	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("%w: opening state db: %v", apperr.ErrPersistence, err)
	}

	if err := initBuckets(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db, now: time.Now}, nil
}

// initBuckets creates any missing bucket. An initialized file is only
// read, so opening it does not count as a write to file watchers.
func initBuckets(db *bolt.DB) error {
	names := [][]byte{appBucket, queueBucket, cacheBucket}
	missing := false

	err := db.View(func(tx *bolt.Tx) error {
		for _, name := range names {
			if tx.Bucket(name) == nil {
				missing = true
			}
		}

		return nil
	})
	if err != nil || !missing {
		return err
	}

	return db.Update(func(tx *bolt.Tx) error {
		for _, name := range names {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *State) Path() string {
	return s.db.Path()
}

// Token returns the cached bearer credential, or empty string.
func (s *State) Token() string {
	return s.getString(tokenKey)
}

// User returns the user the cached credential belongs to.
func (s *State) User() string {
	return s.getString(userKey)
}

// SetCredential persists the bearer credential and its user.
func (s *State) SetCredential(user, token string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)
		if err := b.Put(userKey, []byte(user)); err != nil {
			return err
		}

		return b.Put(tokenKey, []byte(token))
	})
}

// LastSync returns the time of the last successful round, or zero.
func (s *State) LastSync() time.Time {
	var t time.Time

	if v := s.getString(lastSyncKey); v != "" {
		_ = t.UnmarshalText([]byte(v))
	}

	return t
}

func (s *State) getString(key []byte) string {
	var out string

	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(appBucket).Get(key); v != nil {
			out = string(v)
		}

		return nil
	})

	return out
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)

	return k
}

func putQueued(b *bolt.Bucket, q QueuedAction) error {
	data, err := json.Marshal(q)
	if err != nil {
		return err
	}

	return b.Put(seqKey(q.Seq), data)
}

func (s *State) appendAction(tx *bolt.Tx, a models.Action) (uint64, error) {
	env, err := models.EncodeAction(a)
	if err != nil {
		return 0, err
	}

	b := tx.Bucket(queueBucket)

	seq, err := b.NextSequence()
	if err != nil {
		return 0, err
	}

	return seq, putQueued(b, QueuedAction{Seq: seq, Action: env, QueuedAt: s.now().UTC()})
}

func putTask(b *bolt.Bucket, t models.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}

	return b.Put([]byte(t.ID), data)
}

// Enqueue appends an action to the queue and returns its sequence
// number. Entries are never dropped. A storage failure is reported as
// ErrPersistence and may be retried.
func (s *State) Enqueue(a models.Action) (uint64, error) {
	var seq uint64

	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		seq, err = s.appendAction(tx, a)

		return err
	})
	if err != nil {
		return 0, fmt.Errorf("%w: enqueueing %s: %v", apperr.ErrPersistence, a.Kind(), err)
	}

	return seq, nil
}

// Record applies an optimistic cache write and appends the matching
// action in one transaction, so the cache never shows an edit the queue
// does not hold.
func (s *State) Record(a models.Action, view models.Task) (uint64, error) {
	var seq uint64

	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := putTask(tx.Bucket(cacheBucket), view); err != nil {
			return err
		}

		var err error
		seq, err = s.appendAction(tx, a)

		return err
	})
	if err != nil {
		return 0, fmt.Errorf("%w: recording %s: %v", apperr.ErrPersistence, a.Kind(), err)
	}

	return seq, nil
}

// Pending returns a snapshot of the queue in order. The queue is not
// modified.
func (s *State) Pending() ([]QueuedAction, error) {
	var out []QueuedAction

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(queueBucket).ForEach(func(_, v []byte) error {
			var q QueuedAction
			if err := json.Unmarshal(v, &q); err != nil {
				return err
			}

			out = append(out, q)

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: reading queue: %v", apperr.ErrPersistence, err)
	}

	return out, nil
}

// PendingCount returns the number of queued actions.
func (s *State) PendingCount() int {
	count := 0
	_ = s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(queueBucket).Stats().KeyN
		return nil
	})

	return count
}

// QueueSequence returns the last sequence number handed out by the
// queue. It only grows when an action is recorded, so a change in it
// tells a watcher that the file was written by a new mutation rather
// than by a settled round.
func (s *State) QueueSequence() (uint64, error) {
	var seq uint64

	err := s.db.View(func(tx *bolt.Tx) error {
		seq = tx.Bucket(queueBucket).Sequence()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: reading queue sequence: %v", apperr.ErrPersistence, err)
	}

	return seq, nil
}

// Clear removes every queued action. The bucket's sequence is kept so
// later entries never reuse a number.
func (s *State) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		q := tx.Bucket(queueBucket)
		c := q.Cursor()

		for k, _ := c.First(); k != nil; k, _ = c.First() {
			if err := q.Delete(k); err != nil {
				return err
			}
		}

		return nil
	})
}

// Rebase rebuilds the client view after a round. It receives the queue
// entries the round did not send and returns the entries to keep (same
// sequence numbers, references possibly rewritten) and the new cache.
type Rebase func(unsent []QueuedAction) (remaining []QueuedAction, cache []models.Task)

// Settle commits the result of a reconciliation round in one
// transaction: queue entries up to and including through are removed,
// the unsent entries are passed through rebase and rewritten, and the
// cache is replaced. Reading the unsent entries inside the same
// transaction means an action recorded while the round was in flight is
// always part of the new cache. It returns the queue length afterwards.
func (s *State) Settle(through uint64, rebase Rebase) (int, error) {
	var kept int

	err := s.db.Update(func(tx *bolt.Tx) error {
		q := tx.Bucket(queueBucket)

		var unsent []QueuedAction

		err := q.ForEach(func(k, v []byte) error {
			if binary.BigEndian.Uint64(k) <= through {
				return nil
			}

			var entry QueuedAction
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}

			unsent = append(unsent, entry)

			return nil
		})
		if err != nil {
			return err
		}

		c := q.Cursor()
		for k, _ := c.First(); k != nil && binary.BigEndian.Uint64(k) <= through; k, _ = c.First() {
			if err := q.Delete(k); err != nil {
				return err
			}
		}

		remaining, cache := rebase(unsent)

		for _, r := range remaining {
			if r.Seq <= through {
				return fmt.Errorf("remaining entry %d is inside the acknowledged range", r.Seq)
			}

			if err := putQueued(q, r); err != nil {
				return err
			}
		}

		if err := replaceCache(tx, cache); err != nil {
			return err
		}

		kept = len(unsent)

		stamp, err := s.now().UTC().MarshalText()
		if err != nil {
			return err
		}

		return tx.Bucket(appBucket).Put(lastSyncKey, stamp)
	})
	if err != nil {
		return 0, fmt.Errorf("%w: settling round: %v", apperr.ErrPersistence, err)
	}

	return kept, nil
}

// ReplaceCacheIfIdle overwrites the cache only while the queue is empty
// and reports whether it did. A mutation recorded after the listing was
// fetched keeps its optimistic cache entry.
func (s *State) ReplaceCacheIfIdle(tasks []models.Task) (bool, error) {
	replaced := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		if k, _ := tx.Bucket(queueBucket).Cursor().First(); k != nil {
			return nil
		}

		replaced = true

		if err := replaceCache(tx, tasks); err != nil {
			return err
		}

		stamp, err := s.now().UTC().MarshalText()
		if err != nil {
			return err
		}

		return tx.Bucket(appBucket).Put(lastSyncKey, stamp)
	})
	if err != nil {
		return false, fmt.Errorf("%w: replacing cache: %v", apperr.ErrPersistence, err)
	}

	return replaced, nil
}

func replaceCache(tx *bolt.Tx, tasks []models.Task) error {
	if err := tx.DeleteBucket(cacheBucket); err != nil {
		return err
	}

	b, err := tx.CreateBucket(cacheBucket)
	if err != nil {
		return err
	}

	for _, t := range tasks {
		if err := putTask(b, t); err != nil {
			return err
		}
	}

	return nil
}

// Task returns a cached task by id, or nil if not found. Soft-deleted
// entries are returned so callers can tell "deleted" from "unknown".
func (s *State) Task(id string) (*models.Task, error) {
	var t *models.Task

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(cacheBucket).Get([]byte(id))
		if v == nil {
			return nil
		}

		t = &models.Task{}

		return json.Unmarshal(v, t)
	})

	return t, err
}

// CachedTasks returns every cache entry, including soft-deleted ones.
func (s *State) CachedTasks() ([]models.Task, error) {
	var out []models.Task

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(cacheBucket).ForEach(func(_, v []byte) error {
			var t models.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}

			out = append(out, t)

			return nil
		})
	})

	return out, err
}

// Tasks returns the visible tasks, newest first.
func (s *State) Tasks() ([]models.Task, error) {
	all, err := s.CachedTasks()
	if err != nil {
		return nil, err
	}

	visible := all[:0]

	for _, t := range all {
		if !t.Deleted {
			visible = append(visible, t)
		}
	}

	models.SortNewestFirst(visible)

	return visible, nil
}
