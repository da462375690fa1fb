// Package store is the server's durable record store. Tasks live in one
// bbolt bucket per owner, keyed by server id, next to a clientID index
// that makes creates idempotent. Sessions issued by the auth package
// are kept in a separate bucket, keyed by token hash.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	apperr "github.com/alexjbarnes/task-sync/internal/errors"
	"github.com/alexjbarnes/task-sync/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	dbDirPerm  = fs.FileMode(0o700)
	dbFilePerm = fs.FileMode(0o600)

	// dbOpenTimeout is the maximum time to wait for the bolt database lock.
	dbOpenTimeout = 5 * time.Second
)

var (
	metaBucket     = []byte("meta")
	sessionsBucket = []byte("sessions")
)

func tasksBucket(owner string) []byte {
	return []byte("user:" + owner + ":tasks")
}

func clientIDsBucket(owner string) []byte {
	return []byte("user:" + owner + ":clientids")
}

// Store wraps the server's bbolt database.
type Store struct {
	db  *bolt.DB
	now func() time.Time
}

// LoadAt opens the record store at path, creating it if needed.
func LoadAt(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), dbDirPerm); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := bolt.Open(path, dbFilePerm, &bolt.Options{Timeout: dbOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening store db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(metaBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(sessionsBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing store db: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// SetClock replaces the time source used for timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the store can serve requests.
func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := s.db.View(func(*bolt.Tx) error { return nil }); err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrPersistence, err)
	}

	return nil
}

func (s *Store) stamp() time.Time {
	return s.now().UTC()
}

func getTask(b *bolt.Bucket, id string) (*models.Task, error) {
	if b == nil {
		return nil, nil
	}

	v := b.Get([]byte(id))
	if v == nil {
		return nil, nil
	}

	t := &models.Task{}
	if err := json.Unmarshal(v, t); err != nil {
		return nil, fmt.Errorf("decoding task %s: %w", id, err)
	}

	return t, nil
}

func putTask(b *bolt.Bucket, t models.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}

	return b.Put([]byte(t.ID), data)
}

// FindByID returns owner's record with id, or nil. Soft-deleted records
// are returned; callers decide how to treat them. Records of other
// owners are never visible.
func (s *Store) FindByID(owner, id string) (*models.Task, error) {
	var t *models.Task

	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		t, err = getTask(tx.Bucket(tasksBucket(owner)), id)

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrPersistence, err)
	}

	return t, nil
}

// FindByClientID returns the record created under clientID, or nil.
func (s *Store) FindByClientID(owner, clientID string) (*models.Task, error) {
	var t *models.Task

	err := s.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket(clientIDsBucket(owner))
		if idx == nil {
			return nil
		}

		id := idx.Get([]byte(clientID))
		if id == nil {
			return nil
		}

		var err error
		t, err = getTask(tx.Bucket(tasksBucket(owner)), string(id))

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrPersistence, err)
	}

	return t, nil
}

// CreateOnce inserts t for owner unless a record with the same ClientID
// already exists. The lookup and insert happen in one transaction, so
// two deliveries of the same create can never both insert. It returns
// the stored record and whether it was newly created.
func (s *Store) CreateOnce(owner string, t models.Task) (models.Task, bool, error) {
	if t.ClientID == "" {
		return models.Task{}, false, fmt.Errorf("%w: create requires a client id", apperr.ErrValidation)
	}

	var (
		out     models.Task
		created bool
	)

	err := s.db.Update(func(tx *bolt.Tx) error {
		tasks, err := tx.CreateBucketIfNotExists(tasksBucket(owner))
		if err != nil {
			return err
		}

		idx, err := tx.CreateBucketIfNotExists(clientIDsBucket(owner))
		if err != nil {
			return err
		}

		if id := idx.Get([]byte(t.ClientID)); id != nil {
			existing, err := getTask(tasks, string(id))
			if err != nil {
				return err
			}

			if existing == nil {
				return fmt.Errorf("client id %s points at missing task %s", t.ClientID, id)
			}

			out = *existing

			return nil
		}

		seq, err := tx.Bucket(metaBucket).NextSequence()
		if err != nil {
			return err
		}

		now := s.stamp()
		t.ID = strconv.FormatUint(seq, 10)
		t.Owner = owner
		t.Deleted = false
		t.CreatedAt = now
		t.UpdatedAt = now

		if err := putTask(tasks, t); err != nil {
			return err
		}

		if err := idx.Put([]byte(t.ClientID), []byte(t.ID)); err != nil {
			return err
		}

		out, created = t, true

		return nil
	})
	if err != nil {
		return models.Task{}, false, fmt.Errorf("%w: creating task: %v", apperr.ErrPersistence, err)
	}

	return out, created, nil
}

// Update loads owner's record id, passes it to fn and writes it back
// with a fresh UpdatedAt. A missing record is ErrNotFound. An error from
// fn aborts the write and is returned unchanged.
func (s *Store) Update(owner, id string, fn func(*models.Task) error) (models.Task, error) {
	var (
		out   models.Task
		fnErr error
	)

	err := s.db.Update(func(tx *bolt.Tx) error {
		tasks := tx.Bucket(tasksBucket(owner))

		t, err := getTask(tasks, id)
		if err != nil {
			return err
		}

		if t == nil {
			fnErr = apperr.ErrNotFound
			return fnErr
		}

		if fnErr = fn(t); fnErr != nil {
			return fnErr
		}

		t.UpdatedAt = s.stamp()
		out = *t

		return putTask(tasks, *t)
	})

	switch {
	case fnErr != nil:
		return models.Task{}, fnErr
	case err != nil:
		return models.Task{}, fmt.Errorf("%w: updating task %s: %v", apperr.ErrPersistence, id, err)
	}

	return out, nil
}

// List returns owner's visible records, newest first.
func (s *Store) List(owner string) ([]models.Task, error) {
	out := []models.Task{}

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(tasksBucket(owner))
		if b == nil {
			return nil
		}

		return b.ForEach(func(_, v []byte) error {
			var t models.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}

			if !t.Deleted {
				out = append(out, t)
			}

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: listing tasks: %v", apperr.ErrPersistence, err)
	}

	models.SortNewestFirst(out)

	return out, nil
}

// SaveSession stores a session by its token hash.
func (s *Store) SaveSession(sess models.Session) error {
	if sess.TokenHash == "" {
		return fmt.Errorf("token hash is required for persistence")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(sess)
		if err != nil {
			return err
		}

		return tx.Bucket(sessionsBucket).Put([]byte(sess.TokenHash), data)
	})
}

// DeleteSession removes a session by its token hash.
func (s *Store) DeleteSession(tokenHash string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Delete([]byte(tokenHash))
	})
}

// AllSessions returns every stored session.
func (s *Store) AllSessions() ([]models.Session, error) {
	var out []models.Session

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).ForEach(func(_, v []byte) error {
			var sess models.Session
			if err := json.Unmarshal(v, &sess); err != nil {
				return err
			}

			out = append(out, sess)

			return nil
		})
	})

	return out, err
}
