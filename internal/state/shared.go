package state

import (
	"time"

	"github.com/alexjbarnes/task-sync/internal/models"
)

// Shared opens the database for each operation and closes it again, so
// a long-running process (taskctl watch) does not hold the file lock
// that one-shot commands need.
type Shared struct {
	path    string
	timeout time.Duration
}

// NewShared creates a Shared handle for the database at path. timeout
// bounds each wait for the file lock; zero uses DefaultOpenTimeout.
func NewShared(path string, timeout time.Duration) *Shared {
	return &Shared{path: path, timeout: timeout}
}

// Path returns the database file path.
func (s *Shared) Path() string {
	return s.path
}

func (s *Shared) with(fn func(*State) error) error {
	st, err := LoadAt(s.path, s.timeout)
	if err != nil {
		return err
	}
	defer st.Close()

	return fn(st)
}

// Token returns the cached bearer credential, or empty string when the
// database cannot be opened.
func (s *Shared) Token() string {
	var out string

	_ = s.with(func(st *State) error {
		out = st.Token()
		return nil
	})

	return out
}

// Record is State.Record.
func (s *Shared) Record(a models.Action, view models.Task) (uint64, error) {
	var seq uint64

	err := s.with(func(st *State) error {
		var err error
		seq, err = st.Record(a, view)

		return err
	})

	return seq, err
}

// Pending is State.Pending.
func (s *Shared) Pending() ([]QueuedAction, error) {
	var out []QueuedAction

	err := s.with(func(st *State) error {
		var err error
		out, err = st.Pending()

		return err
	})

	return out, err
}

// PendingCount is State.PendingCount. It returns zero when the database
// cannot be opened.
func (s *Shared) PendingCount() int {
	n := 0

	_ = s.with(func(st *State) error {
		n = st.PendingCount()
		return nil
	})

	return n
}

// Settle is State.Settle.
func (s *Shared) Settle(through uint64, rebase Rebase) (int, error) {
	var kept int

	err := s.with(func(st *State) error {
		var err error
		kept, err = st.Settle(through, rebase)

		return err
	})

	return kept, err
}

// QueueSequence is State.QueueSequence.
func (s *Shared) QueueSequence() (uint64, error) {
	var seq uint64

	err := s.with(func(st *State) error {
		var err error
		seq, err = st.QueueSequence()

		return err
	})

	return seq, err
}

// ReplaceCacheIfIdle is State.ReplaceCacheIfIdle.
func (s *Shared) ReplaceCacheIfIdle(tasks []models.Task) (bool, error) {
	var replaced bool

	err := s.with(func(st *State) error {
		var err error
		replaced, err = st.ReplaceCacheIfIdle(tasks)

		return err
	})

	return replaced, err
}

// Task is State.Task.
func (s *Shared) Task(id string) (*models.Task, error) {
	var t *models.Task

	err := s.with(func(st *State) error {
		var err error
		t, err = st.Task(id)

		return err
	})

	return t, err
}

// Tasks is State.Tasks.
func (s *Shared) Tasks() ([]models.Task, error) {
	var out []models.Task

	err := s.with(func(st *State) error {
		var err error
		out, err = st.Tasks()

		return err
	})

	return out, err
}
