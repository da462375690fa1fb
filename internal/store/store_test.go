package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	apperr "github.com/alexjbarnes/task-sync/internal/errors"
	"github.com/alexjbarnes/task-sync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *Store {
	t.Helper()
	s, err := LoadAt(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTask(clientID, title string) models.Task {
	return models.Task{ClientID: clientID, Title: title, Status: models.StatusPending}
}

// --- LoadAt / Ping ---

func TestLoadAt_ReopensExistingDB(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.db")

	s1, err := LoadAt(path)
	require.NoError(t, err)
	created, _, err := s1.CreateOnce("alice", newTask("client-a", "A"))
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := LoadAt(path)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.FindByID("alice", created.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "A", got.Title)
}

func TestPing(t *testing.T) {
	s := testDB(t)
	assert.NoError(t, s.Ping(context.Background()))

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Ping(context.Background()), apperr.ErrPersistence)
}

func TestPing_CancelledContext(t *testing.T) {
	s := testDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Ping(ctx), context.Canceled)
}

// --- CreateOnce ---

func TestCreateOnce_AssignsServerID(t *testing.T) {
	s := testDB(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	task, created, err := s.CreateOnce("alice", newTask("client-a", "A"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "1", task.ID)
	assert.False(t, models.IsProvisionalID(task.ID))
	assert.Equal(t, "alice", task.Owner)
	assert.Equal(t, now, task.CreatedAt)
	assert.Equal(t, now, task.UpdatedAt)
}

func TestCreateOnce_IdsNeverReusedAcrossOwners(t *testing.T) {
	s := testDB(t)

	a, _, err := s.CreateOnce("alice", newTask("client-a", "A"))
	require.NoError(t, err)
	b, _, err := s.CreateOnce("bob", newTask("client-a", "B"))
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
}

func TestCreateOnce_SameClientIDReturnsExisting(t *testing.T) {
	s := testDB(t)

	first, created, err := s.CreateOnce("alice", newTask("client-a", "A"))
	require.NoError(t, err)
	require.True(t, created)

	again, created, err := s.CreateOnce("alice", newTask("client-a", "A again"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "A", again.Title, "existing record is returned untouched")

	list, err := s.List("alice")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestCreateOnce_ConcurrentDeliveriesInsertOnce(t *testing.T) {
	s := testDB(t)

	var wg sync.WaitGroup
	results := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, created, err := s.CreateOnce("alice", newTask("client-a", "A"))
			assert.NoError(t, err)
			results <- created
		}()
	}
	wg.Wait()
	close(results)

	count := 0
	for created := range results {
		if created {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestCreateOnce_RequiresClientID(t *testing.T) {
	s := testDB(t)
	_, _, err := s.CreateOnce("alice", models.Task{Title: "A"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

// --- Find ---

func TestFind_OwnershipIsolation(t *testing.T) {
	s := testDB(t)
	task, _, err := s.CreateOnce("alice", newTask("client-a", "A"))
	require.NoError(t, err)

	got, err := s.FindByID("bob", task.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = s.FindByClientID("bob", "client-a")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = s.FindByClientID("alice", "client-a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, task.ID, got.ID)
}

// --- Update ---

func TestUpdate_AppliesAndStamps(t *testing.T) {
	s := testDB(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	task, _, err := s.CreateOnce("alice", newTask("client-a", "A"))
	require.NoError(t, err)

	now = now.Add(time.Minute)
	updated, err := s.Update("alice", task.ID, func(t *models.Task) error {
		t.Status = models.StatusCompleted
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, updated.Status)
	assert.Equal(t, now, updated.UpdatedAt)
	assert.Equal(t, task.CreatedAt, updated.CreatedAt)
}

func TestUpdate_NotFound(t *testing.T) {
	s := testDB(t)
	task, _, err := s.CreateOnce("alice", newTask("client-a", "A"))
	require.NoError(t, err)

	_, err = s.Update("bob", task.ID, func(*models.Task) error { return nil })
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = s.Update("alice", "999", func(*models.Task) error { return nil })
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestUpdate_CallbackErrorAbortsWrite(t *testing.T) {
	s := testDB(t)
	task, _, err := s.CreateOnce("alice", newTask("client-a", "A"))
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = s.Update("alice", task.ID, func(t *models.Task) error {
		t.Title = "changed"
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.FindByID("alice", task.ID)
	require.NoError(t, err)
	assert.Equal(t, "A", got.Title)
}

// --- List ---

func TestList_ExcludesDeletedNewestFirst(t *testing.T) {
	s := testDB(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	a, _, err := s.CreateOnce("alice", newTask("client-a", "A"))
	require.NoError(t, err)
	now = now.Add(time.Second)
	b, _, err := s.CreateOnce("alice", newTask("client-b", "B"))
	require.NoError(t, err)
	now = now.Add(time.Second)
	c, _, err := s.CreateOnce("alice", newTask("client-c", "C"))
	require.NoError(t, err)

	_, err = s.Update("alice", b.ID, func(t *models.Task) error {
		t.Deleted = true
		return nil
	})
	require.NoError(t, err)

	list, err := s.List("alice")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, c.ID, list[0].ID)
	assert.Equal(t, a.ID, list[1].ID)
}

func TestList_UnknownOwnerIsEmptyNotNil(t *testing.T) {
	s := testDB(t)
	list, err := s.List("nobody")
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)
}

// --- sessions ---

func TestSessions_RoundTrip(t *testing.T) {
	s := testDB(t)
	sess := models.Session{TokenHash: "abc", UserID: "alice", ExpiresAt: time.Now().Add(time.Hour).UTC()}

	require.NoError(t, s.SaveSession(sess))
	all, err := s.AllSessions()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "alice", all[0].UserID)

	require.NoError(t, s.DeleteSession("abc"))
	all, err = s.AllSessions()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSaveSession_RequiresHash(t *testing.T) {
	s := testDB(t)
	assert.Error(t, s.SaveSession(models.Session{UserID: "alice"}))
}
