package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"

	apperr "github.com/alexjbarnes/task-sync/internal/errors"
	"github.com/alexjbarnes/task-sync/internal/models"
	"github.com/alexjbarnes/task-sync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func statusPtr(s models.Status) *models.Status { return &s }

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.LoadAt(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	s := testStore(t)
	return New(s, slog.New(slog.DiscardHandler)), s
}

// faultyRepo fails every write after the first okWrites.
type faultyRepo struct {
	Repository
	okWrites int
	writes   int
	pingErr  error
}

var errDiskGone = errors.New("disk gone")

func (f *faultyRepo) Ping(ctx context.Context) error {
	if f.pingErr != nil {
		return f.pingErr
	}
	return f.Repository.Ping(ctx)
}

func (f *faultyRepo) CreateOnce(owner string, t models.Task) (models.Task, bool, error) {
	f.writes++
	if f.writes > f.okWrites {
		return models.Task{}, false, errDiskGone
	}
	return f.Repository.CreateOnce(owner, t)
}

func (f *faultyRepo) Update(owner, id string, fn func(*models.Task) error) (models.Task, error) {
	f.writes++
	if f.writes > f.okWrites {
		return models.Task{}, errDiskGone
	}
	return f.Repository.Update(owner, id, fn)
}

func apply(t *testing.T, e *Engine, owner string, actions ...models.Action) *models.SyncResponse {
	t.Helper()
	resp, err := e.Apply(context.Background(), owner, actions)
	require.NoError(t, err)
	require.Len(t, resp.Outcomes, len(actions))
	return resp
}

// --- create ---

func TestApply_CreateAssignsServerID(t *testing.T) {
	e, _ := testEngine(t)

	resp := apply(t, e, "alice", models.CreateAction{ClientID: "client-p1", Title: "X"})

	out := resp.Outcomes[0]
	assert.True(t, out.OK())
	assert.Equal(t, 0, out.Index)
	assert.NotEmpty(t, out.ServerID)
	assert.False(t, models.IsProvisionalID(out.ServerID))
	assert.Equal(t, out.ServerID, resp.IDMap["client-p1"])

	require.Len(t, resp.Tasks, 1)
	assert.Equal(t, out.ServerID, resp.Tasks[0].ID)
	assert.Equal(t, "X", resp.Tasks[0].Title)
	assert.Equal(t, models.StatusPending, resp.Tasks[0].Status)
}

func TestApply_IdempotentCreateAcrossRounds(t *testing.T) {
	e, s := testEngine(t)
	create := models.CreateAction{ClientID: "client-p1", Title: "X"}

	first := apply(t, e, "alice", create)
	second := apply(t, e, "alice", create)

	assert.Equal(t, first.Outcomes[0].ServerID, second.Outcomes[0].ServerID)
	assert.Equal(t, first.IDMap["client-p1"], second.IDMap["client-p1"])

	list, err := s.List("alice")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestApply_RetransmittedCreateUpdatesInPlace(t *testing.T) {
	e, s := testEngine(t)

	first := apply(t, e, "alice", models.CreateAction{ClientID: "client-p1", Title: "X"})
	apply(t, e, "alice", models.CreateAction{ClientID: "client-p1", Title: "Y", Status: models.StatusInProgress})

	got, err := s.FindByID("alice", first.Outcomes[0].ServerID)
	require.NoError(t, err)
	assert.Equal(t, "Y", got.Title)
	assert.Equal(t, models.StatusInProgress, got.Status)
}

func TestApply_RetransmittedCreateDoesNotResurrect(t *testing.T) {
	e, s := testEngine(t)

	first := apply(t, e, "alice",
		models.CreateAction{ClientID: "client-p1", Title: "X"},
		models.DeleteAction{ID: "client-p1"},
	)
	resp := apply(t, e, "alice", models.CreateAction{ClientID: "client-p1", Title: "X"})

	assert.True(t, resp.Outcomes[0].OK())
	assert.Empty(t, resp.Tasks)

	got, err := s.FindByID("alice", first.IDMap["client-p1"])
	require.NoError(t, err)
	assert.True(t, got.Deleted)
}

func TestApply_CreateValidation(t *testing.T) {
	e, _ := testEngine(t)

	resp := apply(t, e, "alice",
		models.CreateAction{ClientID: "client-a", Title: "   "},
		models.CreateAction{ClientID: "client-b", Title: "ok", Status: "Archived"},
		models.CreateAction{Title: "no id"},
	)

	for _, out := range resp.Outcomes {
		assert.False(t, out.OK())
		assert.Equal(t, models.ErrorKindValidation, out.ErrorKind)
		assert.NotEmpty(t, out.Message)
	}
	assert.Empty(t, resp.IDMap)
	assert.Empty(t, resp.Tasks)
}

func TestApply_CreateNormalizesTitle(t *testing.T) {
	e, _ := testEngine(t)

	resp := apply(t, e, "alice", models.CreateAction{ClientID: "client-a", Title: "  Café "})
	require.Len(t, resp.Tasks, 1)
	assert.Equal(t, "Café", resp.Tasks[0].Title)
}

// --- ordering ---

func TestApply_OrderingWithinBatch(t *testing.T) {
	e, s := testEngine(t)

	resp := apply(t, e, "alice",
		models.CreateAction{ClientID: "client-p", Title: "A"},
		models.UpdateAction{ID: "client-p", Title: strPtr("B")},
	)

	require.True(t, resp.Outcomes[0].OK())
	require.True(t, resp.Outcomes[1].OK())
	assert.Equal(t, resp.Outcomes[0].ServerID, resp.Outcomes[1].ServerID)

	list, err := s.List("alice")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "B", list[0].Title)
}

func TestApply_UpdateOfProvisionalFromEarlierRound(t *testing.T) {
	e, _ := testEngine(t)

	// The create's response was lost; the client still refers to the
	// provisional id.
	first := apply(t, e, "alice", models.CreateAction{ClientID: "client-p", Title: "A"})
	resp := apply(t, e, "alice", models.UpdateAction{ID: "client-p", Title: strPtr("B")})

	require.True(t, resp.Outcomes[0].OK())
	assert.Equal(t, first.IDMap["client-p"], resp.Outcomes[0].ServerID)
	assert.Equal(t, "B", resp.Tasks[0].Title)
}

func TestApply_UpdateOfUnknownProvisional(t *testing.T) {
	e, _ := testEngine(t)

	resp := apply(t, e, "alice", models.UpdateAction{ID: "client-nope", Title: strPtr("B")})
	assert.Equal(t, models.ErrorKindNotFound, resp.Outcomes[0].ErrorKind)
}

// --- per-action atomicity ---

func TestApply_FailureDoesNotAbortSiblings(t *testing.T) {
	e, s := testEngine(t)

	resp := apply(t, e, "alice",
		models.CreateAction{ClientID: "client-a", Title: "A"},
		models.UpdateAction{ID: "999", Title: strPtr("nope")},
		models.CreateAction{ClientID: "client-b", Title: "B"},
	)

	assert.True(t, resp.Outcomes[0].OK())
	assert.Equal(t, models.ErrorKindNotFound, resp.Outcomes[1].ErrorKind)
	assert.True(t, resp.Outcomes[2].OK())

	list, err := s.List("alice")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

// --- delete ---

func TestApply_IdempotentDelete(t *testing.T) {
	e, s := testEngine(t)

	created := apply(t, e, "alice", models.CreateAction{ClientID: "client-a", Title: "A"})
	id := created.Outcomes[0].ServerID

	first := apply(t, e, "alice", models.DeleteAction{ID: id})
	second := apply(t, e, "alice", models.DeleteAction{ID: id})
	missing := apply(t, e, "alice", models.DeleteAction{ID: "424242"})
	unknownProvisional := apply(t, e, "alice", models.DeleteAction{ID: "client-never"})

	assert.True(t, first.Outcomes[0].OK())
	assert.True(t, second.Outcomes[0].OK())
	assert.True(t, missing.Outcomes[0].OK())
	assert.True(t, unknownProvisional.Outcomes[0].OK())

	// Soft delete: the record still exists.
	got, err := s.FindByID("alice", id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Deleted)
	assert.Empty(t, second.Tasks)
}

func TestApply_UpdateOfDeletedIsNotFound(t *testing.T) {
	e, _ := testEngine(t)

	resp := apply(t, e, "alice",
		models.CreateAction{ClientID: "client-a", Title: "A"},
		models.DeleteAction{ID: "client-a"},
		models.UpdateAction{ID: "client-a", Title: strPtr("B")},
	)

	assert.True(t, resp.Outcomes[1].OK())
	assert.Equal(t, models.ErrorKindNotFound, resp.Outcomes[2].ErrorKind)
}

// --- ownership ---

func TestApply_OwnershipIsolation(t *testing.T) {
	e, s := testEngine(t)

	created := apply(t, e, "u1", models.CreateAction{ClientID: "client-a", Title: "mine"})
	id := created.Outcomes[0].ServerID

	resp := apply(t, e, "u2",
		models.UpdateAction{ID: id, Title: strPtr("stolen")},
		models.DeleteAction{ID: id},
		models.UpdateAction{ID: "client-a", Title: strPtr("stolen")},
	)

	assert.Equal(t, models.ErrorKindNotFound, resp.Outcomes[0].ErrorKind)
	// Delete of a record the user cannot see reports success without
	// touching it.
	assert.True(t, resp.Outcomes[1].OK())
	assert.Empty(t, resp.Outcomes[1].ServerID)
	assert.Equal(t, models.ErrorKindNotFound, resp.Outcomes[2].ErrorKind)
	assert.Empty(t, resp.Tasks)

	got, err := s.FindByID("u1", id)
	require.NoError(t, err)
	assert.Equal(t, "mine", got.Title)
	assert.False(t, got.Deleted)
}

func TestApply_SameClientIDDifferentOwners(t *testing.T) {
	e, _ := testEngine(t)

	a := apply(t, e, "u1", models.CreateAction{ClientID: "client-same", Title: "A"})
	b := apply(t, e, "u2", models.CreateAction{ClientID: "client-same", Title: "B"})

	assert.NotEqual(t, a.Outcomes[0].ServerID, b.Outcomes[0].ServerID)
}

// --- status validation ---

func TestApply_InvalidStatusRejectsWholeUpdate(t *testing.T) {
	e, s := testEngine(t)

	created := apply(t, e, "alice", models.CreateAction{ClientID: "client-a", Title: "A"})
	id := created.Outcomes[0].ServerID

	resp := apply(t, e, "alice", models.UpdateAction{
		ID:     id,
		Title:  strPtr("changed"),
		Status: statusPtr("Archived"),
	})

	assert.Equal(t, models.ErrorKindValidation, resp.Outcomes[0].ErrorKind)

	got, err := s.FindByID("alice", id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, "A", got.Title)
}

func TestApply_UpdateOnlyPresentFields(t *testing.T) {
	e, s := testEngine(t)

	created := apply(t, e, "alice", models.CreateAction{ClientID: "client-a", Title: "A", Description: "keep"})
	id := created.Outcomes[0].ServerID

	apply(t, e, "alice", models.UpdateAction{ID: id, Status: statusPtr(models.StatusCompleted)})

	got, err := s.FindByID("alice", id)
	require.NoError(t, err)
	assert.Equal(t, "A", got.Title)
	assert.Equal(t, "keep", got.Description)
	assert.Equal(t, models.StatusCompleted, got.Status)
}

// --- envelopes ---

func TestApplyBatch_UndecodableEnvelopeIsPerAction(t *testing.T) {
	e, _ := testEngine(t)

	resp, err := e.ApplyBatch(context.Background(), "alice", []models.ActionEnvelope{
		{Kind: "archive", ClientRef: "1"},
		{Kind: models.KindCreate, ClientRef: "client-a", Payload: json.RawMessage(`{"title":"A"}`)},
		{Kind: models.KindUpdate, ClientRef: "client-a", Payload: json.RawMessage(`[1,2]`)},
	})
	require.NoError(t, err)
	require.Len(t, resp.Outcomes, 3)

	assert.Equal(t, models.ErrorKindValidation, resp.Outcomes[0].ErrorKind)
	assert.True(t, resp.Outcomes[1].OK())
	assert.Equal(t, models.ErrorKindValidation, resp.Outcomes[2].ErrorKind)
	assert.Len(t, resp.Tasks, 1)
}

func TestApplyBatch_EmptyBatch(t *testing.T) {
	e, _ := testEngine(t)

	resp, err := e.ApplyBatch(context.Background(), "alice", nil)
	require.NoError(t, err)
	assert.Empty(t, resp.Outcomes)
	assert.NotNil(t, resp.IDMap)
	assert.NotNil(t, resp.Tasks)
}

// --- persistence failures ---

func TestApply_StoreUnavailableAppliesNothing(t *testing.T) {
	s := testStore(t)
	repo := &faultyRepo{Repository: s, okWrites: 100, pingErr: errDiskGone}
	e := New(repo, slog.New(slog.DiscardHandler))

	_, err := e.Apply(context.Background(), "alice", []models.Action{
		models.CreateAction{ClientID: "client-a", Title: "A"},
	})
	assert.ErrorIs(t, err, apperr.ErrPersistence)
	assert.Equal(t, 0, repo.writes)

	list, err := s.List("alice")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestApply_MidBatchFailureAbortsAndReplayIsSafe(t *testing.T) {
	s := testStore(t)
	repo := &faultyRepo{Repository: s, okWrites: 1}
	e := New(repo, slog.New(slog.DiscardHandler))

	batch := []models.Action{
		models.CreateAction{ClientID: "client-a", Title: "A"},
		models.CreateAction{ClientID: "client-b", Title: "B"},
	}

	_, err := e.Apply(context.Background(), "alice", batch)
	assert.ErrorIs(t, err, apperr.ErrPersistence)

	// The first action stuck; replaying the whole batch must not
	// duplicate it.
	healthy := New(s, slog.New(slog.DiscardHandler))
	resp, err := healthy.Apply(context.Background(), "alice", batch)
	require.NoError(t, err)
	assert.True(t, resp.Outcomes[0].OK())
	assert.True(t, resp.Outcomes[1].OK())
	assert.Len(t, resp.Tasks, 2)
}

func TestApply_CancelledContext(t *testing.T) {
	e, _ := testEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Apply(ctx, "alice", []models.Action{models.DeleteAction{ID: "1"}})
	assert.Error(t, err)
}

func TestApply_RequiresOwner(t *testing.T) {
	e, _ := testEngine(t)
	_, err := e.Apply(context.Background(), "", nil)
	assert.ErrorIs(t, err, apperr.ErrAuthentication)
}

// --- single-task operations ---

func TestSingleOperations(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()

	task, err := e.Create(ctx, "alice", models.CreateAction{ClientID: "client-a", Title: "A"})
	require.NoError(t, err)

	got, err := e.Get(ctx, "alice", task.ID)
	require.NoError(t, err)
	assert.Equal(t, "A", got.Title)

	_, err = e.Get(ctx, "bob", task.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	updated, err := e.Update(ctx, "alice", models.UpdateAction{ID: task.ID, Status: statusPtr(models.StatusInProgress)})
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, updated.Status)

	_, err = e.Update(ctx, "alice", models.UpdateAction{ID: task.ID, Status: statusPtr("Archived")})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	require.NoError(t, e.Delete(ctx, "alice", task.ID))
	require.NoError(t, e.Delete(ctx, "alice", task.ID))

	_, err = e.Get(ctx, "alice", task.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	list, err := e.List(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, list)
}
