// Package engine applies batches of task actions for one authenticated
// user. Each action is atomic on its own; a batch never is. A failure in
// one action is reported in that action's outcome and the engine moves
// on to the next. The engine is the only writer to the record store:
// the sync endpoint, the single-task REST handlers and the MCP tools all
// go through it.
//
// Conflict policy: last write wins. The engine applies whatever arrives,
// in order, and returns the canonical snapshot; clients replace their
// cache with that snapshot instead of merging field by field.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	apperr "github.com/alexjbarnes/task-sync/internal/errors"
	"github.com/alexjbarnes/task-sync/internal/models"
)

// Repository is the record store the engine writes through. Every call
// is scoped to one owner.
type Repository interface {
	Ping(ctx context.Context) error
	FindByID(owner, id string) (*models.Task, error)
	FindByClientID(owner, clientID string) (*models.Task, error)
	CreateOnce(owner string, t models.Task) (models.Task, bool, error)
	Update(owner, id string, fn func(*models.Task) error) (models.Task, error)
	List(owner string) ([]models.Task, error)
}

// errAlreadyDeleted aborts a delete's write when the record is already
// soft-deleted.
var errAlreadyDeleted = errors.New("already deleted")

// Engine is the Reconciliation Engine.
type Engine struct {
	repo   Repository
	logger *slog.Logger
}

// New creates an engine writing through repo.
func New(repo Repository, logger *slog.Logger) *Engine {
	return &Engine{repo: repo, logger: logger}
}

// batchItem is one position of a batch: either a decoded action or the
// reason it could not be decoded.
type batchItem struct {
	action models.Action
	err    error
}

// Apply runs actions in order for owner and returns one outcome per
// action, the provisional-to-server id map and the owner's canonical
// task list. The returned error is non-nil only when the store is
// unavailable or ctx ends; in that case the caller should report the
// whole request as failed and the client retries it.
func (e *Engine) Apply(ctx context.Context, owner string, actions []models.Action) (*models.SyncResponse, error) {
	items := make([]batchItem, len(actions))
	for i, a := range actions {
		items[i] = batchItem{action: a}
	}

	return e.apply(ctx, owner, items)
}

// ApplyBatch is Apply for wire envelopes. An envelope that does not
// decode (unknown kind, unreadable payload) becomes a validation outcome
// for that position and does not affect its neighbours.
func (e *Engine) ApplyBatch(ctx context.Context, owner string, envs []models.ActionEnvelope) (*models.SyncResponse, error) {
	items := make([]batchItem, len(envs))
	for i, env := range envs {
		a, err := models.DecodeAction(env)
		items[i] = batchItem{action: a, err: err}
	}

	return e.apply(ctx, owner, items)
}

func (e *Engine) apply(ctx context.Context, owner string, items []batchItem) (*models.SyncResponse, error) {
	if owner == "" {
		return nil, apperr.ErrAuthentication
	}

	// Refuse the batch up front rather than failing every action.
	if err := e.repo.Ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrPersistence, err)
	}

	resp := &models.SyncResponse{
		Outcomes: make([]models.Outcome, 0, len(items)),
		IDMap:    make(map[string]string),
	}

	applied, failed := 0, 0

	for i, it := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		out := models.Outcome{Index: i}

		var (
			serverID string
			err      = it.err
		)

		if err == nil {
			serverID, err = e.applyOne(owner, it.action, resp.IDMap)
		}

		kind := classify(err)
		if kind == models.ErrorKindPersistence {
			e.logger.Error("batch aborted",
				slog.String("user_id", owner),
				slog.Int("index", i),
				slog.Int("applied", applied),
				slog.String("error", err.Error()),
			)

			return nil, fmt.Errorf("%w: action %d: %v", apperr.ErrPersistence, i, err)
		}

		if err != nil {
			failed++
			out.Status = models.OutcomeError
			out.ErrorKind = kind
			out.Message = err.Error()

			e.logger.Info("action rejected",
				slog.String("user_id", owner),
				slog.Int("index", i),
				slog.String("kind", kindOf(it.action)),
				slog.String("error_kind", string(kind)),
				slog.String("error", err.Error()),
			)
		} else {
			applied++
			out.Status = models.OutcomeOK
			out.ServerID = serverID
		}

		resp.Outcomes = append(resp.Outcomes, out)
	}

	tasks, err := e.repo.List(owner)
	if err != nil {
		return nil, fmt.Errorf("%w: listing snapshot: %v", apperr.ErrPersistence, err)
	}

	resp.Tasks = tasks

	e.logger.Info("batch applied",
		slog.String("user_id", owner),
		slog.Int("actions", len(items)),
		slog.Int("applied", applied),
		slog.Int("failed", failed),
	)

	return resp, nil
}

func (e *Engine) applyOne(owner string, a models.Action, idMap map[string]string) (string, error) {
	switch v := a.(type) {
	case models.CreateAction:
		t, err := e.create(owner, v)
		if err != nil {
			return "", err
		}

		idMap[v.ClientID] = t.ID

		return t.ID, nil

	case models.UpdateAction:
		t, err := e.update(owner, v, idMap)
		if err != nil {
			return "", err
		}

		return t.ID, nil

	case models.DeleteAction:
		return e.delete(owner, v, idMap)
	}

	return "", fmt.Errorf("%w: unsupported action %T", apperr.ErrValidation, a)
}

// create inserts a record keyed by the action's client id. A client id
// that already has a record is a retransmission: its fields are written
// over the existing record and the same server id is returned. A record
// that was deleted in the meantime stays deleted.
func (e *Engine) create(owner string, a models.CreateAction) (models.Task, error) {
	a, err := a.Normalize()
	if err != nil {
		return models.Task{}, err
	}

	t, created, err := e.repo.CreateOnce(owner, models.Task{
		ClientID:    a.ClientID,
		Title:       a.Title,
		Description: a.Description,
		Status:      a.Status,
	})
	if err != nil || created {
		return t, err
	}

	if t.Title == a.Title && t.Description == a.Description && t.Status == a.Status {
		return t, nil
	}

	e.logger.Debug("create retransmitted",
		slog.String("user_id", owner),
		slog.String("client_id", a.ClientID),
		slog.String("task_id", t.ID),
	)

	return e.repo.Update(owner, t.ID, func(rec *models.Task) error {
		rec.Title = a.Title
		rec.Description = a.Description
		rec.Status = a.Status

		return nil
	})
}

// update applies the present fields. A deleted record is not found.
func (e *Engine) update(owner string, a models.UpdateAction, idMap map[string]string) (models.Task, error) {
	a, err := a.Normalize()
	if err != nil {
		return models.Task{}, err
	}

	id, err := e.resolve(owner, a.ID, idMap)
	if err != nil {
		return models.Task{}, err
	}

	return e.repo.Update(owner, id, func(rec *models.Task) error {
		if rec.Deleted {
			return apperr.ErrNotFound
		}

		a.Apply(rec)

		return nil
	})
}

// delete soft-deletes the record. Deleting a missing or already deleted
// record succeeds.
func (e *Engine) delete(owner string, a models.DeleteAction, idMap map[string]string) (string, error) {
	if a.ID == "" {
		return "", fmt.Errorf("%w: delete requires a task id", apperr.ErrValidation)
	}

	id, err := e.resolve(owner, a.ID, idMap)
	if errors.Is(err, apperr.ErrNotFound) {
		return "", nil
	}

	if err != nil {
		return "", err
	}

	_, err = e.repo.Update(owner, id, func(rec *models.Task) error {
		if rec.Deleted {
			return errAlreadyDeleted
		}

		rec.Deleted = true

		return nil
	})

	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return "", nil
	case errors.Is(err, errAlreadyDeleted):
		return id, nil
	case err != nil:
		return "", err
	}

	return id, nil
}

// resolve turns a reference into a server id. A provisional id is looked
// up in this batch's map first, then by client id in case its create was
// applied in an earlier round whose response never arrived.
func (e *Engine) resolve(owner, ref string, idMap map[string]string) (string, error) {
	if id, ok := idMap[ref]; ok {
		return id, nil
	}

	if !models.IsProvisionalID(ref) {
		return ref, nil
	}

	t, err := e.repo.FindByClientID(owner, ref)
	if err != nil {
		return "", err
	}

	if t == nil {
		return "", fmt.Errorf("%w: %s", apperr.ErrNotFound, ref)
	}

	return t.ID, nil
}

// Create applies a single create outside a batch.
func (e *Engine) Create(ctx context.Context, owner string, a models.CreateAction) (models.Task, error) {
	if err := ctx.Err(); err != nil {
		return models.Task{}, err
	}

	t, err := e.create(owner, a)
	e.logSingle(owner, models.KindCreate, t.ID, err)

	return t, err
}

// Update applies a single update outside a batch.
func (e *Engine) Update(ctx context.Context, owner string, a models.UpdateAction) (models.Task, error) {
	if err := ctx.Err(); err != nil {
		return models.Task{}, err
	}

	t, err := e.update(owner, a, nil)
	e.logSingle(owner, models.KindUpdate, a.ID, err)

	return t, err
}

// Delete soft-deletes a single task. It succeeds for unknown ids.
func (e *Engine) Delete(ctx context.Context, owner, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := e.delete(owner, models.DeleteAction{ID: id}, nil)
	e.logSingle(owner, models.KindDelete, id, err)

	return err
}

// Get returns one visible task. Deleted records and records of other
// owners are ErrNotFound.
func (e *Engine) Get(ctx context.Context, owner, id string) (models.Task, error) {
	if err := ctx.Err(); err != nil {
		return models.Task{}, err
	}

	t, err := e.repo.FindByID(owner, id)
	if err != nil {
		return models.Task{}, err
	}

	if t == nil || t.Deleted {
		return models.Task{}, fmt.Errorf("%w: %s", apperr.ErrNotFound, id)
	}

	return *t, nil
}

// List returns owner's visible tasks, newest first.
func (e *Engine) List(ctx context.Context, owner string) ([]models.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return e.repo.List(owner)
}

func (e *Engine) logSingle(owner string, kind models.ActionKind, id string, err error) {
	if err != nil {
		e.logger.Info("task action rejected",
			slog.String("user_id", owner),
			slog.String("kind", string(kind)),
			slog.String("task_id", id),
			slog.String("error", err.Error()),
		)

		return
	}

	e.logger.Debug("task action applied",
		slog.String("user_id", owner),
		slog.String("kind", string(kind)),
		slog.String("task_id", id),
	)
}

// classify maps an action error to its wire kind. Anything that is not
// a validation or not-found error is treated as a storage failure.
func classify(err error) models.ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, apperr.ErrValidation):
		return models.ErrorKindValidation
	case errors.Is(err, apperr.ErrNotFound):
		return models.ErrorKindNotFound
	}

	return models.ErrorKindPersistence
}

func kindOf(a models.Action) string {
	if a == nil {
		return "unknown"
	}

	return string(a.Kind())
}
