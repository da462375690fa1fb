package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/task-sync/internal/auth"
	"github.com/alexjbarnes/task-sync/internal/engine"
	apperr "github.com/alexjbarnes/task-sync/internal/errors"
	"github.com/alexjbarnes/task-sync/internal/models"
	"github.com/tidwall/gjson"
)

const (
	// maxTaskBody caps single-task request bodies.
	maxTaskBody = 64 << 10

	// maxSyncBody caps a reconciliation batch.
	maxSyncBody = 8 << 20
)

type handlers struct {
	engine *engine.Engine
	logger *slog.Logger
}

// createRequest is the body of POST /api/tasks. ClientID is optional;
// clients that retry should send one so the retry is not a duplicate.
type createRequest struct {
	ClientID    string `json:"clientID"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status"`
}

// updateRequest is the body of PUT /api/tasks/{id}. Absent fields are
// left unchanged.
type updateRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Status      *string `json:"status"`
}

func (h *handlers) list(w http.ResponseWriter, r *http.Request) {
	owner := auth.RequestUserID(r.Context())

	var status models.Status

	if q := r.URL.Query().Get("status"); q != "" {
		s, err := models.ParseStatus(q)
		if err != nil {
			h.writeError(w, err)
			return
		}

		status = s
	}

	tasks, err := h.engine.List(r.Context(), owner)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, models.Filter(tasks, status, r.URL.Query().Get("search")))
}

func (h *handlers) get(w http.ResponseWriter, r *http.Request) {
	task, err := h.engine.Get(r.Context(), auth.RequestUserID(r.Context()), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, task)
}

func (h *handlers) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !decodeBody(w, r, &req) {
		return
	}

	a := models.CreateAction{
		ClientID:    req.ClientID,
		Title:       req.Title,
		Description: req.Description,
		Status:      models.Status(req.Status),
	}

	if a.ClientID == "" {
		a.ClientID = models.NewProvisionalID()
	}

	task, err := h.engine.Create(r.Context(), auth.RequestUserID(r.Context()), a)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, task)
}

func (h *handlers) update(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if !decodeBody(w, r, &req) {
		return
	}

	a := models.UpdateAction{
		ID:          r.PathValue("id"),
		Title:       req.Title,
		Description: req.Description,
	}

	if req.Status != nil {
		s := models.Status(*req.Status)
		a.Status = &s
	}

	task, err := h.engine.Update(r.Context(), auth.RequestUserID(r.Context()), a)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, task)
}

func (h *handlers) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Delete(r.Context(), auth.RequestUserID(r.Context()), r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// sync is the reconciliation endpoint. The batch shape is checked before
// any action runs: the body must be an object whose "actions" is an
// array of objects, each with a string "kind". Anything else rejects
// the whole request. Past that point every failure is per action.
func (h *handlers) sync(w http.ResponseWriter, r *http.Request) {
	owner := auth.RequestUserID(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSyncBody))
	if err != nil {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request_too_large", "sync batch too large")
		return
	}

	if err := checkBatchShape(body); err != nil {
		h.logger.Info("sync batch rejected",
			slog.String("user_id", owner),
			slog.String("error", err.Error()),
		)
		writeJSONError(w, http.StatusBadRequest, "malformed_batch", err.Error())

		return
	}

	var req models.SyncRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed_batch",
			fmt.Sprintf("%v: %v", apperr.ErrMalformedBatch, err))

		return
	}

	resp, err := h.engine.ApplyBatch(r.Context(), owner, req.Actions)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// checkBatchShape validates the outer structure of a sync request
// without decoding the actions themselves.
func checkBatchShape(body []byte) error {
	if !gjson.ValidBytes(body) {
		return fmt.Errorf("%w: body is not valid JSON", apperr.ErrMalformedBatch)
	}

	actions := gjson.GetBytes(body, "actions")
	if !actions.IsArray() {
		return fmt.Errorf("%w: actions must be an array", apperr.ErrMalformedBatch)
	}

	var shapeErr error

	i := 0
	actions.ForEach(func(_, a gjson.Result) bool {
		if !a.IsObject() {
			shapeErr = fmt.Errorf("%w: action %d is not an object", apperr.ErrMalformedBatch, i)
			return false
		}

		if kind := a.Get("kind"); kind.Type != gjson.String || kind.Str == "" {
			shapeErr = fmt.Errorf("%w: action %d is missing kind", apperr.ErrMalformedBatch, i)
			return false
		}

		if ref := a.Get("clientRef"); ref.Exists() && ref.Type != gjson.String {
			shapeErr = fmt.Errorf("%w: action %d clientRef must be a string", apperr.ErrMalformedBatch, i)
			return false
		}

		i++

		return true
	})

	return shapeErr
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTaskBody)).Decode(dst); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "body must be a JSON object")
		return false
	}

	return true
}

// writeError maps engine errors to HTTP statuses.
func (h *handlers) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		writeJSONError(w, http.StatusBadRequest, "validation", err.Error())
	case errors.Is(err, apperr.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "not_found", "task not found")
	case errors.Is(err, apperr.ErrAuthentication):
		writeJSONError(w, http.StatusUnauthorized, "unauthorized", err.Error())
	default:
		h.logger.Error("request failed", slog.String("error", err.Error()))
		writeJSONError(w, http.StatusServiceUnavailable, "persistence", "storage unavailable, retry later")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, errCode, description string) {
	writeJSON(w, status, map[string]string{
		"error":             errCode,
		"error_description": description,
	})
}
