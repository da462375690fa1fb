package models

import (
	"encoding/json"
	"fmt"

	apperr "github.com/alexjbarnes/task-sync/internal/errors"
)

// ActionKind names the mutation carried by an Action.
type ActionKind string

const (
	KindCreate ActionKind = "create"
	KindUpdate ActionKind = "update"
	KindDelete ActionKind = "delete"
)

// Action is one user mutation queued for the server. The concrete types
// are CreateAction, UpdateAction and DeleteAction; each carries only the
// fields its kind needs.
type Action interface {
	Kind() ActionKind
	// Ref is the id the client used when it queued the action. For a
	// create this is the provisional id, which doubles as the
	// idempotency token.
	Ref() string
	// WithRef returns a copy of the action pointing at id.
	WithRef(id string) Action

	action()
}

// CreateAction introduces a new task under a provisional id.
type CreateAction struct {
	ClientID    string
	Title       string
	Description string
	Status      Status
}

func (CreateAction) Kind() ActionKind { return KindCreate }
func (a CreateAction) Ref() string    { return a.ClientID }
func (CreateAction) action()          {}

func (a CreateAction) WithRef(id string) Action {
	a.ClientID = id
	return a
}

// Normalize validates the create and fills defaults. An empty status
// means Pending.
func (a CreateAction) Normalize() (CreateAction, error) {
	if a.ClientID == "" {
		return a, fmt.Errorf("%w: create requires a client id", apperr.ErrValidation)
	}

	title, err := ValidateTitle(a.Title)
	if err != nil {
		return a, err
	}

	a.Title = title

	if a.Status == "" {
		a.Status = StatusPending
	}

	if err := ValidateStatus(a.Status); err != nil {
		return a, err
	}

	return a, nil
}

// UpdateAction changes the fields that are non-nil.
type UpdateAction struct {
	ID          string
	Title       *string
	Description *string
	Status      *Status
}

func (UpdateAction) Kind() ActionKind { return KindUpdate }
func (a UpdateAction) Ref() string    { return a.ID }
func (UpdateAction) action()          {}

func (a UpdateAction) WithRef(id string) Action {
	a.ID = id
	return a
}

// Normalize validates every present field. A bad status or an empty
// title rejects the whole update.
func (a UpdateAction) Normalize() (UpdateAction, error) {
	if a.ID == "" {
		return a, fmt.Errorf("%w: update requires a task id", apperr.ErrValidation)
	}

	if a.Title != nil {
		title, err := ValidateTitle(*a.Title)
		if err != nil {
			return a, err
		}

		a.Title = &title
	}

	if a.Status != nil {
		if err := ValidateStatus(*a.Status); err != nil {
			return a, err
		}
	}

	return a, nil
}

// Apply copies the present fields onto t. It reports whether anything
// changed.
func (a UpdateAction) Apply(t *Task) bool {
	changed := false

	if a.Title != nil && *a.Title != t.Title {
		t.Title = *a.Title
		changed = true
	}

	if a.Description != nil && *a.Description != t.Description {
		t.Description = *a.Description
		changed = true
	}

	if a.Status != nil && *a.Status != t.Status {
		t.Status = *a.Status
		changed = true
	}

	return changed
}

// DeleteAction soft-deletes a task.
type DeleteAction struct {
	ID string
}

func (DeleteAction) Kind() ActionKind { return KindDelete }
func (a DeleteAction) Ref() string    { return a.ID }
func (DeleteAction) action()          {}

func (a DeleteAction) WithRef(id string) Action {
	a.ID = id
	return a
}

// ActionEnvelope is the wire and on-disk form of an Action.
type ActionEnvelope struct {
	Kind      ActionKind      `json:"kind"`
	ClientRef string          `json:"clientRef"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type createPayload struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      Status `json:"status,omitempty"`
}

type updatePayload struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Status      *Status `json:"status,omitempty"`
}

// EncodeAction converts an action to its envelope.
func EncodeAction(a Action) (ActionEnvelope, error) {
	env := ActionEnvelope{Kind: a.Kind(), ClientRef: a.Ref()}

	var payload interface{}

	switch v := a.(type) {
	case CreateAction:
		payload = createPayload{Title: v.Title, Description: v.Description, Status: v.Status}
	case UpdateAction:
		payload = updatePayload{Title: v.Title, Description: v.Description, Status: v.Status}
	case DeleteAction:
		return env, nil
	default:
		return env, fmt.Errorf("unsupported action type %T", a)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return env, fmt.Errorf("encoding %s payload: %w", env.Kind, err)
	}

	env.Payload = data

	return env, nil
}

// EncodeActions converts a sequence of actions, preserving order.
func EncodeActions(actions []Action) ([]ActionEnvelope, error) {
	out := make([]ActionEnvelope, 0, len(actions))

	for i, a := range actions {
		env, err := EncodeAction(a)
		if err != nil {
			return nil, fmt.Errorf("action %d: %w", i, err)
		}

		out = append(out, env)
	}

	return out, nil
}

// DecodeAction converts an envelope back to a typed action. Unknown
// kinds and unreadable payloads are validation errors for that action
// alone.
func DecodeAction(env ActionEnvelope) (Action, error) {
	switch env.Kind {
	case KindCreate:
		var p createPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return nil, err
		}

		return CreateAction{ClientID: env.ClientRef, Title: p.Title, Description: p.Description, Status: p.Status}, nil

	case KindUpdate:
		var p updatePayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return nil, err
		}

		return UpdateAction{ID: env.ClientRef, Title: p.Title, Description: p.Description, Status: p.Status}, nil

	case KindDelete:
		return DeleteAction{ID: env.ClientRef}, nil
	}

	return nil, fmt.Errorf("%w: unknown action kind %q", apperr.ErrValidation, env.Kind)
}

func decodePayload(raw json.RawMessage, dst interface{}) error {
	if len(raw) == 0 {
		return nil
	}

	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: unreadable payload: %v", apperr.ErrValidation, err)
	}

	return nil
}
