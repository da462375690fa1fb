package models

import "time"

// OutcomeStatus reports whether a single action succeeded.
type OutcomeStatus string

const (
	OutcomeOK    OutcomeStatus = "ok"
	OutcomeError OutcomeStatus = "error"
)

// ErrorKind classifies a failed action on the wire.
type ErrorKind string

const (
	ErrorKindValidation  ErrorKind = "validation"
	ErrorKindNotFound    ErrorKind = "not_found"
	ErrorKindPersistence ErrorKind = "persistence"
)

// Outcome is the result of applying the action at Index.
type Outcome struct {
	Index     int           `json:"index"`
	Status    OutcomeStatus `json:"status"`
	ServerID  string        `json:"serverID,omitempty"`
	ErrorKind ErrorKind     `json:"errorKind,omitempty"`
	Message   string        `json:"message,omitempty"`
}

// OK reports whether the action was applied (or was a no-op success).
func (o Outcome) OK() bool {
	return o.Status == OutcomeOK
}

// SyncRequest is the body of POST /api/tasks/sync.
type SyncRequest struct {
	Actions []ActionEnvelope `json:"actions"`
}

// SyncResponse is the result of one reconciliation round. IDMap maps
// provisional ids to server ids and is only meaningful for this round.
// Tasks is the canonical snapshot; a nil slice means the server did not
// include one.
type SyncResponse struct {
	Outcomes []Outcome        `json:"outcomes"`
	IDMap    map[string]string `json:"idMap"`
	Tasks    []Task           `json:"tasks"`
}

// LoginRequest is the body of POST /api/auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse carries an issued bearer credential.
type LoginResponse struct {
	Token     string    `json:"token"`
	UserID    string    `json:"userID"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Session is a persisted bearer token. Only the SHA-256 hash of the
// token is stored.
type Session struct {
	TokenHash string    `json:"token_hash"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}
