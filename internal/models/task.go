// Package models defines types shared across internal packages.
package models

import (
	"fmt"
	"sort"
	"strings"
	"time"

	apperr "github.com/alexjbarnes/task-sync/internal/errors"
	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// Status is the workflow state of a task.
type Status string

const (
	StatusPending    Status = "Pending"
	StatusInProgress Status = "In Progress"
	StatusCompleted  Status = "Completed"
)

// AllowedStatuses lists every status the server accepts, in display order.
var AllowedStatuses = []Status{StatusPending, StatusInProgress, StatusCompleted}

// Valid reports whether s belongs to the allowed set.
func (s Status) Valid() bool {
	for _, allowed := range AllowedStatuses {
		if s == allowed {
			return true
		}
	}

	return false
}

// ParseStatus converts user input to a Status. Matching ignores case and
// surrounding whitespace so "in progress" and "In Progress" are equal.
func ParseStatus(s string) (Status, error) {
	s = strings.TrimSpace(s)
	for _, allowed := range AllowedStatuses {
		if strings.EqualFold(s, string(allowed)) {
			return allowed, nil
		}
	}

	return "", fmt.Errorf("%w: unknown status %q", apperr.ErrValidation, s)
}

// ProvisionalPrefix tags ids generated on the client before the server
// has assigned one.
const ProvisionalPrefix = "client-"

// NewProvisionalID returns a fresh client-side id. Ids are random UUIDs
// and are never reused.
func NewProvisionalID() string {
	return ProvisionalPrefix + uuid.NewString()
}

// IsProvisionalID reports whether id was generated on a client.
func IsProvisionalID(id string) bool {
	return strings.HasPrefix(id, ProvisionalPrefix)
}

// Task is a single to-do item owned by one user.
type Task struct {
	ID          string    `json:"id"`
	Owner       string    `json:"owner,omitempty"`
	ClientID    string    `json:"clientID,omitempty"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Status      Status    `json:"status"`
	Deleted     bool      `json:"deleted"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Provisional reports whether the task has not yet been acknowledged by
// the server.
func (t Task) Provisional() bool {
	return IsProvisionalID(t.ID)
}

// NormalizeTitle trims surrounding whitespace and converts the title to
// Unicode NFC so visually identical titles compare equal.
func NormalizeTitle(title string) string {
	return norm.NFC.String(strings.TrimSpace(title))
}

// ValidateTitle returns the normalized title, or a validation error when
// nothing is left after trimming.
func ValidateTitle(title string) (string, error) {
	title = NormalizeTitle(title)
	if title == "" {
		return "", fmt.Errorf("%w: title is required", apperr.ErrValidation)
	}

	return title, nil
}

// ValidateStatus rejects statuses outside the allowed set.
func ValidateStatus(s Status) error {
	if !s.Valid() {
		return fmt.Errorf("%w: invalid status %q", apperr.ErrValidation, s)
	}

	return nil
}

// SortNewestFirst orders tasks by creation time descending, breaking
// ties by id so the order is stable.
func SortNewestFirst(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
		}

		return idAfter(tasks[i].ID, tasks[j].ID)
	})
}

// idAfter reports whether id a was assigned after b. Server ids are
// decimal sequence numbers, so a longer id is the later one. Provisional
// ids are longer than any server id and sort as newest.
func idAfter(a, b string) bool {
	if len(a) != len(b) {
		return len(a) > len(b)
	}

	return a > b
}

// Filter returns the tasks matching status (when non-empty) whose title
// or description contains query, ignoring case.
func Filter(tasks []Task, status Status, query string) []Task {
	query = strings.ToLower(strings.TrimSpace(query))
	out := make([]Task, 0, len(tasks))

	for _, t := range tasks {
		if status != "" && t.Status != status {
			continue
		}

		if query != "" &&
			!strings.Contains(strings.ToLower(t.Title), query) &&
			!strings.Contains(strings.ToLower(t.Description), query) {
			continue
		}

		out = append(out, t)
	}

	return out
}
