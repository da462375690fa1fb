// Package mcpserver registers MCP tools that expose task operations.
// Every tool acts for one user and writes through the Reconciliation
// Engine, so agent edits follow the same rules as synced edits.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/alexjbarnes/task-sync/internal/auth"
	"github.com/alexjbarnes/task-sync/internal/engine"
	"github.com/alexjbarnes/task-sync/internal/models"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// RegisterTools adds all task tools to the given MCP server, bound to
// userID.
func RegisterTools(server *mcp.Server, e *engine.Engine, userID string) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "task_list",
		Description: "List the user's tasks, newest first. Optionally filter by status (Pending, In Progress, Completed) and by a case-insensitive search over title and description.",
	}, listHandler(e, userID))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "task_create",
		Description: "Create a task. Status defaults to Pending. Passing the same client_id again updates the task created with it instead of creating a duplicate.",
	}, createHandler(e, userID))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "task_update",
		Description: "Change the title, description or status of a task. Only the fields given are changed. An invalid status rejects the whole update.",
	}, updateHandler(e, userID))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "task_delete",
		Description: "Delete a task. Deleting a task that does not exist or is already deleted succeeds.",
	}, deleteHandler(e, userID))
}

// NewHandler returns the streamable HTTP handler for /mcp. It must sit
// behind auth.Middleware; each authenticated user gets their own MCP
// server with tools bound to them.
func NewHandler(e *engine.Engine, version string, logger *slog.Logger) http.Handler {
	var (
		mu      sync.Mutex
		servers = make(map[string]*mcp.Server)
	)

	return mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		userID := auth.RequestUserID(r.Context())
		if userID == "" {
			return nil
		}

		mu.Lock()
		defer mu.Unlock()

		if s, ok := servers[userID]; ok {
			return s
		}

		s := mcp.NewServer(&mcp.Implementation{Name: "task-sync", Version: version}, nil)
		RegisterTools(s, e, userID)
		servers[userID] = s

		logger.Debug("mcp server created", slog.String("user_id", userID))

		return s
	}, nil)
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// ListInput holds parameters for task_list.
type ListInput struct {
	Status string `json:"status,omitempty" jsonschema:"only return tasks with this status"`
	Search string `json:"search,omitempty" jsonschema:"case-insensitive text to find in title or description"`
}

// CreateInput holds parameters for task_create.
type CreateInput struct {
	Title       string `json:"title" jsonschema:"required,task title"`
	Description string `json:"description,omitempty" jsonschema:"longer description"`
	Status      string `json:"status,omitempty" jsonschema:"Pending, In Progress or Completed; defaults to Pending"`
	ClientID    string `json:"client_id,omitempty" jsonschema:"idempotency key; generated when omitted"`
}

// UpdateInput holds parameters for task_update.
type UpdateInput struct {
	ID          string  `json:"id" jsonschema:"required,task id"`
	Title       *string `json:"title,omitempty" jsonschema:"new title"`
	Description *string `json:"description,omitempty" jsonschema:"new description"`
	Status      *string `json:"status,omitempty" jsonschema:"new status: Pending, In Progress or Completed"`
}

// DeleteInput holds parameters for task_delete.
type DeleteInput struct {
	ID string `json:"id" jsonschema:"required,task id"`
}

// --- Output types ---

// TaskView is a task as tools return it. Timestamps are RFC 3339
// strings.
type TaskView struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

func viewOf(t models.Task) *TaskView {
	return &TaskView{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		Status:      string(t.Status),
		CreatedAt:   t.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   t.UpdatedAt.Format(time.RFC3339),
	}
}

// ListResult is the output of task_list.
type ListResult struct {
	Total int         `json:"total"`
	Tasks []*TaskView `json:"tasks"`
}

// DeleteResult is the output of task_delete.
type DeleteResult struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}

// --- Handlers ---

func listHandler(e *engine.Engine, userID string) mcp.ToolHandlerFor[ListInput, *ListResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ListInput) (*mcp.CallToolResult, *ListResult, error) {
		var status models.Status

		if input.Status != "" {
			s, err := models.ParseStatus(input.Status)
			if err != nil {
				return nil, nil, err
			}

			status = s
		}

		tasks, err := e.List(ctx, userID)
		if err != nil {
			return nil, nil, err
		}

		tasks = models.Filter(tasks, status, input.Search)
		result := &ListResult{Total: len(tasks), Tasks: make([]*TaskView, 0, len(tasks))}

		for _, t := range tasks {
			result.Tasks = append(result.Tasks, viewOf(t))
		}

		return textResult(result), result, nil
	}
}

func createHandler(e *engine.Engine, userID string) mcp.ToolHandlerFor[CreateInput, *TaskView] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input CreateInput) (*mcp.CallToolResult, *TaskView, error) {
		a := models.CreateAction{
			ClientID:    input.ClientID,
			Title:       input.Title,
			Description: input.Description,
		}

		if a.ClientID == "" {
			a.ClientID = models.NewProvisionalID()
		}

		if input.Status != "" {
			s, err := models.ParseStatus(input.Status)
			if err != nil {
				return nil, nil, err
			}

			a.Status = s
		}

		task, err := e.Create(ctx, userID, a)
		if err != nil {
			return nil, nil, err
		}

		view := viewOf(task)

		return textResult(view), view, nil
	}
}

func updateHandler(e *engine.Engine, userID string) mcp.ToolHandlerFor[UpdateInput, *TaskView] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input UpdateInput) (*mcp.CallToolResult, *TaskView, error) {
		a := models.UpdateAction{
			ID:          input.ID,
			Title:       input.Title,
			Description: input.Description,
		}

		if input.Status != nil {
			s, err := models.ParseStatus(*input.Status)
			if err != nil {
				return nil, nil, err
			}

			a.Status = &s
		}

		task, err := e.Update(ctx, userID, a)
		if err != nil {
			return nil, nil, err
		}

		view := viewOf(task)

		return textResult(view), view, nil
	}
}

func deleteHandler(e *engine.Engine, userID string) mcp.ToolHandlerFor[DeleteInput, *DeleteResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input DeleteInput) (*mcp.CallToolResult, *DeleteResult, error) {
		if err := e.Delete(ctx, userID, input.ID); err != nil {
			return nil, nil, err
		}

		result := &DeleteResult{ID: input.ID, Deleted: true}

		return textResult(result), result, nil
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v interface{}) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
