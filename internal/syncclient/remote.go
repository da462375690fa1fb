package syncclient

//go:generate mockgen -source=remote.go -destination=mock_remote_test.go -package=syncclient

import (
	"context"

	"github.com/alexjbarnes/task-sync/internal/models"
)

// Remote is the reconciliation transport. *remote.Client satisfies it.
type Remote interface {
	Sync(ctx context.Context, token string, actions []models.ActionEnvelope) (*models.SyncResponse, error)
	ListTasks(ctx context.Context, token string) ([]models.Task, error)
}
