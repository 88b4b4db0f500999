package api

import (
	"context"

	"github.com/google/uuid"
	"github.com/phrazzld/mediatext/internal/aggregate"
	"github.com/phrazzld/mediatext/internal/domain"
	"github.com/phrazzld/mediatext/internal/service"
	"github.com/phrazzld/mediatext/internal/store"
)

// SubmissionService is the application service behind the API;
// *service.Submission implements it.
type SubmissionService interface {
	SubmitTask(ctx context.Context, req service.SubmitTaskRequest) (*domain.Task, error)
	SubmitParent(ctx context.Context, req service.SubmitParentRequest) (*service.ParentSubmission, error)
	ResetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error)
	GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error)
	GetResult(ctx context.Context, id uuid.UUID) (*domain.Result, error)
	ListTasks(ctx context.Context, filter store.TaskFilter) ([]*domain.Task, error)
	GetParent(ctx context.Context, parentKey string) (*aggregate.ParentAggregate, error)
	ListParents(ctx context.Context, limit, offset int) ([]*aggregate.ParentAggregate, error)
}

var _ SubmissionService = (*service.Submission)(nil)
