package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"
	"github.com/phrazzld/mediatext/internal/acquire"
	"github.com/phrazzld/mediatext/internal/aggregate"
	"github.com/phrazzld/mediatext/internal/domain"
	"github.com/phrazzld/mediatext/internal/platform/logger"
	"github.com/phrazzld/mediatext/internal/store"
	"golang.org/x/sync/errgroup"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	acquireLimit     = 4
)

// Notifier is woken when new work is pending; the dispatcher implements it.
type Notifier interface {
	Notify()
}

// Resetter performs the external reset; the task state machine implements it.
type Resetter interface {
	Reset(ctx context.Context, id uuid.UUID) (*domain.Task, error)
}

// EngineSet lists the engines that have adapters.
type EngineSet interface {
	Engines() []domain.Engine
}

// Config holds the engines used when a parent submission names none.
type Config struct {
	ImageEngine domain.Engine
	VideoEngine domain.Engine
}

// Dependencies are the collaborators of a Submission service.
type Dependencies struct {
	Store      store.Store
	Acquirer   acquire.Acquirer
	Resetter   Resetter
	Aggregator *aggregate.Aggregator
	Engines    EngineSet
	// Notifier may be nil when no dispatcher runs in this process.
	Notifier Notifier
	Logger   *slog.Logger
}

// SubmitTaskRequest describes one task. Exactly one of Locator and Source
// is used: a resolved Source skips acquisition.
type SubmitTaskRequest struct {
	Locator string
	Source  *domain.SourceRef
	Engine  string
	Options domain.JobOptions
}

// SubmitParentRequest describes a parent and its media.
type SubmitParentRequest struct {
	ParentKey   string
	ImageURLs   []string
	VideoURLs   []string
	ImageEngine string
	VideoEngine string
	Options     domain.JobOptions
}

// SkippedURL is a child that could not be acquired.
type SkippedURL struct {
	URL    string `json:"url"`
	Reason string `json:"reason"`
}

// ParentSubmission is the outcome of SubmitParent.
type ParentSubmission struct {
	Relation *domain.ParentRelation `json:"relation"`
	Tasks    []*domain.Task         `json:"tasks"`
	Skipped  []SkippedURL           `json:"skipped,omitempty"`
}

// Submission implements the submission use cases.
type Submission struct {
	store      store.Store
	acquirer   acquire.Acquirer
	resetter   Resetter
	aggregator *aggregate.Aggregator
	engines    EngineSet
	notifier   Notifier
	config     Config
	logger     *slog.Logger
}

// NewSubmission creates the service. It returns an error if a required
// dependency is missing.
func NewSubmission(deps Dependencies, config Config) (*Submission, error) {
	switch {
	case deps.Store == nil:
		return nil, &Error{Operation: "create_service", Message: "store cannot be nil"}
	case deps.Acquirer == nil:
		return nil, &Error{Operation: "create_service", Message: "acquirer cannot be nil"}
	case deps.Resetter == nil:
		return nil, &Error{Operation: "create_service", Message: "resetter cannot be nil"}
	case deps.Aggregator == nil:
		return nil, &Error{Operation: "create_service", Message: "aggregator cannot be nil"}
	case deps.Engines == nil:
		return nil, &Error{Operation: "create_service", Message: "engine set cannot be nil"}
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Submission{
		store:      deps.Store,
		acquirer:   deps.Acquirer,
		resetter:   deps.Resetter,
		aggregator: deps.Aggregator,
		engines:    deps.Engines,
		notifier:   deps.Notifier,
		config:     config,
		logger:     log.With("component", "submission_service"),
	}, nil
}

// resolveEngine parses name, or fallback when name is empty, and checks an
// adapter is registered for it.
func (s *Submission) resolveEngine(name string, fallback domain.Engine) (domain.Engine, error) {
	if name == "" {
		name = string(fallback)
	}
	e, err := domain.ParseEngine(name)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrEngineUnknown, name)
	}
	if !slices.Contains(s.engines.Engines(), e) {
		return "", fmt.Errorf("%w: %s", ErrEngineDisabled, e)
	}
	return e, nil
}

// SubmitTask acquires the media, validates engine and kind, and creates a
// Pending task.
func (s *Submission) SubmitTask(ctx context.Context, req SubmitTaskRequest) (*domain.Task, error) {
	e, err := s.resolveEngine(req.Engine, "")
	if err != nil {
		return nil, err
	}

	var src domain.SourceRef
	if req.Source != nil {
		src = *req.Source
	} else {
		src, err = s.acquirer.Acquire(ctx, req.Locator)
		if err != nil {
			return nil, NewError("submit_task", "failed to acquire media", err)
		}
	}

	t, err := domain.NewTask(src, e, req.Options)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateTask(ctx, t); err != nil {
		return nil, NewError("submit_task", "failed to save task", err)
	}

	logger.FromContext(ctx).Info("task submitted",
		"task_id", t.ID,
		"engine", t.Engine,
		"kind", t.Source.Kind)
	s.notify()
	return t, nil
}

type acquired struct {
	url    string
	src    domain.SourceRef
	reason string
}

// SubmitParent acquires every child, creates a task per acquirable child and
// records a new relation snapshot for the normalized parent key.
func (s *Submission) SubmitParent(ctx context.Context, req SubmitParentRequest) (*ParentSubmission, error) {
	key, err := domain.NormalizeParentKey(req.ParentKey)
	if err != nil {
		return nil, err
	}

	var imageEngine, videoEngine domain.Engine
	if len(req.ImageURLs) > 0 {
		if imageEngine, err = s.resolveEngine(req.ImageEngine, s.config.ImageEngine); err != nil {
			return nil, err
		}
	}
	if len(req.VideoURLs) > 0 {
		if videoEngine, err = s.resolveEngine(req.VideoEngine, s.config.VideoEngine); err != nil {
			return nil, err
		}
	}

	images, err := s.acquireAll(ctx, req.ImageURLs)
	if err != nil {
		return nil, err
	}
	videos, err := s.acquireAll(ctx, req.VideoURLs)
	if err != nil {
		return nil, err
	}

	out := &ParentSubmission{}
	var children domain.ChildSet
	create := func(items []acquired, e domain.Engine, ids *[]uuid.UUID) error {
		for _, item := range items {
			if item.reason != "" {
				out.Skipped = append(out.Skipped, SkippedURL{URL: item.url, Reason: item.reason})
				continue
			}
			t, err := domain.NewTask(item.src, e, req.Options)
			if err != nil {
				out.Skipped = append(out.Skipped, SkippedURL{URL: item.url, Reason: err.Error()})
				continue
			}
			if err := s.store.CreateTask(ctx, t); err != nil {
				return NewError("submit_parent", "failed to save child task", err)
			}
			out.Tasks = append(out.Tasks, t)
			*ids = append(*ids, t.ID)
		}
		return nil
	}
	if err := create(images, imageEngine, &children.Images); err != nil {
		return nil, err
	}
	if err := create(videos, videoEngine, &children.Videos); err != nil {
		return nil, err
	}

	log := logger.FromContext(ctx).With("parent_key", key)
	if children.Len() == 0 {
		log.Warn("parent rejected, no child could be acquired", "skipped", len(out.Skipped))
		return nil, ErrNoChildren
	}

	rel, err := s.store.UpsertRelation(ctx, key, children)
	if err != nil {
		return nil, NewError("submit_parent", "failed to record relation", err)
	}
	out.Relation = rel

	log.Info("parent submitted",
		"version", rel.Version,
		"images", len(children.Images),
		"videos", len(children.Videos),
		"skipped", len(out.Skipped))
	s.notify()
	return out, nil
}

// acquireAll resolves urls concurrently, keeping their order. Failures are
// recorded per item; only cancellation aborts.
func (s *Submission) acquireAll(ctx context.Context, urls []string) ([]acquired, error) {
	out := make([]acquired, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(acquireLimit)
	for i, u := range urls {
		g.Go(func() error {
			out[i].url = u
			src, err := s.acquirer.Acquire(gctx, u)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				logger.FromContext(ctx).Warn("child media skipped", "url", u, "error", err)
				out[i].reason = err.Error()
				return nil
			}
			out[i].src = src
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// ResetTask returns a Completed, Failed or WaitingOnRemote task to Pending.
func (s *Submission) ResetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	t, err := s.resetter.Reset(ctx, id)
	if err != nil {
		return nil, NewError("reset_task", "failed to reset task", err)
	}
	s.notify()
	return t, nil
}

// GetTask returns one task.
func (s *Submission) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, NewError("get_task", "failed to load task", err)
	}
	return t, nil
}

// GetResult returns a completed task's result.
func (s *Submission) GetResult(ctx context.Context, id uuid.UUID) (*domain.Result, error) {
	r, err := s.store.GetResult(ctx, id)
	if err == nil {
		return r, nil
	}
	if errors.Is(err, store.ErrResultNotFound) {
		// Distinguish an unknown task from one that has not finished.
		if _, getErr := s.store.GetTask(ctx, id); getErr != nil {
			return nil, NewError("get_result", "failed to load task", getErr)
		}
	}
	return nil, NewError("get_result", "failed to load result", err)
}

// ListTasks returns tasks matching filter, oldest first.
func (s *Submission) ListTasks(ctx context.Context, filter store.TaskFilter) ([]*domain.Task, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrValidation, filter.Status)
	}
	if filter.Engine != "" {
		if _, err := domain.ParseEngine(string(filter.Engine)); err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrValidation, err)
		}
	}
	filter.Limit = clampLimit(filter.Limit)
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	tasks, err := s.store.ListTasks(ctx, filter)
	if err != nil {
		return nil, NewError("list_tasks", "failed to list tasks", err)
	}
	return tasks, nil
}

// GetParent returns the aggregate of the latest snapshot for parentKey.
func (s *Submission) GetParent(ctx context.Context, parentKey string) (*aggregate.ParentAggregate, error) {
	agg, err := s.aggregator.Aggregate(ctx, parentKey)
	if err != nil {
		return nil, NewError("get_parent", "failed to aggregate parent", err)
	}
	return agg, nil
}

// ListParents returns aggregates of the latest snapshot of every parent.
func (s *Submission) ListParents(ctx context.Context, limit, offset int) ([]*aggregate.ParentAggregate, error) {
	if offset < 0 {
		offset = 0
	}
	aggs, err := s.aggregator.List(ctx, clampLimit(limit), offset)
	if err != nil {
		return nil, NewError("list_parents", "failed to list parents", err)
	}
	return aggs, nil
}

func (s *Submission) notify() {
	if s.notifier != nil {
		s.notifier.Notify()
	}
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	default:
		return limit
	}
}
