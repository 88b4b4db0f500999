package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/mediatext/internal/domain"
	"github.com/phrazzld/mediatext/internal/events"
	"github.com/phrazzld/mediatext/internal/platform/logger"
	"github.com/phrazzld/mediatext/internal/store"
	"golang.org/x/sync/errgroup"
)

// resultFetchLimit bounds concurrent result reads for one parent.
const resultFetchLimit = 8

// Reader is the slice of the store the aggregator reads.
type Reader interface {
	GetRelation(ctx context.Context, parentKey string) (*domain.ParentRelation, error)
	ListRelations(ctx context.Context, limit, offset int) ([]*domain.ParentRelation, error)
	FindRelationsByTask(ctx context.Context, taskID uuid.UUID) ([]*domain.ParentRelation, error)
	ListStatuses(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]domain.TaskStatus, error)
	GetResult(ctx context.Context, taskID uuid.UUID) (*domain.Result, error)
}

// Config controls aggregate rendering.
type Config struct {
	Delimiter   string
	ImageHeader string
	VideoHeader string
}

// ParentAggregate is the composite view of one parent relation snapshot.
type ParentAggregate struct {
	ParentKey  string                `json:"parent_key"`
	Version    int                   `json:"version"`
	Status     domain.RelationStatus `json:"status"`
	Images     KindAggregate         `json:"images"`
	Videos     KindAggregate         `json:"videos"`
	Children   domain.ChildSet       `json:"children"`
	ComposedAt time.Time             `json:"composed_at"`
}

// Skipped is the number of failed children across both kinds.
func (p *ParentAggregate) Skipped() int {
	return p.Images.Skipped + p.Videos.Skipped
}

// Aggregator composes parent results from their children's results. It
// reads the store on every call, so its output always reflects the latest
// relation snapshot and the current child statuses.
type Aggregator struct {
	store   Reader
	config  Config
	logger  *slog.Logger
	onReady func(ctx context.Context, agg *ParentAggregate)
	now     func() time.Time
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithOnReady registers fn to run when a task settlement makes a parent's
// aggregate final.
func WithOnReady(fn func(ctx context.Context, agg *ParentAggregate)) Option {
	return func(a *Aggregator) { a.onReady = fn }
}

// New creates an aggregator.
func New(r Reader, config Config, log *slog.Logger, opts ...Option) *Aggregator {
	a := &Aggregator{
		store:  r,
		config: config,
		logger: log.With("component", "aggregator"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Aggregate composes the latest snapshot of parentKey.
func (a *Aggregator) Aggregate(ctx context.Context, parentKey string) (*ParentAggregate, error) {
	key, err := domain.NormalizeParentKey(parentKey)
	if err != nil {
		return nil, err
	}
	rel, err := a.store.GetRelation(ctx, key)
	if err != nil {
		return nil, err
	}
	return a.Compose(ctx, rel)
}

// List composes a page of parents, newest snapshot of each.
func (a *Aggregator) List(ctx context.Context, limit, offset int) ([]*ParentAggregate, error) {
	rels, err := a.store.ListRelations(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list relations: %w", err)
	}
	out := make([]*ParentAggregate, 0, len(rels))
	for _, rel := range rels {
		agg, err := a.Compose(ctx, rel)
		if err != nil {
			return nil, err
		}
		out = append(out, agg)
	}
	return out, nil
}

// Compose builds the aggregate of one relation snapshot.
func (a *Aggregator) Compose(ctx context.Context, rel *domain.ParentRelation) (*ParentAggregate, error) {
	all := rel.Children.All()
	statuses, err := a.store.ListStatuses(ctx, all)
	if err != nil {
		return nil, fmt.Errorf("failed to read child statuses of %s: %w", rel.ParentKey, err)
	}

	children, err := a.loadChildren(ctx, all, statuses)
	if err != nil {
		return nil, fmt.Errorf("failed to read child results of %s: %w", rel.ParentKey, err)
	}

	images := children[:len(rel.Children.Images)]
	videos := children[len(rel.Children.Images):]

	childStatuses := make([]domain.TaskStatus, len(children))
	for i, c := range children {
		childStatuses[i] = c.Status
	}

	return &ParentAggregate{
		ParentKey:  rel.ParentKey,
		Version:    rel.Version,
		Status:     domain.DeriveRelationStatus(childStatuses),
		Images:     Compose(domain.MediaKindImage, images, a.config.Delimiter, a.config.ImageHeader),
		Videos:     Compose(domain.MediaKindVideo, videos, a.config.Delimiter, a.config.VideoHeader),
		Children:   rel.Children,
		ComposedAt: a.now(),
	}, nil
}

// loadChildren pairs each id with its status and, for completed children,
// its result text.
func (a *Aggregator) loadChildren(
	ctx context.Context,
	ids []uuid.UUID,
	statuses map[uuid.UUID]domain.TaskStatus,
) ([]Child, error) {
	children := make([]Child, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(resultFetchLimit)

	for i, id := range ids {
		status, ok := statuses[id]
		if !ok {
			// A child that no longer exists can never contribute text.
			a.logger.Warn("relation references unknown task", "task_id", id)
			status = domain.TaskStatusFailed
		}
		children[i] = Child{TaskID: id, Status: status}
		if status != domain.TaskStatusCompleted {
			continue
		}

		g.Go(func() error {
			res, err := a.store.GetResult(gctx, id)
			if errors.Is(err, store.ErrNotFound) {
				// Reset between the two reads; it is pending again.
				children[i].Status = domain.TaskStatusPending
				return nil
			}
			if err != nil {
				return err
			}
			children[i].Text = res.TextContent
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return children, nil
}

// HandleEvent implements events.EventHandler. When a child settles it
// recomposes every parent the child belongs to and reports the ones whose
// aggregate has become final.
func (a *Aggregator) HandleEvent(ctx context.Context, event *events.TaskEvent) error {
	if event.Type != events.TypeTaskSettled {
		return nil
	}

	rels, err := a.store.FindRelationsByTask(ctx, event.TaskID)
	if err != nil {
		return fmt.Errorf("failed to find parents of task %s: %w", event.TaskID, err)
	}

	for _, rel := range rels {
		agg, err := a.Compose(ctx, rel)
		if err != nil {
			return err
		}
		if agg.Status != domain.RelationStatusCompleted && agg.Status != domain.RelationStatusFailed {
			continue
		}

		logger.FromContext(ctx).Info("parent aggregate ready",
			"parent_key", agg.ParentKey,
			"version", agg.Version,
			"status", agg.Status,
			"included", agg.Images.Included+agg.Videos.Included,
			"skipped", agg.Skipped())
		if a.onReady != nil {
			a.onReady(ctx, agg)
		}
	}
	return nil
}
