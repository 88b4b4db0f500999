package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/mediatext/internal/domain"
	"github.com/phrazzld/mediatext/internal/engine"
	"github.com/phrazzld/mediatext/internal/platform/logger"
	"github.com/phrazzld/mediatext/internal/store"
	"golang.org/x/sync/semaphore"
)

// PollerConfig holds configuration for the poll manager.
type PollerConfig struct {
	// Interval between poll cycles.
	Interval time.Duration

	// Timeout is the wall-clock budget of one remote job, measured from
	// submission. Jobs still running after it fail with ErrPollTimeout.
	Timeout time.Duration

	// MaxConcurrent bounds the polls in flight across all tasks.
	MaxConcurrent int

	// LeaseTTL bounds how long one poll may hold a job's lease. A poll still
	// running when it lapses is cancelled, so another holder never overlaps.
	LeaseTTL time.Duration
}

// Poller is the async poll manager. It keeps the set of tasks waiting on
// remote jobs and polls each on a fixed interval. Polls of different tasks
// run concurrently; polls of one task never overlap.
type Poller struct {
	machine   *StateMachine
	store     store.TaskStore
	registry  *engine.Registry
	limiter   Limiter
	lease     Lease
	artifacts ArtifactWriter
	config    PollerConfig
	logger    *slog.Logger
	slots     *semaphore.Weighted

	mu       sync.Mutex
	tracked  map[uuid.UUID]*domain.Task
	inflight map[uuid.UUID]struct{}

	polls  sync.WaitGroup
	loop   sync.WaitGroup
	cancel context.CancelFunc
}

// NewPoller creates a poll manager. lease may be nil for single-process
// deployments; artifacts may be nil.
func NewPoller(
	machine *StateMachine,
	s store.TaskStore,
	registry *engine.Registry,
	limiter Limiter,
	lease Lease,
	artifacts ArtifactWriter,
	config PollerConfig,
	log *slog.Logger,
) *Poller {
	if config.Interval <= 0 {
		config.Interval = 5 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Minute
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 1
	}
	if config.LeaseTTL <= 0 {
		config.LeaseTTL = 5 * time.Minute
	}
	if lease == nil {
		lease = NewLocalLease()
	}
	return &Poller{
		machine:   machine,
		store:     s,
		registry:  registry,
		limiter:   limiter,
		lease:     lease,
		artifacts: artifacts,
		config:    config,
		logger:    log.With("component", "poller"),
		slots:     semaphore.NewWeighted(int64(config.MaxConcurrent)),
		tracked:   make(map[uuid.UUID]*domain.Task),
		inflight:  make(map[uuid.UUID]struct{}),
	}
}

// Track adds a waiting task to the poll set.
func (p *Poller) Track(t *domain.Task) {
	if t.Status != domain.TaskStatusWaitingOnRemote {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracked[t.ID] = t.Clone()
}

// Tracked returns the number of tasks in the poll set.
func (p *Poller) Tracked() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tracked)
}

func (p *Poller) untrack(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.tracked, id)
}

// Recover loads every task already waiting on a remote job, e.g. after a
// restart.
func (p *Poller) Recover(ctx context.Context) error {
	waiting, err := p.store.ListTasks(ctx, store.TaskFilter{Status: domain.TaskStatusWaitingOnRemote})
	if err != nil {
		return fmt.Errorf("failed to list waiting tasks: %w", err)
	}
	for _, t := range waiting {
		p.Track(t)
	}
	p.logger.Info("recovered waiting tasks", "count", len(waiting))
	return nil
}

// Start recovers waiting tasks and begins the poll cycle.
func (p *Poller) Start(ctx context.Context) error {
	if err := p.Recover(ctx); err != nil {
		return err
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.loop.Add(1)
	go func() {
		defer p.loop.Done()
		ticker := time.NewTicker(p.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Cycle(ctx)
			}
		}
	}()
	return nil
}

// Stop ends the cycle and waits for in-flight polls.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.loop.Wait()
	p.polls.Wait()
}

// Cycle starts a poll for every tracked task that is not already being
// polled. It returns once the polls are launched; Drain waits for them.
func (p *Poller) Cycle(ctx context.Context) {
	for _, t := range p.claimIdle() {
		if err := p.slots.Acquire(ctx, 1); err != nil {
			p.finish(t.ID)
			continue
		}
		p.polls.Add(1)
		go func(t *domain.Task) {
			defer p.polls.Done()
			defer p.slots.Release(1)
			defer p.finish(t.ID)
			p.poll(ctx, t)
		}(t)
	}
}

// Drain waits for every launched poll to finish.
func (p *Poller) Drain() {
	p.polls.Wait()
}

// claimIdle marks every tracked task without a poll in flight as in flight
// and returns them.
func (p *Poller) claimIdle() []*domain.Task {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []*domain.Task
	for id, t := range p.tracked {
		if _, busy := p.inflight[id]; busy {
			continue
		}
		p.inflight[id] = struct{}{}
		out = append(out, t.Clone())
	}
	return out
}

func (p *Poller) finish(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, id)
}

func (p *Poller) poll(ctx context.Context, tracked *domain.Task) {
	log := p.logger.With(
		"task_id", tracked.ID,
		"engine", tracked.Engine,
		"external_job_id", tracked.ExternalJobID,
	)
	ctx = logger.WithLogger(ctx, log)

	release, ok, err := p.lease.Acquire(ctx, "poll:"+tracked.ExternalJobID, p.config.LeaseTTL)
	if err != nil {
		log.Warn("failed to acquire poll lease", "error", err)
		return
	}
	if !ok {
		log.Debug("job is being polled elsewhere")
		return
	}
	defer release()

	leaseCtx, cancel := context.WithTimeout(ctx, p.config.LeaseTTL)
	defer cancel()

	current, err := p.store.GetTask(leaseCtx, tracked.ID)
	if errors.Is(err, store.ErrNotFound) {
		p.untrack(tracked.ID)
		return
	}
	if err != nil {
		log.Error("failed to reload waiting task", "error", err)
		return
	}
	if current.Status != domain.TaskStatusWaitingOnRemote || current.ExternalJobID != tracked.ExternalJobID {
		// Reset or settled elsewhere; whatever the job yields is no longer wanted.
		log.Info("task no longer waiting on this job, dropping it", "status", current.Status)
		p.untrack(tracked.ID)
		return
	}

	if p.expired(current) {
		log.Warn("remote job exceeded poll budget", "timeout", p.config.Timeout)
		p.settle(ctx, current, p.failWith(current, ErrPollTimeout.Error()))
		return
	}

	adapter, err := p.asyncAdapter(current.Engine)
	if err != nil {
		p.settle(ctx, current, p.failWith(current, err.Error()))
		return
	}

	var res engine.PollResult
	err = p.limiter.Do(leaseCtx, current.Engine, "poll", func(callCtx context.Context) error {
		var err error
		res, err = adapter.PollAsync(callCtx, current.ExternalJobID)
		return err
	})
	if err == nil && leaseCtx.Err() != nil {
		err = leaseCtx.Err()
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if leaseCtx.Err() != nil {
			log.Warn("poll outlived its lease, retrying next cycle", "lease_ttl", p.config.LeaseTTL)
			return
		}
		if engine.IsPermanent(err) {
			log.Warn("remote job rejected", "error", err)
			p.settle(ctx, current, p.failWith(current, err.Error()))
			return
		}
		log.Warn("poll failed, retrying next cycle", "error", err)
		return
	}

	switch res.Status {
	case engine.JobSucceeded:
		p.settle(ctx, current, func(ctx context.Context) error {
			path := saveArtifacts(ctx, p.artifacts, current, res.Text, res.Raw)
			_, err := p.machine.Complete(ctx, current, res.Text, path)
			return err
		})
	case engine.JobFailed:
		reason := res.Reason
		if reason == "" {
			reason = "no reason given"
		}
		p.settle(ctx, current, p.failWith(current, "remote job failed: "+reason))
	case engine.JobRunning:
		log.Debug("remote job still running")
	default:
		log.Warn("unknown remote job status, treating as running", "status", res.Status)
	}
}

// settle applies a terminal write-back and drops the task from the poll set
// unless the write failed for a reason worth retrying.
func (p *Poller) settle(ctx context.Context, t *domain.Task, write func(ctx context.Context) error) {
	err := write(context.WithoutCancel(ctx))
	switch {
	case err == nil:
		p.untrack(t.ID)
	case IsConflict(err):
		logger.FromContext(ctx).Info("task changed while polling, discarding outcome", "error", err)
		p.untrack(t.ID)
	default:
		logger.FromContext(ctx).Error("failed to record remote job outcome", "error", err)
	}
}

func (p *Poller) failWith(t *domain.Task, reason string) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := p.machine.Fail(ctx, t, reason)
		return err
	}
}

func (p *Poller) expired(t *domain.Task) bool {
	start := t.UpdatedAt
	if t.SubmittedAt != nil {
		start = *t.SubmittedAt
	}
	return p.machine.now().Sub(start) >= p.config.Timeout
}

func (p *Poller) asyncAdapter(e domain.Engine) (engine.AsyncAdapter, error) {
	a, err := p.registry.Get(e)
	if err != nil {
		return nil, engine.Permanent("poll", err)
	}
	async, ok := a.(engine.AsyncAdapter)
	if !ok {
		return nil, engine.Permanent("poll", fmt.Errorf("engine %s does not run asynchronous jobs", e))
	}
	return async, nil
}
