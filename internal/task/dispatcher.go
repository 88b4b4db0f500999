package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/phrazzld/mediatext/internal/domain"
	"github.com/phrazzld/mediatext/internal/engine"
	"github.com/phrazzld/mediatext/internal/platform/logger"
	"github.com/phrazzld/mediatext/internal/store"
)

// DispatcherConfig holds configuration for the dispatch loop.
type DispatcherConfig struct {
	// Workers determines how many tasks are processed concurrently.
	Workers int

	// IdleInterval is how long an idle worker waits before looking for
	// work again when it was not woken by a submission.
	IdleInterval time.Duration

	// StuckTaskAge defines how long a task can be in processing state
	// before it's considered stuck and reclaimed.
	StuckTaskAge time.Duration

	// StuckCheckInterval defines how often to check for stuck tasks.
	StuckCheckInterval time.Duration
}

// DefaultDispatcherConfig returns a DispatcherConfig with reasonable defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:            4,
		IdleInterval:       time.Second,
		StuckTaskAge:       30 * time.Minute,
		StuckCheckInterval: 5 * time.Minute,
	}
}

// Dispatcher is the dispatch loop: a bounded pool of workers that claim
// pending tasks and run them through their engine adapters.
type Dispatcher struct {
	machine   *StateMachine
	store     store.TaskStore
	registry  *engine.Registry
	limiter   Limiter
	tracker   Tracker
	artifacts ArtifactWriter
	config    DispatcherConfig
	logger    *slog.Logger

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup

	availMu     sync.Mutex
	unavailable []domain.Engine
}

// NewDispatcher creates a dispatcher. tracker receives tasks that enter
// WaitingOnRemote; artifacts may be nil.
func NewDispatcher(
	machine *StateMachine,
	s store.TaskStore,
	registry *engine.Registry,
	limiter Limiter,
	tracker Tracker,
	artifacts ArtifactWriter,
	config DispatcherConfig,
	log *slog.Logger,
) *Dispatcher {
	defaults := DefaultDispatcherConfig()
	if config.Workers <= 0 {
		log.Warn("invalid worker count specified, using default",
			"specified_count", config.Workers,
			"default_count", defaults.Workers)
		config.Workers = defaults.Workers
	}
	if config.IdleInterval <= 0 {
		config.IdleInterval = defaults.IdleInterval
	}
	if config.StuckTaskAge <= 0 {
		config.StuckTaskAge = defaults.StuckTaskAge
	}
	if config.StuckCheckInterval <= 0 {
		config.StuckCheckInterval = defaults.StuckCheckInterval
	}

	return &Dispatcher{
		machine:   machine,
		store:     s,
		registry:  registry,
		limiter:   limiter,
		tracker:   tracker,
		artifacts: artifacts,
		config:    config,
		logger:    log.With("component", "dispatcher"),
		wake:      make(chan struct{}, 1),
	}
}

// Start reclaims stuck tasks and launches the workers and the stuck-task
// monitor. They run until Stop is called or ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) error {
	ctx, d.cancel = context.WithCancel(ctx)

	if _, err := d.ReclaimStuck(ctx); err != nil {
		d.cancel()
		return fmt.Errorf("failed to reclaim stuck tasks: %w", err)
	}

	for i := 0; i < d.config.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}

	d.wg.Add(1)
	go d.stuckTaskMonitor(ctx)

	d.logger.Info("dispatcher started", "workers", d.config.Workers)
	return nil
}

// Stop cancels the workers and waits for them to return. Tasks interrupted
// mid-call are released back to Pending.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

// Notify wakes one idle worker. It never blocks.
func (d *Dispatcher) Notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// UnavailableEngines lists registered engines that reported unavailable at
// the last claim attempt. Their tasks stay Pending.
func (d *Dispatcher) UnavailableEngines() []domain.Engine {
	d.availMu.Lock()
	defer d.availMu.Unlock()
	return slices.Clone(d.unavailable)
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()

	d.logger.Debug("starting worker", "worker_id", id)
	timer := time.NewTimer(d.config.IdleInterval)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			d.logger.Debug("stopping worker", "worker_id", id)
			return
		}

		processed, err := d.ProcessNext(ctx, id)
		if err != nil && ctx.Err() == nil {
			d.logger.Error("failed to claim task", "worker_id", id, "error", err)
		}
		if processed {
			continue
		}

		timer.Reset(d.config.IdleInterval)
		select {
		case <-ctx.Done():
			d.logger.Debug("stopping worker", "worker_id", id)
			return
		case <-d.wake:
		case <-timer.C:
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
}

// ProcessNext claims one eligible task and runs it to its next state.
// It reports false when there was nothing to claim.
func (d *Dispatcher) ProcessNext(ctx context.Context, workerID int) (bool, error) {
	engines := d.availableEngines(ctx)
	if len(engines) == 0 {
		return false, nil
	}

	t, err := d.machine.Claim(ctx, engines)
	if errors.Is(err, store.ErrNoPendingTask) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	d.process(ctx, t, workerID)
	return true, nil
}

func (d *Dispatcher) availableEngines(ctx context.Context) []domain.Engine {
	availability := d.registry.Availability(ctx)

	var available, unavailable []domain.Engine
	for _, e := range d.registry.Engines() {
		if availability[e] {
			available = append(available, e)
		} else {
			unavailable = append(unavailable, e)
		}
	}

	d.availMu.Lock()
	changed := !slices.Equal(d.unavailable, unavailable)
	d.unavailable = unavailable
	d.availMu.Unlock()

	if changed {
		if len(unavailable) > 0 {
			d.logger.Warn("engines unavailable, their tasks stay pending", "engines", unavailable)
		} else {
			d.logger.Info("all engines available")
		}
	}
	return available
}

func (d *Dispatcher) process(ctx context.Context, t *domain.Task, workerID int) {
	log := d.logger.With(
		"task_id", t.ID,
		"engine", t.Engine,
		"attempt", t.Attempt,
		"worker_id", workerID,
	)
	ctx = logger.WithLogger(ctx, log)
	log.Info("processing task")

	adapter, err := d.registry.Get(t.Engine)
	if err != nil {
		d.fail(ctx, t, engine.Permanent("dispatch", err))
		return
	}

	switch a := adapter.(type) {
	case engine.AsyncAdapter:
		d.submit(ctx, a, t)
	case engine.SyncAdapter:
		d.runSync(ctx, a, t)
	}
}

func (d *Dispatcher) runSync(ctx context.Context, a engine.SyncAdapter, t *domain.Task) {
	var text string
	err := d.limiter.Do(ctx, t.Engine, "process", func(callCtx context.Context) error {
		var err error
		text, err = a.ProcessSync(callCtx, t.Source)
		return err
	})
	if err != nil {
		d.fail(ctx, t, err)
		return
	}

	// Write-backs outlive shutdown so finished work is not lost.
	ctx = context.WithoutCancel(ctx)
	path := saveArtifacts(ctx, d.artifacts, t, text, nil)
	if _, err := d.machine.Complete(ctx, t, text, path); err != nil {
		d.logWriteBack(ctx, "completion", err)
	}
}

func (d *Dispatcher) submit(ctx context.Context, a engine.AsyncAdapter, t *domain.Task) {
	var handle string
	err := d.limiter.Do(ctx, t.Engine, "submit", func(callCtx context.Context) error {
		var err error
		handle, err = a.SubmitAsync(callCtx, t.Source, t.Options)
		return err
	})
	if err == nil && handle == "" {
		err = engine.Permanent("submit", ErrEmptyJobHandle)
	}
	if err != nil {
		d.fail(ctx, t, err)
		return
	}

	waiting, err := d.machine.AwaitRemote(context.WithoutCancel(ctx), t, handle)
	if err != nil {
		logger.FromContext(ctx).Error("remote job accepted but task could not record it",
			"external_job_id", handle, "error", err)
		return
	}
	if d.tracker != nil {
		d.tracker.Track(waiting)
	}
}

func (d *Dispatcher) fail(ctx context.Context, t *domain.Task, cause error) {
	if ctx.Err() != nil {
		// Shutting down: hand the task back untouched by the retry budget.
		if _, err := d.machine.Release(context.WithoutCancel(ctx), t); err != nil {
			d.logWriteBack(ctx, "release", err)
		}
		return
	}
	if _, err := d.machine.HandleFailure(ctx, t, cause); err != nil {
		d.logWriteBack(ctx, "failure", err)
	}
}

func (d *Dispatcher) logWriteBack(ctx context.Context, what string, err error) {
	log := logger.FromContext(ctx)
	if IsConflict(err) {
		log.Info("task changed while processing, discarding "+what, "error", err)
		return
	}
	log.Error("failed to record task "+what, "error", err)
}

// ReclaimStuck fails over tasks left in Processing longer than StuckTaskAge.
// Each reclaim counts as a transient failure of that attempt.
func (d *Dispatcher) ReclaimStuck(ctx context.Context) (int, error) {
	cutoff := d.machine.now().Add(-d.config.StuckTaskAge)
	stuck, err := d.store.ListProcessingBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, t := range stuck {
		_, err := d.machine.HandleFailure(ctx, t, engine.Transient("dispatch", ErrWorkerLost))
		if err != nil {
			if !IsConflict(err) {
				d.logger.Error("failed to reclaim stuck task", "task_id", t.ID, "error", err)
			}
			continue
		}
		reclaimed++
	}
	if reclaimed > 0 {
		d.logger.Info("reclaimed stuck tasks", "count", reclaimed)
		d.Notify()
	}
	return reclaimed, nil
}

func (d *Dispatcher) stuckTaskMonitor(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.StuckCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.ReclaimStuck(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("failed to check for stuck tasks", "error", err)
			}
		}
	}
}
