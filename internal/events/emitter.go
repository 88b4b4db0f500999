package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

type subscription struct {
	handler EventHandler
	types   []string
}

func (s subscription) wants(eventType string) bool {
	return len(s.types) == 0 || slices.Contains(s.types, eventType)
}

// Bus delivers task events synchronously to its subscribers, in
// subscription order. A failing or panicking subscriber does not stop
// delivery to the others.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	logger *slog.Logger
}

// NewBus returns an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{logger: logger.With("component", "event_bus")}
}

// Subscribe registers h for the given event types, or for every type when
// none are named.
func (b *Bus) Subscribe(h EventHandler, types ...string) {
	b.mu.Lock()
	b.subs = append(b.subs, subscription{handler: h, types: types})
	n := len(b.subs)
	b.mu.Unlock()
	b.logger.Debug("subscribed handler", "types", types, "subscribers", n)
}

// EmitEvent implements EventEmitter. The returned error joins every
// subscriber failure.
func (b *Bus) EmitEvent(ctx context.Context, event *TaskEvent) error {
	b.mu.RLock()
	subs := slices.Clone(b.subs)
	b.mu.RUnlock()

	var errs []error
	for i, s := range subs {
		if !s.wants(event.Type) {
			continue
		}
		if err := deliver(ctx, s.handler, event); err != nil {
			b.logger.Error("event handler failed",
				"error", err,
				"subscriber", i,
				"event_type", event.Type,
				"task_id", event.TaskID)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func deliver(ctx context.Context, h EventHandler, event *TaskEvent) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panicked on %s: %v", event.Type, p)
		}
	}()
	return h.HandleEvent(ctx, event)
}
