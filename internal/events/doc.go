// Package events provides a small in-process publish/subscribe layer.
//
// The task state machine emits a TaskEvent whenever a task settles or is
// reset; the batch aggregator subscribes to refresh the parents that list
// the task. Emission is synchronous and a failing handler never blocks the
// others.
package events
