// Package store defines the task record store: the durable home of tasks,
// results and parent relations, and the sole arbiter of the claim invariant.
// These interfaces abstract the underlying data storage mechanism from
// the orchestration logic, which depends only on the compare-and-set
// semantics documented on each method.
package store
