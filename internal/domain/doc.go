// Package domain contains the core entities of the extraction pipeline:
// tasks, their results, and the parent relations that group child tasks for
// aggregation. It also owns the task lifecycle rules, independent of any
// storage or delivery mechanism.
package domain
