// Package task runs the extraction pipeline: the state machine that owns
// every task transition, the dispatch loop whose workers claim pending tasks
// and call synchronous engines, and the poll manager that drives
// asynchronous remote jobs to completion.
//
// All shared state lives in the task record store. Claims and write-backs
// are compare-and-set operations on task status, so several processes may
// run dispatchers against one store without double-processing a task.
package task
