// Package engine defines the uniform contract every extraction engine
// implements, the transient/permanent error taxonomy adapters report in, and
// the registry the dispatcher selects adapters from.
//
// Adapters never touch the task store. They wrap exactly one network or
// process call and report its outcome; the task package owns every state
// transition that follows.
package engine
