// Package service contains the submission use cases shared by the HTTP API
// and the importer: creating tasks, registering parents with their children,
// resetting tasks, and the read projections over tasks, results and parent
// aggregates.
//
// The service depends on the store contract and on small collaborator
// interfaces (media acquisition, dispatcher wake-up), never on a concrete
// database or engine.
package service
