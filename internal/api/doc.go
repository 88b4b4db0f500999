// Package api is the HTTP surface of the engine: task and parent submission,
// read projections, sheet import and export, and the health probe. It maps
// service errors to status codes and never returns internal details to
// clients.
package api
