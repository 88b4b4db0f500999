// Package sqldb implements store.Store on database/sql for PostgreSQL (via
// pgx) and SQLite (via modernc.org/sqlite).
//
// Both dialects share one set of queries written with ? placeholders and
// rebound per dialect. The claim is a single UPDATE ... RETURNING over a
// sub-select of the oldest eligible task: PostgreSQL locks the candidate
// row with FOR UPDATE SKIP LOCKED, and SQLite serializes writers, so
// concurrent claimers in any number of processes never receive the same
// task. Every later status write is a compare-and-set on the prior status.
//
// Schemas are embedded per dialect and applied with goose.
package sqldb
