// Package aggregate implements the batch aggregator, which folds the results
// of a parent's child tasks into one text per media kind once every child of
// that kind has settled.
package aggregate
