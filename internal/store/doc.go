// Package store defines the progress data model and the repository interface
// used to persist it. Implementations live in internal/storage; this package
// must not import database drivers or cache clients.
package store
