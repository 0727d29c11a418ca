// Package progress tracks long-running sync jobs. The Tracker persists job
// state through a store.ProgressRepository, keeps a fail-open cache in front of
// it, derives throughput metrics, and fans updates out synchronously to
// in-process listeners registered on a Hub. Terminal jobs have their cache
// entry and listeners evicted by a CleanupScheduler after a fixed delay.
package progress
