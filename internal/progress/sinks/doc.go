// Package sinks implements progress.Observer consumers: Prometheus collectors
// and structured logging. Both are safe for concurrent use and cheap enough to
// run on the tracker's write path.
package sinks
