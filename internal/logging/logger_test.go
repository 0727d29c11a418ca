// Package logging includes tests for the zap logger helpers.
package logging

import "testing"

// TestNew confirms both logger flavours build and log.
func TestNew(t *testing.T) {
	t.Parallel()

	for _, development := range []bool{true, false} {
		logger, err := New(development)
		if err != nil {
			t.Fatalf("New(%t) error = %v", development, err)
		}
		if logger == nil {
			t.Fatal("expected logger to be non-nil")
		}
		logger.Info("logger ready")
		_ = logger.Sync() //nolint:errcheck // best-effort flush
	}
}
