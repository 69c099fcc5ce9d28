// Package utils holds the small helpers pkg/config and the coordinator's
// other entrypoints share: error wrapping and environment-variable lookups.
// It carries no hive-specific types so it stays importable from cmd/,
// pkg/config, and hive without creating a cycle back into either.
package utils

import "fmt"

// Wrap prefixes err with message, returning nil if err is nil so callers can
// write `return utils.Wrap(err, "...")` unconditionally.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
