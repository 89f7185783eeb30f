// Package fault defines the error taxonomy shared across the service.
// Callers classify failures with errors.Is rather than string matching.
package fault

import "errors"

var (
	// ErrIntegrity marks a fatal schema integrity violation (checksum
	// mismatch or a non-contiguous migration sequence). Never retried.
	ErrIntegrity = errors.New("schema integrity violation")

	// ErrLockContention is returned when another migration run holds the
	// lock within its staleness window. Transient; retry later.
	ErrLockContention = errors.New("migration lock held")

	// ErrNotFound is returned for unknown tags, assignments or subjects.
	ErrNotFound = errors.New("not found")

	// ErrUpstreamUnavailable marks a failed source-provider lookup.
	// The affected subject's evaluation is skipped for the cycle.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)
