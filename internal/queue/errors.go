package queue

import "errors"

var (
	// ErrNoWork means no pending work item exists. Expected, not
	// exceptional; callers treat it as an empty result.
	ErrNoWork = errors.New("no pending work item")

	// ErrNotLeased means the operation requires status=leased and the
	// item is not in that state.
	ErrNotLeased = errors.New("work item is not leased")

	// ErrNotOwner means the caller does not hold the lease and lacks
	// admin override.
	ErrNotOwner = errors.New("lease held by another user")

	// ErrDuplicateLease means a lease already exists for the work item.
	ErrDuplicateLease = errors.New("lease already exists for work item")
)
