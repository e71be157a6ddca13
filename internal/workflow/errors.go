package workflow

import "errors"

// Error taxonomy shared by every workflow service. Repos keep their own
// sentinels; services map them onto these kinds before returning to the
// command layer.
var (
	ErrNotFound          = errors.New("workflow entity not found")
	ErrInvalidTransition = errors.New("invalid workflow transition")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrRateLimited       = errors.New("rate limited")
	ErrExternalService   = errors.New("external service failure")

	// ErrConflict marks an optimistic pre-state check that failed because
	// another path already applied the transition. Benign; callers treat
	// it as "already handled".
	ErrConflict = errors.New("workflow state conflict")
)
