package partyclient

import "errors"

// Sentinel errors mirrored from the lifecycle API. Directory implementations
// map transport-level failures onto these so the controller can phrase a
// human-readable lastError without inspecting HTTP details.
var (
	ErrNotAuthenticated        = errors.New("not authenticated")
	ErrNotFound                = errors.New("party not found")
	ErrCapacityExceeded        = errors.New("party is full")
	ErrPermissionDenied        = errors.New("permission denied")
	ErrCodeGenerationExhausted = errors.New("could not allocate a join code")
	ErrNetworkFailure          = errors.New("network failure")
)

// humanize converts an operation error into the lastError message shown to
// the rider.
func humanize(err error) string {
	switch {
	case errors.Is(err, ErrNotAuthenticated):
		return "sign in to share your location"
	case errors.Is(err, ErrNotFound):
		return "party not found or expired"
	case errors.Is(err, ErrCapacityExceeded):
		return "that party is already full"
	case errors.Is(err, ErrPermissionDenied):
		return "only the party host can do that"
	case errors.Is(err, ErrCodeGenerationExhausted):
		return "could not create a party, try again"
	default:
		return "network trouble, try again"
	}
}
