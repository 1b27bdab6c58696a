package coordinator

import (
	"errors"
	"fmt"

	"integrationcore/pkg/vendor"
)

var (
	// ErrNotReady is returned by FirstRefresh when the initial fetch fails for
	// any reason other than authentication. Setup should be retried later.
	ErrNotReady = errors.New("coordinator not ready")

	// ErrAuthFailed matches refresh failures caused by rejected credentials.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrUpdateFailed matches every refresh failure.
	ErrUpdateFailed = errors.New("update failed")

	// ErrShutdown is returned for refreshes that started or finished after Shutdown.
	ErrShutdown = errors.New("coordinator shut down")
)

// UpdateError describes one failed refresh.
type UpdateError struct {
	Coordinator string
	Kind        vendor.Kind
	Err         error
}

func (e *UpdateError) Error() string {
	return fmt.Sprintf("error fetching %s data: %v", e.Coordinator, e.Err)
}

func (e *UpdateError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match ErrUpdateFailed for any failure and ErrAuthFailed
// for authentication failures.
func (e *UpdateError) Is(target error) bool {
	switch target {
	case ErrUpdateFailed:
		return true
	case ErrAuthFailed:
		return e.Kind == vendor.KindAuth
	default:
		return false
	}
}
