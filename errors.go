package modelgate

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrQuotaExceeded      = errors.New("modelgate: daily quota exceeded")
	ErrRateLimited        = errors.New("modelgate: rate limited")
	ErrNoBackendAvailable = errors.New("modelgate: no backend available")
	ErrBackendUnavailable = errors.New("modelgate: backend unavailable")
	ErrBackendTimeout     = errors.New("modelgate: backend timed out")
	ErrInvalidRequest     = errors.New("modelgate: invalid request")
	ErrProviderQuota      = errors.New("modelgate: provider quota exhausted")
	ErrClassification     = errors.New("modelgate: classification failed")
	ErrPersistence        = errors.New("modelgate: persistence degraded")
)

// DispatchError wraps a connector error with routing context.
type DispatchError struct {
	Err         error
	ConnectorID string
	Category    Category
	Attempts    int
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("modelgate: connector=%s category=%s attempts=%d: %v",
		e.ConnectorID, e.Category, e.Attempts, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// IsFatal returns true if the error should not be retried on another connector.
func IsFatal(err error) bool {
	return errors.Is(err, ErrInvalidRequest)
}

// IsProviderQuota returns true if the error indicates the provider itself
// exhausted its quota, which trips the daily gate.
func IsProviderQuota(err error) bool {
	return errors.Is(err, ErrProviderQuota)
}

// IsRetryable returns true if the error can be retried on a fallback connector.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBackendUnavailable) ||
		errors.Is(err, ErrBackendTimeout) ||
		errors.Is(err, ErrRateLimited)
}
