// Package securestore provides a key/value store for secrets with
// per-entry accessibility policies on top of pluggable platform backends.
package securestore

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotSupported returned when a backend or an operation is not available
	ErrNotSupported = errors.New("implementation not supported")
	// ErrInvalidKey returned when a key is empty or malformed
	ErrInvalidKey = errors.New("invalid key")
	// ErrNotFound returned when no entry exists for a key
	ErrNotFound = errors.New("no secret found for key")
	// ErrAccessDenied returned when the device lock state does not satisfy
	// the accessibility policy stored with the entry
	ErrAccessDenied = errors.New("access denied by accessibility policy")
	// ErrValueTooLarge returned when a backend enforces a size cap on values
	ErrValueTooLarge = errors.New("secret value too large")
	// ErrUnsupportedPolicy returned when a backend cannot honor an accessibility policy
	ErrUnsupportedPolicy = errors.New("accessibility policy not supported by backend")
	// ErrBackend returned for platform level failures (I/O, corruption, transport)
	ErrBackend = errors.New("backend failure")
	// ErrClosed returned when the store has been closed
	ErrClosed = errors.New("store is closed")
)

// SecureBackend is implemented by platform secret stores.
type SecureBackend interface {
	// String representation of the backend
	String() string

	// Get returns the value stored for key. It fails with ErrNotFound when
	// there is no entry and with ErrAccessDenied when the current lock
	// state does not satisfy the stored policy.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set creates or overwrites the entry for key. A failed Set leaves the
	// previous entry, if any, untouched.
	Set(ctx context.Context, key string, value []byte, accessible Accessibility) error

	// Remove deletes the entry for key. Removing an absent key succeeds:
	// absence is the terminal state, not an error.
	Remove(ctx context.Context, key string) error

	// SetUninstallReset requests that entries be purged when the
	// application is reinstalled. The returned value is the state the
	// backend actually enforces.
	SetUninstallReset(enabled bool) bool
}

// BackendInit creates a SecureBackend from a backend specific config map.
type BackendInit func(
	config map[string]interface{},
) (SecureBackend, error)

// Error is returned by KeyStore operations. Kind is one of the sentinel
// errors of this package.
type Error struct {
	Op   string
	Key  string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("securestore: %s %q: %v", e.Op, e.Key, e.Kind)
	}
	if errors.Is(e.Err, e.Kind) {
		return fmt.Sprintf("securestore: %s %q: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("securestore: %s %q: %v: %v", e.Op, e.Key, e.Kind, e.Err)
}

// Unwrap exposes only the error kind so backend specific error types
// never reach callers.
func (e *Error) Unwrap() error {
	return e.Kind
}

var kinds = []error{
	ErrInvalidKey,
	ErrNotFound,
	ErrAccessDenied,
	ErrValueTooLarge,
	ErrUnsupportedPolicy,
	ErrNotSupported,
	ErrClosed,
	ErrBackend,
}

// kindOf maps an arbitrary backend error onto the error taxonomy.
func kindOf(err error) error {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return ErrBackend
}

// errorType is the short label used for logging and metrics.
func errorType(kind error) string {
	switch kind {
	case ErrInvalidKey:
		return "invalid_key"
	case ErrNotFound:
		return "not_found"
	case ErrAccessDenied:
		return "access_denied"
	case ErrValueTooLarge:
		return "value_too_large"
	case ErrUnsupportedPolicy:
		return "unsupported_policy"
	case ErrNotSupported:
		return "not_supported"
	case ErrClosed:
		return "closed"
	case context.Canceled:
		return "canceled"
	case context.DeadlineExceeded:
		return "deadline_exceeded"
	}
	return "backend"
}
