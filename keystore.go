package securestore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/libopenstorage/securestore/metrics"
)

// MaxKeyLength is the longest key, in bytes, accepted by KeyStore.
const MaxKeyLength = 1024

// SetOptions are optional parameters of Set.
type SetOptions struct {
	// Accessible is stored with the entry. AccessibilityUnset selects the
	// store's default policy.
	Accessible Accessibility
}

// Option configures a KeyStore.
type Option func(*KeyStore)

// WithLogger sets the logger used for operation failures.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(k *KeyStore) {
		k.logger = logger
	}
}

// WithMetrics enables or disables Prometheus instrumentation.
func WithMetrics(enabled bool) Option {
	return func(k *KeyStore) {
		k.metrics = enabled
	}
}

// WithMaxConcurrency bounds the number of backend calls in flight across
// all keys. Zero means unbounded.
func WithMaxConcurrency(n int) Option {
	return func(k *KeyStore) {
		k.maxConcurrency = int64(n)
	}
}

// WithDefaultAccessibility overrides DefaultAccessibility for writes that
// do not carry a policy.
func WithDefaultAccessibility(a Accessibility) Option {
	return func(k *KeyStore) {
		k.defaultAccessible = a
	}
}

// KeyStore validates keys, applies the default accessibility, orders
// concurrent calls per key and normalizes backend errors. It holds no
// secret values between calls.
type KeyStore struct {
	backend           SecureBackend
	logger            logrus.FieldLogger
	metrics           bool
	maxConcurrency    int64
	defaultAccessible Accessibility

	dispatch *dispatcher

	mu     sync.RWMutex
	closed bool
}

// New returns a KeyStore dispatching to backend.
func New(backend SecureBackend, opts ...Option) *KeyStore {
	k := &KeyStore{
		backend:           backend,
		logger:            logrus.StandardLogger(),
		metrics:           true,
		defaultAccessible: DefaultAccessibility,
	}
	for _, opt := range opts {
		opt(k)
	}
	k.dispatch = newDispatcher(k.maxConcurrency, func(delta int) {
		if k.metrics {
			metrics.AddQueued(k.backend.String(), delta)
		}
	})
	return k
}

// Backend returns the name of the active backend.
func (k *KeyStore) Backend() string {
	return k.backend.String()
}

// Get returns the value stored for key.
func (k *KeyStore) Get(ctx context.Context, key string) ([]byte, error) {
	return k.GetAsync(ctx, key).Wait(ctx)
}

// GetString returns the value stored for key as a string.
func (k *KeyStore) GetString(ctx context.Context, key string) (string, error) {
	value, err := k.Get(ctx, key)
	if err != nil {
		return "", err
	}
	return string(value), nil
}

// Set stores value under key, replacing any previous value and policy.
func (k *KeyStore) Set(ctx context.Context, key string, value []byte, opts *SetOptions) error {
	_, err := k.SetAsync(ctx, key, value, opts).Wait(ctx)
	return err
}

// SetString stores the UTF-8 bytes of value under key.
func (k *KeyStore) SetString(ctx context.Context, key, value string, opts *SetOptions) error {
	return k.Set(ctx, key, []byte(value), opts)
}

// Remove deletes the entry for key. Removing an absent key succeeds.
func (k *KeyStore) Remove(ctx context.Context, key string) error {
	_, err := k.RemoveAsync(ctx, key).Wait(ctx)
	return err
}

// GetAsync submits a read of key and returns without waiting for it.
func (k *KeyStore) GetAsync(ctx context.Context, key string) *Future[[]byte] {
	f := newFuture[[]byte]()
	k.mu.RLock()
	defer k.mu.RUnlock()
	if err := k.admit(metrics.OpGet, key); err != nil {
		f.resolve(nil, err)
		return f
	}
	k.dispatch.submit(key, &task{
		ctx: ctx,
		run: func(ctx context.Context) {
			start := time.Now()
			value, err := k.backend.Get(ctx, key)
			err = k.finish(metrics.OpGet, key, start, err)
			if err != nil {
				value = nil
			}
			f.resolve(value, err)
		},
		skip: func(err error) { f.resolve(nil, err) },
	})
	return f
}

// SetAsync submits a write of key and returns without waiting for it.
// Writes submitted earlier for the same key are applied first.
func (k *KeyStore) SetAsync(
	ctx context.Context,
	key string,
	value []byte,
	opts *SetOptions,
) *Future[struct{}] {
	f := newFuture[struct{}]()
	k.mu.RLock()
	defer k.mu.RUnlock()
	accessible := k.defaultAccessible
	if opts != nil && opts.Accessible != AccessibilityUnset {
		accessible = opts.Accessible
	}
	if err := k.admit(metrics.OpSet, key); err != nil {
		f.resolve(struct{}{}, err)
		return f
	}
	if !accessible.IsValid() {
		f.resolve(struct{}{}, k.fail(metrics.OpSet, key, ErrUnsupportedPolicy, nil))
		return f
	}
	// The caller may reuse its buffer once SetAsync returns.
	value = append([]byte(nil), value...)
	k.dispatch.submit(key, &task{
		ctx: ctx,
		run: func(ctx context.Context) {
			start := time.Now()
			err := k.backend.Set(ctx, key, value, accessible)
			f.resolve(struct{}{}, k.finish(metrics.OpSet, key, start, err))
		},
		skip: func(err error) { f.resolve(struct{}{}, err) },
	})
	return f
}

// RemoveAsync submits a removal of key and returns without waiting for it.
func (k *KeyStore) RemoveAsync(ctx context.Context, key string) *Future[struct{}] {
	f := newFuture[struct{}]()
	k.mu.RLock()
	defer k.mu.RUnlock()
	if err := k.admit(metrics.OpRemove, key); err != nil {
		f.resolve(struct{}{}, err)
		return f
	}
	k.dispatch.submit(key, &task{
		ctx: ctx,
		run: func(ctx context.Context) {
			start := time.Now()
			err := k.backend.Remove(ctx, key)
			f.resolve(struct{}{}, k.finish(metrics.OpRemove, key, start, err))
		},
		skip: func(err error) { f.resolve(struct{}{}, err) },
	})
	return f
}

// SetResetOnAppUninstallTo asks the backend to purge entries when the
// application is reinstalled and returns the state the backend enforces.
// A closed store does not reach the backend and reports false.
func (k *KeyStore) SetResetOnAppUninstallTo(enabled bool) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		if k.metrics {
			metrics.RecordOperation(metrics.OpUninstallReset, k.backend.String(), errorType(ErrClosed), 0)
		}
		k.logger.WithFields(logrus.Fields{
			"backend":   k.backend.String(),
			"requested": enabled,
		}).Error("Uninstall reset requested on a closed store")
		return false
	}

	start := time.Now()
	enforced := k.backend.SetUninstallReset(enabled)
	if k.metrics {
		metrics.RecordOperation(metrics.OpUninstallReset, k.backend.String(), "", time.Since(start))
	}
	fields := logrus.Fields{
		"backend":   k.backend.String(),
		"requested": enabled,
		"enforced":  enforced,
	}
	if enforced != enabled {
		k.logger.WithFields(fields).Warn("Uninstall reset setting not honored by backend")
	} else {
		k.logger.WithFields(fields).Debug("Uninstall reset updated")
	}
	return enforced
}

// Close stops accepting operations, waits for queued ones and closes the
// backend if it holds resources.
func (k *KeyStore) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	k.mu.Unlock()

	k.dispatch.wait()
	if c, ok := k.backend.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// admit rejects calls on a closed store and malformed keys before they
// are queued. Callers hold k.mu for reading.
func (k *KeyStore) admit(op, key string) error {
	if k.closed {
		return k.fail(op, key, ErrClosed, nil)
	}
	if err := ValidateKey(key); err != nil {
		return k.fail(op, key, ErrInvalidKey, err)
	}
	return nil
}

// finish normalizes the outcome of a backend call and records it.
func (k *KeyStore) finish(op, key string, start time.Time, err error) error {
	duration := time.Since(start)
	if err == nil {
		if k.metrics {
			metrics.RecordOperation(op, k.backend.String(), "", duration)
		}
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		kind := context.Canceled
		if errors.Is(err, context.DeadlineExceeded) {
			kind = context.DeadlineExceeded
		}
		if k.metrics {
			metrics.RecordOperation(op, k.backend.String(), errorType(kind), duration)
		}
		return kind
	}
	kind := kindOf(err)
	if k.metrics {
		metrics.RecordOperation(op, k.backend.String(), errorType(kind), duration)
	}
	return k.fail(op, key, kind, err)
}

func (k *KeyStore) fail(op, key string, kind, cause error) *Error {
	e := &Error{Op: op, Key: key, Kind: kind, Err: cause}
	entry := k.logger.WithFields(logrus.Fields{
		"backend":    k.backend.String(),
		"op":         op,
		"key":        key,
		"error_type": errorType(kind),
	})
	switch kind {
	case ErrNotFound:
		entry.Debug("Secret not found")
	case ErrBackend:
		entry.WithError(cause).Error("Backend operation failed")
	default:
		entry.WithError(cause).Warn("Operation rejected")
	}
	return e
}

// ValidateKey checks that key is non-empty, valid UTF-8, free of NUL bytes
// and at most MaxKeyLength bytes long.
func ValidateKey(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	case len(key) > MaxKeyLength:
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidKey, MaxKeyLength)
	case !utf8.ValidString(key):
		return fmt.Errorf("%w: not valid UTF-8", ErrInvalidKey)
	}
	for i := 0; i < len(key); i++ {
		if key[i] == 0 {
			return fmt.Errorf("%w: contains NUL byte", ErrInvalidKey)
		}
	}
	return nil
}
