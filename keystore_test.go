package securestore_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libopenstorage/securestore"
	"github.com/libopenstorage/securestore/memory"
	"github.com/libopenstorage/securestore/metrics"
	"github.com/libopenstorage/securestore/mock"
)

type diskError struct{ path string }

func (e *diskError) Error() string { return "disk failure at " + e.path }

func newMockStore(t *testing.T, opts ...securestore.Option) (*securestore.KeyStore, *mock.MockSecureBackend) {
	ctrl := gomock.NewController(t)
	b := mock.NewMockSecureBackend(ctrl)
	b.EXPECT().String().Return("mock").AnyTimes()
	logger, _ := logtest.NewNullLogger()
	opts = append([]securestore.Option{
		securestore.WithMetrics(false),
		securestore.WithLogger(logger),
	}, opts...)
	return securestore.New(b, opts...), b
}

func TestKeyStoreExample(t *testing.T) {
	ctx := context.Background()
	dev := securestore.NewSimulatedDevice()
	ks := securestore.New(memory.NewMemoryStore(memory.Options{Device: dev}))
	defer ks.Close()

	require.NoError(t, ks.SetString(ctx, "alias1", "secret-value",
		&securestore.SetOptions{Accessible: securestore.WhenUnlocked}))

	got, err := ks.GetString(ctx, "alias1")
	require.NoError(t, err)
	assert.Equal(t, "secret-value", got)

	dev.Lock()
	_, err = ks.Get(ctx, "alias1")
	assert.ErrorIs(t, err, securestore.ErrAccessDenied)

	var e *securestore.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "get", e.Op)
	assert.Equal(t, "alias1", e.Key)

	dev.Unlock()
	require.NoError(t, ks.Remove(ctx, "alias1"))
	_, err = ks.Get(ctx, "alias1")
	assert.ErrorIs(t, err, securestore.ErrNotFound)
	assert.NoError(t, ks.Remove(ctx, "alias1"), "Removing an absent key succeeds")
}

func TestDefaultAccessibility(t *testing.T) {
	ctx := context.Background()
	ks, b := newMockStore(t)

	b.EXPECT().Set(gomock.Any(), "k", []byte("v"), securestore.AfterFirstUnlock).Return(nil)
	require.NoError(t, ks.Set(ctx, "k", []byte("v"), nil))

	b.EXPECT().Set(gomock.Any(), "k", []byte("v"), securestore.AfterFirstUnlock).Return(nil)
	require.NoError(t, ks.Set(ctx, "k", []byte("v"), &securestore.SetOptions{}))

	b.EXPECT().Set(gomock.Any(), "k", []byte("v"), securestore.AlwaysThisDeviceOnly).Return(nil)
	require.NoError(t, ks.Set(ctx, "k", []byte("v"),
		&securestore.SetOptions{Accessible: securestore.AlwaysThisDeviceOnly}))

	custom, b2 := newMockStore(t, securestore.WithDefaultAccessibility(securestore.WhenUnlocked))
	b2.EXPECT().Set(gomock.Any(), "k", []byte("v"), securestore.WhenUnlocked).Return(nil)
	require.NoError(t, custom.Set(ctx, "k", []byte("v"), nil))
}

func TestInvalidKeyNeverReachesBackend(t *testing.T) {
	ctx := context.Background()
	// No Get, Set or Remove expectations: any backend call fails the test.
	ks, _ := newMockStore(t)

	for _, key := range []string{
		"",
		"nul\x00byte",
		string([]byte{0xff, 0xfe}),
		strings.Repeat("k", securestore.MaxKeyLength+1),
	} {
		_, err := ks.Get(ctx, key)
		assert.ErrorIs(t, err, securestore.ErrInvalidKey)
		assert.ErrorIs(t, ks.Set(ctx, key, []byte("v"), nil), securestore.ErrInvalidKey)
		assert.ErrorIs(t, ks.Remove(ctx, key), securestore.ErrInvalidKey)
	}
	assert.NoError(t, securestore.ValidateKey(strings.Repeat("k", securestore.MaxKeyLength)))
	assert.NoError(t, securestore.ValidateKey("ключ/🔑"))
}

func TestInvalidPolicy(t *testing.T) {
	ks, _ := newMockStore(t)

	err := ks.Set(context.Background(), "k", []byte("v"),
		&securestore.SetOptions{Accessible: securestore.Accessibility(99)})
	assert.ErrorIs(t, err, securestore.ErrUnsupportedPolicy)
}

func TestErrorNormalization(t *testing.T) {
	ctx := context.Background()
	ks, b := newMockStore(t)

	b.EXPECT().Get(gomock.Any(), "k").Return(nil, &diskError{path: "/var/lib"})
	_, err := ks.Get(ctx, "k")
	assert.ErrorIs(t, err, securestore.ErrBackend)
	assert.Contains(t, err.Error(), "disk failure", "The cause is kept in the message")

	var de *diskError
	assert.False(t, errors.As(err, &de), "Backend error types must not leak")

	b.EXPECT().Get(gomock.Any(), "k").Return(nil, securestore.ErrNotFound)
	_, err = ks.Get(ctx, "k")
	assert.ErrorIs(t, err, securestore.ErrNotFound)

	b.EXPECT().Remove(gomock.Any(), "k").Return(errors.New("permission denied by keyring"))
	assert.ErrorIs(t, ks.Remove(ctx, "k"), securestore.ErrBackend)

	b.EXPECT().Set(gomock.Any(), "k", gomock.Any(), gomock.Any()).
		Return(securestore.ErrValueTooLarge)
	assert.ErrorIs(t, ks.Set(ctx, "k", []byte("v"), nil), securestore.ErrValueTooLarge)
}

func TestFailedGetReturnsNoValue(t *testing.T) {
	ks, b := newMockStore(t)

	b.EXPECT().Get(gomock.Any(), "k").Return([]byte("partial"), errors.New("short read"))
	value, err := ks.Get(context.Background(), "k")
	assert.Error(t, err)
	assert.Nil(t, value)
}

func TestSetCopiesValue(t *testing.T) {
	ctx := context.Background()
	ks := securestore.New(memory.NewMemoryStore(memory.Options{}), securestore.WithMetrics(false))

	buf := []byte("original")
	f := ks.SetAsync(ctx, "k", buf, nil)
	copy(buf, "mutated!")
	_, err := f.Wait(ctx)
	require.NoError(t, err)

	got, err := ks.GetString(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "original", got)
}

func TestSameKeyOrdering(t *testing.T) {
	ctx := context.Background()
	ks, b := newMockStore(t)

	release := make(chan struct{})
	var (
		mu    sync.Mutex
		order []string
	)
	record := func(_ context.Context, _ string, value []byte, _ securestore.Accessibility) error {
		mu.Lock()
		order = append(order, string(value))
		mu.Unlock()
		return nil
	}
	b.EXPECT().Set(gomock.Any(), "k", []byte("A"), gomock.Any()).
		DoAndReturn(func(ctx context.Context, key string, value []byte, a securestore.Accessibility) error {
			<-release
			return record(ctx, key, value, a)
		})
	b.EXPECT().Set(gomock.Any(), "k", gomock.Any(), gomock.Any()).DoAndReturn(record).Times(3)
	b.EXPECT().Remove(gomock.Any(), "k").DoAndReturn(func(context.Context, string) error {
		mu.Lock()
		order = append(order, "removed")
		mu.Unlock()
		return nil
	})

	var futures []*securestore.Future[struct{}]
	for _, v := range []string{"A", "B", "C", "D"} {
		futures = append(futures, ks.SetAsync(ctx, "k", []byte(v), nil))
	}
	removed := ks.RemoveAsync(ctx, "k")

	close(release)
	for _, f := range futures {
		_, err := f.Wait(ctx)
		require.NoError(t, err)
	}
	_, err := removed.Wait(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B", "C", "D", "removed"}, order)
}

func TestDistinctKeysRunConcurrently(t *testing.T) {
	ctx := context.Background()
	ks, b := newMockStore(t)

	release := make(chan struct{})
	b.EXPECT().Get(gomock.Any(), "slow").DoAndReturn(func(context.Context, string) ([]byte, error) {
		<-release
		return []byte("slow"), nil
	})
	b.EXPECT().Get(gomock.Any(), "fast").Return([]byte("fast"), nil)

	slow := ks.GetAsync(ctx, "slow")

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	got, err := ks.Get(waitCtx, "fast")
	require.NoError(t, err, "A blocked key must not delay other keys")
	assert.Equal(t, []byte("fast"), got)

	close(release)
	got, err = slow.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("slow"), got)
}

func TestMaxConcurrency(t *testing.T) {
	ctx := context.Background()
	ks, b := newMockStore(t, securestore.WithMaxConcurrency(1))

	release := make(chan struct{})
	started := make(chan string, 2)
	b.EXPECT().Get(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, key string) ([]byte, error) {
		started <- key
		<-release
		return []byte(key), nil
	}).Times(2)

	first := ks.GetAsync(ctx, "a")
	second := ks.GetAsync(ctx, "b")

	<-started
	select {
	case key := <-started:
		t.Fatalf("backend call for %q started above the concurrency limit", key)
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	_, err := first.Wait(ctx)
	assert.NoError(t, err)
	_, err = second.Wait(ctx)
	assert.NoError(t, err)
}

func TestCanceledBeforeDispatch(t *testing.T) {
	ctx := context.Background()
	ks, b := newMockStore(t)

	release := make(chan struct{})
	b.EXPECT().Set(gomock.Any(), "k", []byte("first"), gomock.Any()).
		DoAndReturn(func(context.Context, string, []byte, securestore.Accessibility) error {
			<-release
			return nil
		})

	first := ks.SetAsync(ctx, "k", []byte("first"), nil)
	canceled, cancel := context.WithCancel(ctx)
	second := ks.SetAsync(canceled, "k", []byte("second"), nil)
	cancel()
	close(release)

	_, err := first.Wait(ctx)
	require.NoError(t, err)
	_, err = second.Result()
	assert.ErrorIs(t, err, context.Canceled, "A task canceled while queued must not reach the backend")
}

func TestWaitTimeoutDoesNotAbortWrite(t *testing.T) {
	ctx := context.Background()
	ks, b := newMockStore(t)

	release := make(chan struct{})
	b.EXPECT().Set(gomock.Any(), "k", []byte("v"), gomock.Any()).
		DoAndReturn(func(context.Context, string, []byte, securestore.Accessibility) error {
			<-release
			return nil
		})

	f := ks.SetAsync(ctx, "k", []byte("v"), nil)
	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err := f.Wait(waitCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	_, err = f.Result()
	assert.NoError(t, err, "The write completes after the caller stopped waiting")
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	ks, b := newMockStore(t)

	release := make(chan struct{})
	b.EXPECT().Set(gomock.Any(), "k", []byte("v"), gomock.Any()).
		DoAndReturn(func(context.Context, string, []byte, securestore.Accessibility) error {
			<-release
			return nil
		})
	pending := ks.SetAsync(ctx, "k", []byte("v"), nil)

	closed := make(chan error)
	go func() { closed <- ks.Close() }()
	close(release)
	require.NoError(t, <-closed)

	select {
	case <-pending.Done():
	default:
		t.Fatal("Close must wait for queued operations")
	}
	_, err := pending.Result()
	assert.NoError(t, err)

	_, err = ks.Get(ctx, "k")
	assert.ErrorIs(t, err, securestore.ErrClosed)
	assert.NoError(t, ks.Close(), "Close is idempotent")
}

func TestSetResetOnAppUninstallTo(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	ks, b := newMockStore(t, securestore.WithLogger(logger))

	b.EXPECT().SetUninstallReset(true).Return(true)
	assert.True(t, ks.SetResetOnAppUninstallTo(true))
	assert.Equal(t, logrus.DebugLevel, hook.LastEntry().Level)

	b.EXPECT().SetUninstallReset(true).Return(false)
	assert.False(t, ks.SetResetOnAppUninstallTo(true), "The enforced state is reported")
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)

	b.EXPECT().SetUninstallReset(false).Return(false)
	assert.False(t, ks.SetResetOnAppUninstallTo(false))
}

func TestSetResetOnAppUninstallToAfterClose(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	ks, _ := newMockStore(t, securestore.WithLogger(logger))
	require.NoError(t, ks.Close())

	// The mock has no SetUninstallReset expectation, so a backend call fails the test.
	assert.False(t, ks.SetResetOnAppUninstallTo(true))
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
}

func TestNotFoundIsNotCountedAsError(t *testing.T) {
	ctrl := gomock.NewController(t)
	b := mock.NewMockSecureBackend(ctrl)
	backend := "notfound-metrics"
	b.EXPECT().String().Return(backend).AnyTimes()
	b.EXPECT().Get(gomock.Any(), "missing").Return(nil, securestore.ErrNotFound)
	logger, _ := logtest.NewNullLogger()
	ks := securestore.New(b, securestore.WithLogger(logger), securestore.WithMetrics(true))
	defer ks.Close()

	_, err := ks.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, securestore.ErrNotFound)

	assert.Equal(t, 1.0, testutil.ToFloat64(
		metrics.OperationsTotal.WithLabelValues(metrics.OpGet, backend, metrics.StatusNotFound)))
	assert.Equal(t, 0.0, testutil.ToFloat64(
		metrics.OperationsTotal.WithLabelValues(metrics.OpGet, backend, metrics.StatusError)))
	assert.Equal(t, 0.0, testutil.ToFloat64(
		metrics.ErrorsTotal.WithLabelValues(metrics.OpGet, backend, metrics.ErrorTypeNotFound)))
}

func TestBackendErrorLogged(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	ks, b := newMockStore(t, securestore.WithLogger(logger))

	b.EXPECT().Get(gomock.Any(), "k").Return(nil, errors.New("boom"))
	_, err := ks.Get(context.Background(), "k")
	require.Error(t, err)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.Equal(t, "backend", entry.Data["error_type"])
	assert.Equal(t, "mock", entry.Data["backend"])
	assert.NotContains(t, entry.Message, "boom")
}
