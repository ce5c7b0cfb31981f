// Package test holds the conformance suite every SecureBackend runs.
package test

import (
	"bytes"
	"context"
	"testing"

	"github.com/pborman/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libopenstorage/securestore"
)

// Factory returns a fresh backend observing dev for its lock state.
type Factory func(t *testing.T, dev securestore.DeviceStateProvider) securestore.SecureBackend

// Capabilities describe backend specific expectations of the suite.
type Capabilities struct {
	// ThisDeviceOnly is false for backends that store entries off-device
	// and reject *_THIS_DEVICE_ONLY policies.
	ThisDeviceOnly bool
	// UninstallResetOn and UninstallResetOff are the values the backend
	// returns from SetUninstallReset(true) and SetUninstallReset(false).
	UninstallResetOn  bool
	UninstallResetOff bool
}

type backendTest struct {
	newBackend Factory
	caps       Capabilities
}

// RunForBackend runs the conformance suite against backends built by newBackend.
func RunForBackend(t *testing.T, newBackend Factory, caps Capabilities) {
	bt := &backendTest{newBackend: newBackend, caps: caps}

	t.Run("RoundTrip", bt.TestRoundTrip)
	t.Run("FreshStoreNotFound", bt.TestFreshStoreNotFound)
	t.Run("RemoveThenGet", bt.TestRemoveThenGet)
	t.Run("RemoveAbsent", bt.TestRemoveAbsent)
	t.Run("Overwrite", bt.TestOverwrite)
	t.Run("ExactKeyMatch", bt.TestExactKeyMatch)
	t.Run("WhenUnlocked", bt.TestWhenUnlocked)
	t.Run("AfterFirstUnlock", bt.TestAfterFirstUnlock)
	t.Run("ThisDeviceOnly", bt.TestThisDeviceOnly)
	t.Run("UninstallReset", bt.TestUninstallReset)
	t.Run("OrderedThroughKeyStore", bt.TestOrderedThroughKeyStore)
}

func newKey(prefix string) string {
	return "securestore_" + prefix + "_" + uuid.New()
}

func (b *backendTest) TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := b.newBackend(t, securestore.NewSimulatedDevice())

	values := [][]byte{
		[]byte("secret-value"),
		[]byte("ünïcødé ✓"),
		{0x00, 0xff, 0x10, 0x00},
		bytes.Repeat([]byte{'x'}, 4096),
	}
	for _, v := range values {
		key := newKey("roundtrip")
		require.NoError(t, s.Set(ctx, key, v, securestore.DefaultAccessibility), "Unexpected error on Set")
		got, err := s.Get(ctx, key)
		require.NoError(t, err, "Unexpected error on Get")
		assert.Equal(t, v, got, "Unexpected value")
		assert.NoError(t, s.Remove(ctx, key))
	}
}

func (b *backendTest) TestFreshStoreNotFound(t *testing.T) {
	s := b.newBackend(t, securestore.NewSimulatedDevice())

	_, err := s.Get(context.Background(), newKey("missing-key"))
	assert.ErrorIs(t, err, securestore.ErrNotFound, "Expected Get on a fresh store to fail")
}

func (b *backendTest) TestRemoveThenGet(t *testing.T) {
	ctx := context.Background()
	s := b.newBackend(t, securestore.NewSimulatedDevice())

	key := newKey("remove")
	require.NoError(t, s.Set(ctx, key, []byte("to-delete"), securestore.WhenUnlocked))
	require.NoError(t, s.Remove(ctx, key), "Expected Remove to succeed")

	_, err := s.Get(ctx, key)
	assert.ErrorIs(t, err, securestore.ErrNotFound, "Unexpected error on Get after Remove")
}

func (b *backendTest) TestRemoveAbsent(t *testing.T) {
	ctx := context.Background()
	s := b.newBackend(t, securestore.NewSimulatedDevice())

	key := newKey("never-written")
	assert.NoError(t, s.Remove(ctx, key), "Remove of an absent key should succeed")
	assert.NoError(t, s.Remove(ctx, key), "Second Remove should also succeed")

	_, err := s.Get(ctx, key)
	assert.ErrorIs(t, err, securestore.ErrNotFound)
}

func (b *backendTest) TestOverwrite(t *testing.T) {
	ctx := context.Background()
	dev := securestore.NewSimulatedDevice()
	s := b.newBackend(t, dev)

	key := newKey("overwrite")
	require.NoError(t, s.Set(ctx, key, []byte("first-value-which-is-longer"), securestore.Always))
	require.NoError(t, s.Set(ctx, key, []byte("second"), securestore.WhenUnlocked))

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), got, "Expected the second value")

	// The policy is replaced together with the value.
	dev.Lock()
	_, err = s.Get(ctx, key)
	assert.ErrorIs(t, err, securestore.ErrAccessDenied, "Expected the overwritten policy to apply")
	dev.Unlock()

	assert.NoError(t, s.Remove(ctx, key))
}

func (b *backendTest) TestExactKeyMatch(t *testing.T) {
	ctx := context.Background()
	s := b.newBackend(t, securestore.NewSimulatedDevice())

	key := newKey("Alias")
	require.NoError(t, s.Set(ctx, key+"-Case", []byte("upper"), securestore.Always))
	require.NoError(t, s.Set(ctx, key+"-case", []byte("lower"), securestore.Always))

	got, err := s.Get(ctx, key+"-Case")
	require.NoError(t, err)
	assert.Equal(t, []byte("upper"), got)
	got, err = s.Get(ctx, key+"-case")
	require.NoError(t, err)
	assert.Equal(t, []byte("lower"), got)

	_, err = s.Get(ctx, key+"-CASE")
	assert.ErrorIs(t, err, securestore.ErrNotFound)

	assert.NoError(t, s.Remove(ctx, key+"-Case"))
	assert.NoError(t, s.Remove(ctx, key+"-case"))
}

func (b *backendTest) TestWhenUnlocked(t *testing.T) {
	ctx := context.Background()
	dev := securestore.NewSimulatedDevice()
	s := b.newBackend(t, dev)

	key := newKey("alias1")
	require.NoError(t, s.Set(ctx, key, []byte("secret-value"), securestore.WhenUnlocked))

	got, err := s.Get(ctx, key)
	require.NoError(t, err, "Expected Get to succeed while unlocked")
	assert.Equal(t, []byte("secret-value"), got)

	dev.Lock()
	_, err = s.Get(ctx, key)
	assert.ErrorIs(t, err, securestore.ErrAccessDenied, "Expected Get to fail while locked")

	dev.Unlock()
	got, err = s.Get(ctx, key)
	require.NoError(t, err, "Expected Get to succeed after unlock")
	assert.Equal(t, []byte("secret-value"), got)

	assert.NoError(t, s.Remove(ctx, key))
}

func (b *backendTest) TestAfterFirstUnlock(t *testing.T) {
	ctx := context.Background()
	dev := securestore.NewSimulatedDevice()
	s := b.newBackend(t, dev)

	key := newKey("after-first-unlock")
	always := newKey("always")
	require.NoError(t, s.Set(ctx, key, []byte("v"), securestore.AfterFirstUnlock))
	require.NoError(t, s.Set(ctx, always, []byte("a"), securestore.Always))

	dev.Lock()
	_, err := s.Get(ctx, key)
	assert.NoError(t, err, "Expected entry to stay readable when locked after first unlock")

	dev.Reboot()
	_, err = s.Get(ctx, key)
	assert.ErrorIs(t, err, securestore.ErrAccessDenied, "Expected entry to be unreadable before first unlock")
	_, err = s.Get(ctx, always)
	assert.NoError(t, err, "ALWAYS entries are readable in any state")

	dev.Unlock()
	assert.NoError(t, s.Remove(ctx, key))
	assert.NoError(t, s.Remove(ctx, always))
}

func (b *backendTest) TestThisDeviceOnly(t *testing.T) {
	ctx := context.Background()
	dev := securestore.NewSimulatedDevice()
	s := b.newBackend(t, dev)

	key := newKey("device-only")
	err := s.Set(ctx, key, []byte("v"), securestore.WhenUnlockedThisDeviceOnly)
	if !b.caps.ThisDeviceOnly {
		assert.ErrorIs(t, err, securestore.ErrUnsupportedPolicy)
		_, err = s.Get(ctx, key)
		assert.ErrorIs(t, err, securestore.ErrNotFound, "A rejected Set must not leave an entry")
		return
	}
	require.NoError(t, err)

	dev.SetPasscode(false)
	err = s.Set(ctx, key, []byte("replacement"), securestore.WhenPasscodeSetThisDeviceOnly)
	assert.ErrorIs(t, err, securestore.ErrAccessDenied, "Expected passcode requirement on write")

	got, err := s.Get(ctx, key)
	require.NoError(t, err, "A failed Set must keep the previous entry")
	assert.Equal(t, []byte("v"), got)

	dev.SetPasscode(true)
	require.NoError(t, s.Set(ctx, key, []byte("replacement"), securestore.WhenPasscodeSetThisDeviceOnly))
	dev.SetPasscode(false)
	_, err = s.Get(ctx, key)
	assert.ErrorIs(t, err, securestore.ErrAccessDenied, "Expected passcode requirement on read")

	assert.NoError(t, s.Remove(ctx, key))
}

func (b *backendTest) TestUninstallReset(t *testing.T) {
	s := b.newBackend(t, securestore.NewSimulatedDevice())

	assert.Equal(t, b.caps.UninstallResetOn, s.SetUninstallReset(true))
	assert.Equal(t, b.caps.UninstallResetOff, s.SetUninstallReset(false))
}

func (b *backendTest) TestOrderedThroughKeyStore(t *testing.T) {
	ctx := context.Background()
	s := b.newBackend(t, securestore.NewSimulatedDevice())
	ks := securestore.New(s, securestore.WithMetrics(false))

	key := newKey("ordered")
	var last *securestore.Future[struct{}]
	for _, v := range []string{"A", "B", "C", "D"} {
		last = ks.SetAsync(ctx, key, []byte(v), nil)
	}
	_, err := last.Wait(ctx)
	require.NoError(t, err)

	got, err := ks.GetString(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "D", got, "Expected the last write in arrival order to win")

	set := ks.SetAsync(ctx, key, []byte("E"), nil)
	removed := ks.RemoveAsync(ctx, key)
	_, err = set.Wait(ctx)
	assert.NoError(t, err)
	_, err = removed.Wait(ctx)
	assert.NoError(t, err)

	_, err = ks.Get(ctx, key)
	assert.ErrorIs(t, err, securestore.ErrNotFound, "Expected Remove to be applied after Set")
}
