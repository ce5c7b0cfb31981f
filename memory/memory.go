// Package memory is a volatile SecureBackend for tests. Nothing is
// encrypted and nothing survives the process.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/libopenstorage/securestore"
)

const (
	Name = "memory"
	// DeviceKey holds a securestore.DeviceStateProvider. Defaults to
	// securestore.UnlockedDevice.
	DeviceKey = "device"
	// MaxValueSizeKey caps value sizes in bytes. Zero disables the cap.
	MaxValueSizeKey = "max_value_size"
	// UninstallResetSupportedKey set to false makes the backend refuse
	// uninstall reset, like platforms that cannot opt out.
	UninstallResetSupportedKey = "uninstall_reset_supported"
)

// Options configure a MemoryStore.
type Options struct {
	Device                  securestore.DeviceStateProvider
	MaxValueSize            int
	UninstallResetSupported bool
}

// MemoryStore keeps entries in a map guarded by a RWMutex.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*securestore.Entry
	opts    Options

	resetOnUninstall bool
	now              func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(opts Options) *MemoryStore {
	if opts.Device == nil {
		opts.Device = securestore.UnlockedDevice
	}
	return &MemoryStore{
		entries: make(map[string]*securestore.Entry),
		opts:    opts,
		now:     time.Now,
	}
}

// New creates a MemoryStore from a config map.
func New(
	config map[string]interface{},
) (securestore.SecureBackend, error) {
	opts := Options{UninstallResetSupported: true}
	if v, ok := config[DeviceKey]; ok {
		dev, ok := v.(securestore.DeviceStateProvider)
		if !ok {
			return nil, fmt.Errorf("memory: %v must be a DeviceStateProvider", DeviceKey)
		}
		opts.Device = dev
	}
	if v, ok := config[MaxValueSizeKey]; ok {
		size, ok := v.(int)
		if !ok {
			return nil, fmt.Errorf("memory: %v must be an int", MaxValueSizeKey)
		}
		opts.MaxValueSize = size
	}
	if v, ok := config[UninstallResetSupportedKey]; ok {
		supported, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("memory: %v must be a bool", UninstallResetSupportedKey)
		}
		opts.UninstallResetSupported = supported
	}
	return NewMemoryStore(opts), nil
}

func (s *MemoryStore) String() string {
	return Name
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", securestore.ErrNotFound, key)
	}
	if err := securestore.CheckReadable(e.Accessible, s.opts.Device); err != nil {
		return nil, err
	}
	return append([]byte(nil), e.Value...), nil
}

func (s *MemoryStore) Set(
	ctx context.Context,
	key string,
	value []byte,
	accessible securestore.Accessibility,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key == "" {
		return securestore.ErrInvalidKey
	}
	if s.opts.MaxValueSize > 0 && len(value) > s.opts.MaxValueSize {
		return fmt.Errorf("%w: %d bytes exceeds %d",
			securestore.ErrValueTooLarge, len(value), s.opts.MaxValueSize)
	}
	if err := securestore.CheckWritable(accessible, s.opts.Device); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = s.entries[key].Update(key, value, accessible, s.now())
	return nil
}

func (s *MemoryStore) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) SetUninstallReset(enabled bool) bool {
	if !s.opts.UninstallResetSupported {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetOnUninstall = enabled
	return enabled
}

// SimulateReinstall applies the uninstall reset setting as if the
// application had been removed and installed again. It reports whether
// entries were purged.
func (s *MemoryStore) SimulateReinstall() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	// A reinstall wipes application data, so the marker starts out absent.
	purged, _ := securestore.ResetAfterReinstall(&volatileMarker{}, s.resetOnUninstall, func() error {
		s.entries = make(map[string]*securestore.Entry)
		return nil
	})
	return purged
}

type volatileMarker struct {
	marked bool
}

func (m *volatileMarker) Present() (bool, error) { return m.marked, nil }
func (m *volatileMarker) Mark() error            { m.marked = true; return nil }

// Entry returns a copy of the entry stored for key.
func (s *MemoryStore) Entry(key string) (securestore.Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return securestore.Entry{}, false
	}
	cp := *e
	cp.Value = append([]byte(nil), e.Value...)
	return cp, true
}

// Keys returns all stored keys, sorted.
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func init() {
	if err := securestore.Register(Name, New); err != nil {
		panic(err.Error())
	}
}
