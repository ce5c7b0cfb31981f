//go:build darwin

package keychain

import (
	"context"
	"errors"
	"fmt"
	"sync"

	gokeychain "github.com/keybase/go-keychain"
	"github.com/sirupsen/logrus"

	"github.com/libopenstorage/securestore"
)

var accessibleClasses = map[securestore.Accessibility]gokeychain.Accessible{
	securestore.AfterFirstUnlock:               gokeychain.AccessibleAfterFirstUnlock,
	securestore.AfterFirstUnlockThisDeviceOnly: gokeychain.AccessibleAfterFirstUnlockThisDeviceOnly,
	securestore.Always:                         gokeychain.AccessibleAlways,
	securestore.AlwaysThisDeviceOnly:           gokeychain.AccessibleAccessibleAlwaysThisDeviceOnly,
	securestore.WhenPasscodeSetThisDeviceOnly:  gokeychain.AccessibleWhenPasscodeSetThisDeviceOnly,
	securestore.WhenUnlocked:                   gokeychain.AccessibleWhenUnlocked,
	securestore.WhenUnlockedThisDeviceOnly:     gokeychain.AccessibleWhenUnlockedThisDeviceOnly,
}

// These variables are helpful in testing to stub keychain writes
var (
	addItem    = gokeychain.AddItem
	updateItem = gokeychain.UpdateItem
)

// nativeAccessible returns the Keychain class for a policy.
func nativeAccessible(a securestore.Accessibility) (gokeychain.Accessible, error) {
	class, ok := accessibleClasses[a]
	if !ok {
		return gokeychain.AccessibleDefault, fmt.Errorf("%w: %v", securestore.ErrUnsupportedPolicy, a)
	}
	return class, nil
}

// Store is a SecureBackend over generic password items.
type Store struct {
	service     string
	accessGroup string
	marker      securestore.InstallMarker
	logger      logrus.FieldLogger

	mu               sync.Mutex
	resetOnUninstall bool
}

// New opens the Keychain backend and purges the service when this is the
// first start after a reinstall and reset on uninstall is enabled.
func New(
	config map[string]interface{},
) (securestore.SecureBackend, error) {
	service := getParam(config, ServiceKey, EnvService)
	if service == "" {
		service = DefaultService
	}
	markerPath := getParam(config, InstallMarkerPathKey, EnvInstallMarkerPath)
	if markerPath == "" {
		var err error
		if markerPath, err = defaultMarkerPath(service); err != nil {
			return nil, fmt.Errorf("keychain: install marker: %w", err)
		}
	}
	var logger logrus.FieldLogger = logrus.StandardLogger()
	if v, ok := config[LoggerKey]; ok {
		l, ok := v.(logrus.FieldLogger)
		if !ok {
			return nil, fmt.Errorf("keychain: %v must be a logrus.FieldLogger", LoggerKey)
		}
		logger = l
	}

	s := &Store{
		service:     service,
		accessGroup: getParam(config, AccessGroupKey, EnvAccessGroup),
		marker:      securestore.FileMarker{Path: markerPath},
		logger:      logger.WithField("backend", Name),
	}
	if err := s.loadSettings(); err != nil {
		return nil, err
	}
	purged, err := securestore.ResetAfterReinstall(s.marker, s.resetOnUninstall, s.purge)
	if err != nil {
		return nil, err
	}
	if purged {
		s.logger.WithField("service", service).Info("Purged keychain items after reinstall")
	}
	return s, nil
}

func (s *Store) String() string {
	return Name
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	query := s.query(key)
	query.SetMatchLimit(gokeychain.MatchLimitOne)
	query.SetReturnData(true)
	results, err := gokeychain.QueryItem(query)
	if err != nil {
		return nil, s.mapError(key, err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("%w: %s", securestore.ErrNotFound, key)
	}
	// Empty values come back as nil data.
	if results[0].Data == nil {
		return []byte{}, nil
	}
	return results[0].Data, nil
}

// Set adds the item or, when it exists, updates data and class in place
// so a failed write keeps the previous item.
func (s *Store) Set(
	ctx context.Context,
	key string,
	value []byte,
	accessible securestore.Accessibility,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	class, err := nativeAccessible(accessible)
	if err != nil {
		return err
	}

	item := gokeychain.NewGenericPassword(s.service, key, "", value, s.accessGroup)
	item.SetSynchronizable(gokeychain.SynchronizableNo)
	item.SetAccessible(class)
	err = addItem(item)
	if !errors.Is(err, gokeychain.ErrorDuplicateItem) {
		if err != nil {
			return s.mapError(key, err)
		}
		return nil
	}

	update := gokeychain.NewItem()
	update.SetData(value)
	update.SetAccessible(class)
	if err := updateItem(s.query(key), update); err != nil {
		return s.mapError(key, err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := gokeychain.DeleteItem(s.query(key))
	if err != nil && !errors.Is(err, gokeychain.ErrorItemNotFound) {
		return s.mapError(key, err)
	}
	return nil
}

// SetUninstallReset persists the setting in a settings item, which
// survives reinstallation like the secrets it governs. The item is updated
// in place so a failed write leaves the previous setting enforced.
func (s *Store) SetUninstallReset(enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	value := []byte("false")
	if enabled {
		value = []byte("true")
	}
	item := gokeychain.NewGenericPassword(s.service+settingsSuffix, resetOnUninstallID, "", value, s.accessGroup)
	item.SetSynchronizable(gokeychain.SynchronizableNo)
	item.SetAccessible(gokeychain.AccessibleAlways)
	err := addItem(item)
	if errors.Is(err, gokeychain.ErrorDuplicateItem) {
		update := gokeychain.NewItem()
		update.SetData(value)
		err = updateItem(s.settingsQuery(), update)
	}
	if err != nil {
		s.logger.WithError(err).Error("Failed to persist uninstall reset setting")
		return s.resetOnUninstall
	}
	s.resetOnUninstall = enabled
	return enabled
}

// Keys returns the accounts stored under the service.
func (s *Store) Keys() ([]string, error) {
	accounts, err := gokeychain.GetGenericPasswordAccounts(s.service)
	if err != nil {
		if errors.Is(err, gokeychain.ErrorItemNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: keychain list: %v", securestore.ErrBackend, err)
	}
	return accounts, nil
}

func (s *Store) loadSettings() error {
	data, err := gokeychain.GetGenericPassword(s.service+settingsSuffix, resetOnUninstallID, "", s.accessGroup)
	if err != nil && !errors.Is(err, gokeychain.ErrorItemNotFound) {
		return fmt.Errorf("%w: keychain settings: %v", securestore.ErrBackend, err)
	}
	s.resetOnUninstall = string(data) == "true"
	return nil
}

func (s *Store) purge() error {
	query := gokeychain.NewItem()
	query.SetSecClass(gokeychain.SecClassGenericPassword)
	query.SetService(s.service)
	if s.accessGroup != "" {
		query.SetAccessGroup(s.accessGroup)
	}
	err := gokeychain.DeleteItem(query)
	if err != nil && !errors.Is(err, gokeychain.ErrorItemNotFound) {
		return err
	}
	return nil
}

func (s *Store) query(key string) gokeychain.Item {
	query := gokeychain.NewItem()
	query.SetSecClass(gokeychain.SecClassGenericPassword)
	query.SetService(s.service)
	query.SetAccount(key)
	if s.accessGroup != "" {
		query.SetAccessGroup(s.accessGroup)
	}
	return query
}

func (s *Store) settingsQuery() gokeychain.Item {
	query := gokeychain.NewItem()
	query.SetSecClass(gokeychain.SecClassGenericPassword)
	query.SetService(s.service + settingsSuffix)
	query.SetAccount(resetOnUninstallID)
	if s.accessGroup != "" {
		query.SetAccessGroup(s.accessGroup)
	}
	return query
}

func (s *Store) mapError(key string, err error) error {
	switch {
	case errors.Is(err, gokeychain.ErrorItemNotFound):
		return fmt.Errorf("%w: %s", securestore.ErrNotFound, key)
	case errors.Is(err, gokeychain.ErrorInteractionNotAllowed):
		// Returned while the device is locked and the class forbids access.
		return fmt.Errorf("%w: %s", securestore.ErrAccessDenied, key)
	}
	return fmt.Errorf("%w: keychain %q: %v", securestore.ErrBackend, key, err)
}
