// Package keychain stores entries as generic password items in the Apple
// Keychain. The backend is only functional on darwin; elsewhere New
// returns securestore.ErrNotSupported.
package keychain

import (
	"os"
	"path/filepath"

	"github.com/libopenstorage/securestore"
)

const (
	Name = "keychain"
	// ServiceKey is the kSecAttrService of every item.
	ServiceKey = "service"
	// AccessGroupKey is the optional kSecAttrAccessGroup of every item.
	AccessGroupKey = "access_group"
	// InstallMarkerPathKey is a file in application data, used to detect
	// the first start after (re)installation.
	InstallMarkerPathKey = "install_marker_path"
	// LoggerKey holds a logrus.FieldLogger.
	LoggerKey = "logger"

	EnvService           = "SECURESTORE_KEYCHAIN_SERVICE"
	EnvAccessGroup       = "SECURESTORE_KEYCHAIN_ACCESS_GROUP"
	EnvInstallMarkerPath = "SECURESTORE_KEYCHAIN_INSTALL_MARKER_PATH"

	// DefaultService is used when no service is configured.
	DefaultService = "com.libopenstorage.securestore"

	settingsSuffix     = ".settings"
	resetOnUninstallID = "reset_on_uninstall"
)

func getParam(config map[string]interface{}, name, env string) string {
	if v, exists := config[name]; exists {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return os.Getenv(env)
}

// defaultMarkerPath places the install marker in the user configuration
// directory, which is application data rather than keychain storage.
func defaultMarkerPath(service string) (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "securestore", service, "installed"), nil
}

func init() {
	if err := securestore.Register(Name, New); err != nil {
		panic(err.Error())
	}
}
