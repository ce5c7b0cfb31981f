package cli

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/libopenstorage/securestore"
	"github.com/libopenstorage/securestore/aws/aws_kms"
	"github.com/libopenstorage/securestore/keystore"
	"github.com/libopenstorage/securestore/vaulttransit"

	// Backends register themselves with the securestore registry.
	_ "github.com/libopenstorage/securestore/aws/aws_secrets_manager"
	_ "github.com/libopenstorage/securestore/keychain"
	_ "github.com/libopenstorage/securestore/kvdb"
	_ "github.com/libopenstorage/securestore/memory"
	_ "github.com/libopenstorage/securestore/vault"
	// In-memory kvdb driver, selected with KVDB_NAME: kv-mem.
	_ "github.com/portworx/kvdb/mem"
)

const (
	configDevice = "device"
	configLogger = "logger"
)

// backendConfig returns the config map of the named backend. Config file
// keys are case folded by viper, so every key is passed both lower case,
// with its parsed value, and upper case, as a string, to serve both
// naming styles used by backends.
func backendConfig(v *viper.Viper, name string, logger logrus.FieldLogger) (map[string]interface{}, error) {
	config := make(map[string]interface{})
	for k, value := range v.GetStringMap(keyBackends + "." + name) {
		config[k] = value
		if upper := strings.ToUpper(k); upper != k {
			config[upper] = fmt.Sprint(value)
		}
	}

	if state := v.GetString(keyDeviceState); state != "" {
		device, err := securestore.ParseDeviceState(state)
		if err != nil {
			return nil, err
		}
		config[configDevice] = device
	}
	config[configLogger] = logger

	if wrapper, ok := config[keystore.KeyWrapperKey].(string); ok {
		w, err := newKeyWrapper(wrapper, config)
		if err != nil {
			return nil, err
		}
		config[keystore.KeyWrapperKey] = w
	}
	return config, nil
}

// newKeyWrapper builds the keystore key wrapper named in the config.
func newKeyWrapper(name string, config map[string]interface{}) (keystore.KeyWrapper, error) {
	switch name {
	case aws_kms.Name:
		return aws_kms.New(config)
	case vaulttransit.Name:
		return vaulttransit.New(config)
	}
	return nil, fmt.Errorf("unknown key wrapper %q, expected %s or %s",
		name, aws_kms.Name, vaulttransit.Name)
}

// openStore creates the KeyStore over the configured backend.
func openStore(v *viper.Viper, logger *logrus.Logger) (*securestore.KeyStore, error) {
	name := v.GetString(keyBackend)
	config, err := backendConfig(v, name, logger)
	if err != nil {
		return nil, err
	}
	backend, err := securestore.NewBackend(name, config)
	if err != nil {
		return nil, err
	}

	opts := []securestore.Option{
		securestore.WithLogger(logger),
		securestore.WithMetrics(false),
	}
	if token := v.GetString(keyAccessible); token != "" {
		accessible, err := securestore.ParseAccessibility(token)
		if err != nil {
			return nil, err
		}
		opts = append(opts, securestore.WithDefaultAccessibility(accessible))
	}
	logger.WithField("backend", name).Debug("Opened secure store")
	return securestore.New(backend, opts...), nil
}
