//go:build !darwin

package keychain

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/libopenstorage/securestore"
)

func TestNewNotSupported(t *testing.T) {
	assert.Contains(t, securestore.Backends(), Name)

	_, err := securestore.NewBackend(Name, nil)
	assert.ErrorIs(t, err, securestore.ErrNotSupported)
}

func TestGetParam(t *testing.T) {
	t.Setenv(EnvService, "from-env")
	assert.Equal(t, "from-env", getParam(nil, ServiceKey, EnvService))
	assert.Equal(t, "from-config", getParam(map[string]interface{}{
		ServiceKey: "from-config",
	}, ServiceKey, EnvService))
}
