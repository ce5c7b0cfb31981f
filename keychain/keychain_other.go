//go:build !darwin

package keychain

import (
	"fmt"

	"github.com/libopenstorage/securestore"
)

// New fails on platforms without a Keychain.
func New(
	config map[string]interface{},
) (securestore.SecureBackend, error) {
	return nil, fmt.Errorf("%w: %s requires darwin", securestore.ErrNotSupported, Name)
}
