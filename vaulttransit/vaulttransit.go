// Package vaulttransit wraps keystore data keys with a key of the Vault
// transit secrets engine.
package vaulttransit

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/libopenstorage/securestore/keystore"
	"github.com/libopenstorage/securestore/vault/utils"
	"github.com/libopenstorage/securestore/vaulttransit/client/transit"
)

const (
	Name = "vault_transit"

	// EncryptionKey names the transit key. When unset a default key is
	// created on first use.
	EncryptionKey = "VAULT_ENCRYPTION_KEY"
	// TransitPathKey is the mount path of the transit engine.
	TransitPathKey = "VAULT_TRANSIT_PATH"

	defaultEncryptionKey = "securestore-encryption-key"
)

var _ keystore.KeyWrapper = (*TransitWrapper)(nil)

// TransitWrapper encrypts data keys with a named transit key. Data keys
// never leave the host unencrypted except in the request to Vault.
type TransitWrapper struct {
	client *transit.VaultTransit
	key    transit.SecretKey
}

// New connects to Vault with the VAULT_* keys of config and makes sure
// the transit key exists.
func New(
	config map[string]interface{},
) (*TransitWrapper, error) {
	client, _, err := utils.NewClient(config)
	if err != nil {
		return nil, err
	}
	return NewFromLogical(context.Background(), client.Logical(),
		utils.GetVaultParam(config, EncryptionKey),
		utils.GetVaultParam(config, TransitPathKey))
}

// NewFromLogical creates a TransitWrapper over an existing client.
func NewFromLogical(
	ctx context.Context,
	logical transit.VaultLogical,
	encryptionKey string,
	mount string,
) (*TransitWrapper, error) {
	c, err := transit.New(logical)
	if err != nil {
		return nil, err
	}
	key, err := ensureEncryptionKey(ctx, c, transit.SecretKey{Name: encryptionKey, Mount: mount})
	if err != nil {
		return nil, err
	}
	return &TransitWrapper{client: c, key: key}, nil
}

func (v *TransitWrapper) String() string {
	return Name
}

func (v *TransitWrapper) WrapKey(ctx context.Context, dataKey []byte) ([]byte, error) {
	ciphertext, err := v.client.Encrypt(ctx, v.key, base64.StdEncoding.EncodeToString(dataKey))
	if err != nil {
		return nil, fmt.Errorf("vault transit encrypt: %w", err)
	}
	return []byte(ciphertext), nil
}

func (v *TransitWrapper) UnwrapKey(ctx context.Context, wrapped []byte) ([]byte, error) {
	plaintext, err := v.client.Decrypt(ctx, v.key, string(wrapped))
	if err != nil {
		return nil, fmt.Errorf("vault transit decrypt: %w", err)
	}
	dataKey, err := base64.StdEncoding.DecodeString(plaintext)
	if err != nil {
		return nil, fmt.Errorf("vault transit decrypt: %w", err)
	}
	return dataKey, nil
}

// ensureEncryptionKey creates an encryption key if it's not exist.
func ensureEncryptionKey(
	ctx context.Context,
	c *transit.VaultTransit,
	key transit.SecretKey,
) (transit.SecretKey, error) {
	// create an encryption key if it's not provided
	if key.Name == "" {
		key.Name = defaultEncryptionKey
		if _, err := c.Create(ctx, key, ""); err != nil {
			return key, err
		}
		return key, nil
	}

	// check if the provided key exists
	if _, err := c.Read(ctx, key); err != nil {
		return key, err
	}
	return key, nil
}
