package transit

import (
	"context"
	"fmt"
	"path"

	"github.com/hashicorp/vault/api"
)

// DefaultMount is the default mount path of the transit secrets engine.
const DefaultMount = "transit"

// VaultLogical represents methods from the vault.Logical client used by VaultTransit.
type VaultLogical interface {
	ReadWithContext(ctx context.Context, path string) (*api.Secret, error)
	WriteWithContext(ctx context.Context, path string, data map[string]interface{}) (*api.Secret, error)
}

// SecretKey contains parameters used to identify the vault secret.
type SecretKey struct {
	// Name is a secret name, used to build a url (example, /transit/keys/:name).
	Name string
	// Mount is the transit engine mount path, DefaultMount when empty.
	Mount string
}

// New returns a new instance of the VaultTransit.
func New(client VaultLogical) (*VaultTransit, error) {
	if client == nil {
		return nil, fmt.Errorf("vault client should be set")
	}
	return &VaultTransit{
		client: client,
	}, nil
}

// VaultTransit partially implements vault transit API.
type VaultTransit struct {
	client VaultLogical
}

// Create creates a new named encryption key of the specified type.
// https://www.vaultproject.io/api/secret/transit#create-key
func (v VaultTransit) Create(ctx context.Context, key SecretKey, keyType string) (*api.Secret, error) {
	params := map[string]interface{}{}
	if len(keyType) > 0 {
		params["type"] = keyType
	}
	return v.client.WriteWithContext(ctx, v.keysPath(key), params)
}

// Read returns information about a named encryption key.
// https://www.vaultproject.io/api/secret/transit#read-key
func (v VaultTransit) Read(ctx context.Context, key SecretKey) (*api.Secret, error) {
	s, err := v.client.ReadWithContext(ctx, v.keysPath(key))
	if err != nil {
		return nil, err
	}
	if s == nil || s.Data == nil {
		return nil, fmt.Errorf("no secret data found for %s secret", v.keysPath(key))
	}
	return s, nil
}

// Encrypt encrypts the provided plain text using the named key.
// All plaintext data must be base64-encoded.
// https://www.vaultproject.io/api/secret/transit#encrypt-data
func (v VaultTransit) Encrypt(ctx context.Context, key SecretKey, plaintext string) (string, error) {
	vaultSecret, err := v.client.WriteWithContext(ctx, v.encryptPath(key), map[string]interface{}{
		"plaintext": plaintext,
	})
	if err != nil {
		return "", err
	}

	if vaultSecret == nil || vaultSecret.Data == nil {
		return "", fmt.Errorf("secret data is empty")
	}
	cipher, ok := vaultSecret.Data["ciphertext"].(string)
	if !ok {
		return "", fmt.Errorf("ciphertext is not set")
	}

	return cipher, nil
}

// Decrypt decrypts the provided cipher text using the named key.
// The output is a base64-encoded plain text.
// https://www.vaultproject.io/api/secret/transit#decrypt-data
func (v VaultTransit) Decrypt(ctx context.Context, key SecretKey, ciphertext string) (string, error) {
	vaultSecret, err := v.client.WriteWithContext(ctx, v.decryptPath(key), map[string]interface{}{
		"ciphertext": ciphertext,
	})
	if err != nil {
		return "", err
	}

	if vaultSecret == nil || vaultSecret.Data == nil {
		return "", fmt.Errorf("secret data is empty")
	}
	plaintext, ok := vaultSecret.Data["plaintext"].(string)
	if !ok {
		return "", fmt.Errorf("plaintext is not set")
	}

	return plaintext, nil
}

func mount(secretKey SecretKey) string {
	if secretKey.Mount == "" {
		return DefaultMount
	}
	return secretKey.Mount
}

func (v VaultTransit) encryptPath(secretKey SecretKey) string {
	return path.Join(mount(secretKey), "encrypt", secretKey.Name)
}

func (v VaultTransit) decryptPath(secretKey SecretKey) string {
	return path.Join(mount(secretKey), "decrypt", secretKey.Name)
}

func (v VaultTransit) keysPath(secretKey SecretKey) string {
	return path.Join(mount(secretKey), "keys", secretKey.Name)
}
