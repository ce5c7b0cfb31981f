// Package vault stores entries in a HashiCorp Vault KV secrets engine.
package vault

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/sirupsen/logrus"

	"github.com/libopenstorage/securestore"
	"github.com/libopenstorage/securestore/vault/utils"
)

const (
	Name = "vault"

	VaultAddressKey        = api.EnvVaultAddress
	VaultTokenKey          = api.EnvVaultToken
	VaultNamespaceKey      = api.EnvVaultNamespace
	VaultBackendPathKey    = "VAULT_BACKEND_PATH"
	VaultKVVersionKey      = "VAULT_KV_VERSION"
	VaultSecretPrefixKey   = "VAULT_SECRET_PREFIX"
	VaultCooldownPeriodKey = "VAULT_COOLDOWN_PERIOD"
	// DeviceKey holds a securestore.DeviceStateProvider.
	DeviceKey = "device"

	defaultBackendPath    = "secret/"
	defaultSecretPrefix   = "securestore/"
	defaultCooldownPeriod = 5 * time.Minute

	fieldValue      = "value"
	fieldAccessible = "accessible"
	fieldUpdatedAt  = "updated_at"
)

var (
	ErrVaultTokenNotSet    = utils.ErrVaultTokenNotSet
	ErrVaultAddressNotSet  = utils.ErrVaultAddressNotSet
	ErrInvalidSkipVerify   = utils.ErrInvalidSkipVerify
	ErrInvalidVaultAddress = utils.ErrInvalidVaultAddress
	ErrInvalidKVVersion    = errors.New("VAULT_KV_VERSION must be 1 or 2")
	ErrInvalidCooldown     = errors.New("VAULT_COOLDOWN_PERIOD is invalid")
	// ErrCooldown is returned while requests are suspended after Vault
	// denied permission.
	ErrCooldown = errors.New("vault client is in cooldown")
)

// Logical is the subset of the Vault logical API used by the backend.
type Logical interface {
	ReadWithContext(ctx context.Context, path string) (*api.Secret, error)
	WriteWithContext(ctx context.Context, path string, data map[string]interface{}) (*api.Secret, error)
	DeleteWithContext(ctx context.Context, path string) (*api.Secret, error)
}

type vaultStore struct {
	logical     Logical
	endpoint    string
	backendPath string
	prefix      string
	kvVersion   int
	device      securestore.DeviceStateProvider
	now         func() time.Time

	cooldownPeriod time.Duration
	mu             sync.Mutex
	cooldownUntil  time.Time
}

func New(
	secretConfig map[string]interface{},
) (securestore.SecureBackend, error) {
	client, config, err := utils.NewClient(secretConfig)
	if err != nil {
		return nil, err
	}

	kvVersion := 2
	if v := utils.GetVaultParam(secretConfig, VaultKVVersionKey); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || (n != 1 && n != 2) {
			return nil, ErrInvalidKVVersion
		}
		kvVersion = n
	}

	cooldown := defaultCooldownPeriod
	if v := utils.GetVaultParam(secretConfig, VaultCooldownPeriodKey); v != "" {
		d, err := parseCooldown(v)
		if err != nil {
			return nil, err
		}
		cooldown = d
	}

	var device securestore.DeviceStateProvider = securestore.UnlockedDevice
	if v, ok := secretConfig[DeviceKey]; ok {
		d, ok := v.(securestore.DeviceStateProvider)
		if !ok {
			return nil, fmt.Errorf("vault: %v must be a DeviceStateProvider", DeviceKey)
		}
		device = d
	}

	backendPath := utils.GetVaultParam(secretConfig, VaultBackendPathKey)
	if backendPath == "" {
		backendPath = defaultBackendPath
	}
	prefix := utils.GetVaultParam(secretConfig, VaultSecretPrefixKey)
	if prefix == "" {
		prefix = defaultSecretPrefix
	}

	return &vaultStore{
		logical:        client.Logical(),
		endpoint:       config.Address,
		backendPath:    strings.Trim(backendPath, "/"),
		prefix:         strings.Trim(prefix, "/"),
		kvVersion:      kvVersion,
		device:         device,
		now:            time.Now,
		cooldownPeriod: cooldown,
	}, nil
}

func (v *vaultStore) String() string {
	return Name
}

func (v *vaultStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := v.checkCooldown(); err != nil {
		return nil, err
	}
	secret, err := v.logical.ReadWithContext(ctx, v.dataPath(key))
	if err != nil {
		return nil, v.mapError(ctx, key, err)
	}
	data := v.secretData(secret)
	if data == nil {
		return nil, fmt.Errorf("%w: %s", securestore.ErrNotFound, key)
	}

	token, _ := data[fieldAccessible].(string)
	accessible, err := securestore.ParseAccessibility(token)
	if err != nil {
		return nil, fmt.Errorf("%w: vault entry %q: %v", securestore.ErrBackend, key, err)
	}
	if err := securestore.CheckReadable(accessible, v.device); err != nil {
		return nil, err
	}

	encoded, ok := data[fieldValue].(string)
	if !ok {
		return nil, fmt.Errorf("%w: vault entry %q has no %s field", securestore.ErrBackend, key, fieldValue)
	}
	value, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: vault entry %q: %v", securestore.ErrBackend, key, err)
	}
	return value, nil
}

// Set writes the entry. Entries leave the device, so policies bound to
// this device are refused.
func (v *vaultStore) Set(
	ctx context.Context,
	key string,
	value []byte,
	accessible securestore.Accessibility,
) error {
	if accessible.ThisDeviceOnly() {
		return fmt.Errorf("%w: %v is stored off-device by %s",
			securestore.ErrUnsupportedPolicy, accessible, Name)
	}
	if err := securestore.CheckWritable(accessible, v.device); err != nil {
		return err
	}
	if err := v.checkCooldown(); err != nil {
		return err
	}

	fields := map[string]interface{}{
		fieldValue:      base64.StdEncoding.EncodeToString(value),
		fieldAccessible: accessible.String(),
		fieldUpdatedAt:  v.now().UTC().Format(time.RFC3339Nano),
	}
	payload := fields
	if v.kvVersion == 2 {
		payload = map[string]interface{}{"data": fields}
	}
	if _, err := v.logical.WriteWithContext(ctx, v.dataPath(key), payload); err != nil {
		return v.mapError(ctx, key, err)
	}
	return nil
}

// Remove deletes every version of the entry.
func (v *vaultStore) Remove(ctx context.Context, key string) error {
	if err := v.checkCooldown(); err != nil {
		return err
	}
	if _, err := v.logical.DeleteWithContext(ctx, v.metadataPath(key)); err != nil {
		return v.mapError(ctx, key, err)
	}
	return nil
}

// SetUninstallReset reports false: entries live on the Vault server and
// survive any reinstall of the application.
func (v *vaultStore) SetUninstallReset(bool) bool {
	return false
}

func (v *vaultStore) dataPath(key string) string {
	if v.kvVersion == 2 {
		return path.Join(v.backendPath, "data", v.prefix, encodeKey(key))
	}
	return path.Join(v.backendPath, v.prefix, encodeKey(key))
}

func (v *vaultStore) metadataPath(key string) string {
	if v.kvVersion == 2 {
		return path.Join(v.backendPath, "metadata", v.prefix, encodeKey(key))
	}
	return path.Join(v.backendPath, v.prefix, encodeKey(key))
}

// encodeKey maps any key onto a single path segment, so keys holding
// slashes or dot segments cannot address other secrets.
func encodeKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

// secretData unwraps the KV v2 response envelope. It returns nil for
// missing and soft deleted entries.
func (v *vaultStore) secretData(secret *api.Secret) map[string]interface{} {
	if secret == nil || secret.Data == nil {
		return nil
	}
	if v.kvVersion == 1 {
		return secret.Data
	}
	data, _ := secret.Data["data"].(map[string]interface{})
	return data
}

func (v *vaultStore) checkCooldown() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.now().Before(v.cooldownUntil) {
		return fmt.Errorf("%w: %w until %s", securestore.ErrBackend, ErrCooldown,
			v.cooldownUntil.Format(time.RFC3339))
	}
	return nil
}

func (v *vaultStore) mapError(ctx context.Context, key string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var respErr *api.ResponseError
	if errors.As(err, &respErr) && respErr.StatusCode == http.StatusForbidden && v.cooldownPeriod > 0 {
		v.mu.Lock()
		v.cooldownUntil = v.now().Add(v.cooldownPeriod)
		v.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"backend":  Name,
			"endpoint": v.endpoint,
			"cooldown": v.cooldownPeriod,
		}).Warn("Vault denied permission, suspending requests")
	}
	return fmt.Errorf("%w: vault %q: %v", securestore.ErrBackend, key, err)
}

func parseCooldown(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		if n < 0 {
			return 0, ErrInvalidCooldown
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, ErrInvalidCooldown
	}
	return d, nil
}

func init() {
	if err := securestore.Register(Name, New); err != nil {
		panic(err.Error())
	}
}
