// Package kvdb stores sealed entries in a portworx kvdb key/value store
// such as etcd, consul or the in-memory kvdb.
package kvdb

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	kv "github.com/portworx/kvdb"

	"github.com/libopenstorage/securestore"
	"github.com/libopenstorage/securestore/pkg/envelope"
)

const (
	Name    = "kvdb"
	KvdbKey = "KVDB"
	// KvdbNameKey and KvdbEndpointsKey create a client when KVDB is not
	// given. The kvdb driver must be linked into the binary.
	KvdbNameKey      = "KVDB_NAME"
	KvdbEndpointsKey = "KVDB_ENDPOINTS"
	// EncryptionKeyKey is the base64 encoded AES-256 key sealing values.
	EncryptionKeyKey = "KVDB_ENCRYPTION_KEY"
	// PrefixKey is the key prefix of every entry.
	PrefixKey = "KVDB_PREFIX"
	// DeviceKey holds a securestore.DeviceStateProvider.
	DeviceKey = "device"

	defaultPrefix = "securestore/"
	kvdbDomain    = "securestore/"
)

var (
	ErrKvdbNotSet           = errors.New("KVDB Key not set")
	ErrEncryptionKeyNotSet  = errors.New(EncryptionKeyKey + " not set")
	ErrInvalidEncryptionKey = errors.New(EncryptionKeyKey + " must be 32 base64 encoded bytes")
)

type kvdbStore struct {
	client kv.Kvdb
	key    []byte
	prefix string
	device securestore.DeviceStateProvider
	now    func() time.Time
}

func New(
	secretConfig map[string]interface{},
) (securestore.SecureBackend, error) {
	client, err := kvdbClient(secretConfig)
	if err != nil {
		return nil, err
	}

	encoded := getParam(secretConfig, EncryptionKeyKey)
	if encoded == "" {
		return nil, ErrEncryptionKeyNotSet
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(key) != envelope.DataKeySize {
		return nil, ErrInvalidEncryptionKey
	}

	prefix := getParam(secretConfig, PrefixKey)
	if prefix == "" {
		prefix = defaultPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	var device securestore.DeviceStateProvider = securestore.UnlockedDevice
	if v, ok := secretConfig[DeviceKey]; ok {
		d, ok := v.(securestore.DeviceStateProvider)
		if !ok {
			return nil, fmt.Errorf("kvdb: %v must be a DeviceStateProvider", DeviceKey)
		}
		device = d
	}

	return &kvdbStore{
		client: client,
		key:    key,
		prefix: prefix,
		device: device,
		now:    time.Now,
	}, nil
}

func kvdbClient(secretConfig map[string]interface{}) (kv.Kvdb, error) {
	if kvdbIntf, exists := secretConfig[KvdbKey]; exists {
		kvClient, ok := kvdbIntf.(kv.Kvdb)
		if !ok {
			return nil, fmt.Errorf("kvdb: %v must be a kvdb.Kvdb", KvdbKey)
		}
		return kvClient, nil
	}
	name := getParam(secretConfig, KvdbNameKey)
	if name == "" {
		return nil, ErrKvdbNotSet
	}
	var endpoints []string
	if e := getParam(secretConfig, KvdbEndpointsKey); e != "" {
		endpoints = strings.Split(e, ",")
	}
	return kv.New(name, kvdbDomain, endpoints, nil, kv.LogFatalErrorCB)
}

func (v *kvdbStore) String() string {
	return Name
}

func (v *kvdbStore) Get(ctx context.Context, key string) ([]byte, error) {
	e, err := v.read(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := securestore.CheckReadable(e.Accessible, v.device); err != nil {
		return nil, err
	}
	return e.Value, nil
}

// Set seals the entry and writes it. Entries leave the device, so
// policies bound to this device are refused.
func (v *kvdbStore) Set(
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

	prev, err := v.read(ctx, key)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		// Missing or unreadable entries are replaced as new ones.
		prev = nil
	}
	plain, err := envelope.Encode(prev.Update(key, value, accessible, v.now().UTC()))
	if err != nil {
		return fmt.Errorf("%w: encode entry: %v", securestore.ErrBackend, err)
	}
	sealed, err := envelope.Seal(plain, v.key, []byte(key))
	if err != nil {
		return fmt.Errorf("%w: seal entry: %v", securestore.ErrBackend, err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := v.client.Put(v.path(key), base64.StdEncoding.EncodeToString(sealed), 0); err != nil {
		return fmt.Errorf("%w: kvdb put %q: %v", securestore.ErrBackend, key, err)
	}
	return nil
}

func (v *kvdbStore) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := v.client.Delete(v.path(key))
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return fmt.Errorf("%w: kvdb delete %q: %v", securestore.ErrBackend, key, err)
	}
	return nil
}

// SetUninstallReset reports false: the key/value store is shared
// infrastructure untouched by application reinstalls.
func (v *kvdbStore) SetUninstallReset(bool) bool {
	return false
}

func (v *kvdbStore) read(ctx context.Context, key string) (*securestore.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	kvp, err := v.client.Get(v.path(key))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", securestore.ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: kvdb get %q: %v", securestore.ErrBackend, key, err)
	}

	sealed, err := base64.StdEncoding.DecodeString(string(kvp.Value))
	if err != nil {
		return nil, fmt.Errorf("%w: %v: %v", securestore.ErrBackend, envelope.ErrCorrupt, err)
	}
	plain, err := envelope.Open(sealed, v.key, []byte(key))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", securestore.ErrBackend, err)
	}
	e, err := envelope.Decode(key, plain)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", securestore.ErrBackend, err)
	}
	return e, nil
}

// path encodes key into a single segment below the prefix.
func (v *kvdbStore) path(key string) string {
	return v.prefix + base64.RawURLEncoding.EncodeToString([]byte(key))
}

func getParam(secretConfig map[string]interface{}, name string) string {
	if v, exists := secretConfig[name]; exists {
		if s, ok := v.(string); ok {
			return s
		}
		return ""
	}
	return os.Getenv(name)
}

func init() {
	if err := securestore.Register(Name, New); err != nil {
		panic(err.Error())
	}
}
