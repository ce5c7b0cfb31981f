// Package keystore is a SecureBackend modelled on the Android Keystore
// scheme. Every entry is sealed with its own AES-256-GCM data key, and data
// keys are wrapped by a master key before they are written to a SQLite
// database next to the sealed values.
package keystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/libopenstorage/securestore"
	"github.com/libopenstorage/securestore/pkg/envelope"
)

const (
	Name = "keystore"
	// PathKey is the SQLite database file.
	PathKey = "path"
	// MasterKeyPathKey is the PKCS#8 PEM file of the RSA master key.
	// Defaults to master_key.pem next to the database.
	MasterKeyPathKey = "master_key_path"
	// PassphraseKey encrypts the master key file when set.
	PassphraseKey = "passphrase"
	// KeyWrapperKey holds a KeyWrapper replacing the local master key.
	KeyWrapperKey = "key_wrapper"
	// DeviceKey holds a securestore.DeviceStateProvider.
	DeviceKey = "device"
	// MaxValueSizeKey caps value sizes in bytes.
	MaxValueSizeKey = "max_value_size"
	// LoggerKey holds a logrus.FieldLogger.
	LoggerKey = "logger"

	// Environment fallbacks for the string parameters.
	EnvPath          = "SECURESTORE_KEYSTORE_PATH"
	EnvMasterKeyPath = "SECURESTORE_KEYSTORE_MASTER_KEY_PATH"
	EnvPassphrase    = "SECURESTORE_KEYSTORE_PASSPHRASE"

	// DefaultMaxValueSize is applied when no cap is configured.
	DefaultMaxValueSize = 1 << 20

	defaultMasterKeyFile = "master_key.pem"
)

var (
	// ErrPathNotSet is returned when no database path is configured.
	ErrPathNotSet = errors.New(EnvPath + " not set")
)

// Options configure a Store.
type Options struct {
	Path          string
	MasterKeyPath string
	Passphrase    []byte
	// KeyWrapper, when set, is used instead of the local master key.
	KeyWrapper   KeyWrapper
	Device       securestore.DeviceStateProvider
	MaxValueSize int
	Logger       logrus.FieldLogger
}

// Store persists sealed entries in SQLite.
type Store struct {
	db      *sql.DB
	wrapper KeyWrapper
	device  securestore.DeviceStateProvider
	maxSize int
	logger  logrus.FieldLogger
	now     func() time.Time
}

// Open opens or creates the database at opts.Path.
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, ErrPathNotSet
	}
	if opts.Device == nil {
		opts.Device = securestore.UnlockedDevice
	}
	if opts.MaxValueSize == 0 {
		opts.MaxValueSize = DefaultMaxValueSize
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.MasterKeyPath == "" {
		opts.MasterKeyPath = filepath.Join(filepath.Dir(opts.Path), defaultMasterKeyFile)
	}

	wrapper := opts.KeyWrapper
	if wrapper == nil {
		rw, err := loadOrCreateMasterKey(opts.MasterKeyPath, opts.Passphrase, opts.Logger)
		if err != nil {
			return nil, err
		}
		wrapper = rw
	}

	if err := os.MkdirAll(filepath.Dir(opts.Path), 0700); err != nil {
		return nil, fmt.Errorf("create keystore directory: %w", err)
	}
	db, err := sql.Open("sqlite", opts.Path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:      db,
		wrapper: wrapper,
		device:  opts.Device,
		maxSize: opts.MaxValueSize,
		logger:  opts.Logger,
		now:     time.Now,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// New creates a Store from a config map.
func New(
	config map[string]interface{},
) (securestore.SecureBackend, error) {
	opts := Options{
		Path:          getParam(config, PathKey, EnvPath),
		MasterKeyPath: getParam(config, MasterKeyPathKey, EnvMasterKeyPath),
	}
	if pass := getParam(config, PassphraseKey, EnvPassphrase); pass != "" {
		opts.Passphrase = []byte(pass)
	}
	if v, ok := config[KeyWrapperKey]; ok {
		w, ok := v.(KeyWrapper)
		if !ok {
			return nil, fmt.Errorf("keystore: %v must be a KeyWrapper", KeyWrapperKey)
		}
		opts.KeyWrapper = w
	}
	if v, ok := config[DeviceKey]; ok {
		dev, ok := v.(securestore.DeviceStateProvider)
		if !ok {
			return nil, fmt.Errorf("keystore: %v must be a DeviceStateProvider", DeviceKey)
		}
		opts.Device = dev
	}
	if v, ok := config[MaxValueSizeKey]; ok {
		size, ok := v.(int)
		if !ok || size < 0 {
			return nil, fmt.Errorf("keystore: %v must be a non-negative int", MaxValueSizeKey)
		}
		opts.MaxValueSize = size
	}
	if v, ok := config[LoggerKey]; ok {
		logger, ok := v.(logrus.FieldLogger)
		if !ok {
			return nil, fmt.Errorf("keystore: %v must be a logrus.FieldLogger", LoggerKey)
		}
		opts.Logger = logger
	}
	return Open(opts)
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS entries (
			alias TEXT PRIMARY KEY,
			accessible TEXT NOT NULL,
			ciphertext BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS data_keys (
			alias TEXT PRIMARY KEY,
			wrapper TEXT NOT NULL,
			wrapped_key BLOB NOT NULL
		)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %s: %w", m[:40], err)
		}
	}
	return nil
}

func (s *Store) String() string {
	return Name
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var (
		token      string
		ciphertext []byte
		wrapper    string
		wrapped    []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT e.accessible, e.ciphertext, k.wrapper, k.wrapped_key
		FROM entries e JOIN data_keys k ON k.alias = e.alias
		WHERE e.alias = ?`, key,
	).Scan(&token, &ciphertext, &wrapper, &wrapped)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", securestore.ErrNotFound, key)
	}
	if err != nil {
		return nil, s.backendError(ctx, "read entry", err)
	}

	accessible, err := securestore.ParseAccessibility(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v: %v", securestore.ErrBackend, envelope.ErrCorrupt, err)
	}
	// The platform refuses to use the data key while the policy is unmet.
	if err := securestore.CheckReadable(accessible, s.device); err != nil {
		return nil, err
	}
	if wrapper != s.wrapper.String() {
		return nil, fmt.Errorf("%w: data key wrapped by %q, configured %q",
			securestore.ErrBackend, wrapper, s.wrapper.String())
	}

	dataKey, err := s.wrapper.UnwrapKey(ctx, wrapped)
	if err != nil {
		return nil, s.backendError(ctx, "unwrap data key", err)
	}
	plain, err := envelope.Open(ciphertext, dataKey, additionalData(key, accessible))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", securestore.ErrBackend, err)
	}
	e, err := envelope.Decode(key, plain)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", securestore.ErrBackend, err)
	}
	return e.Value, nil
}

func (s *Store) Set(
	ctx context.Context,
	key string,
	value []byte,
	accessible securestore.Accessibility,
) error {
	if key == "" {
		return securestore.ErrInvalidKey
	}
	if s.maxSize > 0 && len(value) > s.maxSize {
		return fmt.Errorf("%w: %d bytes exceeds %d",
			securestore.ErrValueTooLarge, len(value), s.maxSize)
	}
	if err := securestore.CheckWritable(accessible, s.device); err != nil {
		return err
	}

	dataKey, err := envelope.NewDataKey()
	if err != nil {
		return fmt.Errorf("%w: generate data key: %v", securestore.ErrBackend, err)
	}
	wrapped, err := s.wrapper.WrapKey(ctx, dataKey)
	if err != nil {
		return s.backendError(ctx, "wrap data key", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.backendError(ctx, "begin transaction", err)
	}
	defer tx.Rollback()

	var prev *securestore.Entry
	var createdAt int64
	err = tx.QueryRowContext(ctx, `SELECT created_at FROM entries WHERE alias = ?`, key).Scan(&createdAt)
	switch {
	case err == nil:
		prev = &securestore.Entry{Key: key, CreatedAt: time.Unix(0, createdAt).UTC()}
	case !errors.Is(err, sql.ErrNoRows):
		return s.backendError(ctx, "read entry", err)
	}

	e := prev.Update(key, value, accessible, s.now().UTC())
	plain, err := envelope.Encode(e)
	if err != nil {
		return fmt.Errorf("%w: encode entry: %v", securestore.ErrBackend, err)
	}
	ciphertext, err := envelope.Seal(plain, dataKey, additionalData(key, accessible))
	if err != nil {
		return fmt.Errorf("%w: seal entry: %v", securestore.ErrBackend, err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO data_keys (alias, wrapper, wrapped_key) VALUES (?, ?, ?)
		ON CONFLICT(alias) DO UPDATE SET wrapper = excluded.wrapper, wrapped_key = excluded.wrapped_key`,
		key, s.wrapper.String(), wrapped,
	); err != nil {
		return s.backendError(ctx, "write data key", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO entries (alias, accessible, ciphertext, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(alias) DO UPDATE SET accessible = excluded.accessible,
			ciphertext = excluded.ciphertext, updated_at = excluded.updated_at`,
		key, accessible.String(), ciphertext, e.CreatedAt.UnixNano(), e.UpdatedAt.UnixNano(),
	); err != nil {
		return s.backendError(ctx, "write entry", err)
	}
	if err := tx.Commit(); err != nil {
		return s.backendError(ctx, "commit", err)
	}
	return nil
}

// Remove deletes the sealed value and its wrapped data key together.
func (s *Store) Remove(ctx context.Context, key string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.backendError(ctx, "begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE alias = ?`, key); err != nil {
		return s.backendError(ctx, "delete entry", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM data_keys WHERE alias = ?`, key); err != nil {
		return s.backendError(ctx, "delete data key", err)
	}
	if err := tx.Commit(); err != nil {
		return s.backendError(ctx, "commit", err)
	}
	return nil
}

// SetUninstallReset reports true whatever is requested: the database and
// the master key live in application private storage, which the platform
// always wipes on uninstall.
func (s *Store) SetUninstallReset(enabled bool) bool {
	if !enabled {
		s.logger.WithField("backend", Name).
			Debug("Application private storage is always purged on uninstall")
	}
	return true
}

// Entry returns the decrypted entry for key, including its timestamps.
func (s *Store) Entry(ctx context.Context, key string) (*securestore.Entry, error) {
	value, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var (
		token            string
		created, updated int64
	)
	if err := s.db.QueryRowContext(ctx,
		`SELECT accessible, created_at, updated_at FROM entries WHERE alias = ?`, key,
	).Scan(&token, &created, &updated); err != nil {
		return nil, s.backendError(ctx, "read entry", err)
	}
	accessible, err := securestore.ParseAccessibility(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", securestore.ErrBackend, err)
	}
	return &securestore.Entry{
		Key:        key,
		Value:      value,
		Accessible: accessible,
		CreatedAt:  time.Unix(0, created).UTC(),
		UpdatedAt:  time.Unix(0, updated).UTC(),
	}, nil
}

// Keys returns the stored keys in ascending order.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT alias FROM entries ORDER BY alias`)
	if err != nil {
		return nil, s.backendError(ctx, "list entries", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, s.backendError(ctx, "list entries", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, s.backendError(ctx, "list entries", err)
	}
	return keys, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// backendError keeps context errors intact and classifies everything else
// as a backend failure.
func (s *Store) backendError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w: %s: %v", securestore.ErrBackend, op, err)
}

// additionalData binds a sealed value to its key and policy so neither can
// be changed in the database without failing authentication.
func additionalData(key string, accessible securestore.Accessibility) []byte {
	return []byte(key + "\x00" + accessible.String())
}

func getParam(config map[string]interface{}, name, env string) string {
	if v, exists := config[name]; exists {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return os.Getenv(env)
}

func init() {
	if err := securestore.Register(Name, New); err != nil {
		panic(err.Error())
	}
}
