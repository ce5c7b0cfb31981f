package keystore

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/youmark/pkcs8"
)

const (
	// MasterKeyBits is the size of generated RSA master keys.
	MasterKeyBits = 2048

	pemPrivateKey          = "PRIVATE KEY"
	pemEncryptedPrivateKey = "ENCRYPTED PRIVATE KEY"
)

var (
	// ErrPassphraseRequired is returned when the master key file is
	// encrypted and no passphrase is configured.
	ErrPassphraseRequired = errors.New("master key is encrypted, passphrase required")
	// ErrInvalidMasterKey is returned when the master key file cannot be parsed.
	ErrInvalidMasterKey = errors.New("invalid master key")

	oaepLabel = []byte("securestore data key")
)

// KeyWrapper protects the per-entry data keys of the keystore backend.
type KeyWrapper interface {
	// String identifies the wrapper. It is stored with every wrapped key.
	String() string
	WrapKey(ctx context.Context, dataKey []byte) ([]byte, error)
	UnwrapKey(ctx context.Context, wrapped []byte) ([]byte, error)
}

// rsaWrapper wraps data keys with RSA-OAEP under a master key kept on disk.
type rsaWrapper struct {
	key *rsa.PrivateKey
}

func (w *rsaWrapper) String() string {
	return "rsa-oaep"
}

func (w *rsaWrapper) WrapKey(_ context.Context, dataKey []byte) ([]byte, error) {
	return rsa.EncryptOAEP(sha256.New(), rand.Reader, &w.key.PublicKey, dataKey, oaepLabel)
}

func (w *rsaWrapper) UnwrapKey(_ context.Context, wrapped []byte) ([]byte, error) {
	return rsa.DecryptOAEP(sha256.New(), rand.Reader, w.key, wrapped, oaepLabel)
}

// loadOrCreateMasterKey reads the PKCS#8 master key at path, generating and
// persisting a new one when the file does not exist.
func loadOrCreateMasterKey(path string, passphrase []byte, logger logrus.FieldLogger) (*rsaWrapper, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		key, err := parseMasterKey(data, passphrase)
		if err != nil {
			return nil, err
		}
		return &rsaWrapper{key: key}, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read master key: %w", err)
	}

	key, err := rsa.GenerateKey(rand.Reader, MasterKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}
	data, err = marshalMasterKey(key, passphrase)
	if err != nil {
		return nil, err
	}
	if err := writeFileAtomic(path, data); err != nil {
		return nil, fmt.Errorf("write master key: %w", err)
	}
	logger.WithFields(logrus.Fields{
		"path":      path,
		"encrypted": len(passphrase) > 0,
	}).Info("Created keystore master key")
	return &rsaWrapper{key: key}, nil
}

func marshalMasterKey(key *rsa.PrivateKey, passphrase []byte) ([]byte, error) {
	der, err := pkcs8.MarshalPrivateKey(key, passphrase, nil)
	if err != nil {
		return nil, fmt.Errorf("marshal master key: %w", err)
	}
	blockType := pemPrivateKey
	if len(passphrase) > 0 {
		blockType = pemEncryptedPrivateKey
	}
	return pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der}), nil
}

func parseMasterKey(data, passphrase []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrInvalidMasterKey)
	}
	switch block.Type {
	case pemPrivateKey:
		passphrase = nil
	case pemEncryptedPrivateKey:
		if len(passphrase) == 0 {
			return nil, ErrPassphraseRequired
		}
	default:
		return nil, fmt.Errorf("%w: unexpected PEM block %q", ErrInvalidMasterKey, block.Type)
	}

	parsed, err := pkcs8.ParsePKCS8PrivateKey(block.Bytes, passphrase)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMasterKey, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrInvalidMasterKey)
	}
	return key, nil
}

// writeFileAtomic writes data to a temporary file in the target directory
// and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".master-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
