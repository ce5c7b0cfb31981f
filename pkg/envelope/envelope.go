// Package envelope encodes entries for backends that persist opaque blobs
// and seals them with AES-GCM.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/libopenstorage/securestore"
)

// DataKeySize is the size of generated AES-256 data keys.
const DataKeySize = 32

var (
	// ErrCorrupt is returned when a stored blob cannot be decoded or opened.
	ErrCorrupt = errors.New("stored entry is corrupt")
)

type envelope struct {
	Value      []byte                    `json:"value"`
	Accessible securestore.Accessibility `json:"accessible"`
	CreatedAt  time.Time                 `json:"created_at"`
	UpdatedAt  time.Time                 `json:"updated_at"`
}

// Encode marshals the value, policy and timestamps of e.
func Encode(e *securestore.Entry) ([]byte, error) {
	return json.Marshal(&envelope{
		Value:      e.Value,
		Accessible: e.Accessible,
		CreatedAt:  e.CreatedAt,
		UpdatedAt:  e.UpdatedAt,
	})
}

// Decode unmarshals an entry produced by Encode.
func Decode(key string, data []byte) (*securestore.Entry, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if !env.Accessible.IsValid() {
		return nil, fmt.Errorf("%w: missing accessibility", ErrCorrupt)
	}
	return &securestore.Entry{
		Key:        key,
		Value:      env.Value,
		Accessible: env.Accessible,
		CreatedAt:  env.CreatedAt,
		UpdatedAt:  env.UpdatedAt,
	}, nil
}

// NewDataKey returns a random AES-256 key.
func NewDataKey() ([]byte, error) {
	key := make([]byte, DataKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Seal encrypts data with key. additionalData binds the ciphertext to its
// context, usually the entry key, so blobs cannot be swapped between keys.
func Seal(data, key, additionalData []byte) ([]byte, error) {
	gcm, err := getGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, data, additionalData), nil
}

// Open decrypts cipherData produced by Seal.
func Open(cipherData, key, additionalData []byte) ([]byte, error) {
	gcm, err := getGCM(key)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(cipherData) < nonceSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrCorrupt)
	}

	nonce, cipherData := cipherData[:nonceSize], cipherData[nonceSize:]
	plain, err := gcm.Open(nil, nonce, cipherData, additionalData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return plain, nil
}

// getGCM returns golang's AEAD, a cipher mode for AES encryption
// using Galois/Counter Mode (GCM)
func getGCM(key []byte) (cipher.AEAD, error) {
	c, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	return cipher.NewGCM(c)
}
