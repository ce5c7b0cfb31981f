package vaulttransit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/hashicorp/vault/api"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libopenstorage/securestore"
	"github.com/libopenstorage/securestore/keystore"
)

// mockTransit answers the transit key, encrypt and decrypt endpoints. Its
// "ciphertext" is the key name followed by the plaintext.
type mockTransit struct {
	mu   sync.Mutex
	keys map[string]bool
}

func newMockTransit(t *testing.T) (*mockTransit, *httptest.Server) {
	m := &mockTransit{keys: make(map[string]bool)}
	srv := httptest.NewServer(m)
	t.Cleanup(srv.Close)
	return m, srv
}

func (m *mockTransit) ServeHTTP(resp http.ResponseWriter, req *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	parts := strings.Split(strings.TrimPrefix(req.URL.Path, "/v1/"), "/")
	if len(parts) != 3 {
		resp.WriteHeader(http.StatusNotFound)
		return
	}
	op, name := parts[1], parts[2]

	var body map[string]interface{}
	if req.Method != http.MethodGet {
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			resp.WriteHeader(http.StatusBadRequest)
			return
		}
	}

	reply := func(data map[string]interface{}) {
		out, _ := json.Marshal(map[string]interface{}{"data": data})
		resp.WriteHeader(http.StatusOK)
		resp.Write(out)
	}
	fail := func(msg string) {
		resp.WriteHeader(http.StatusBadRequest)
		resp.Write([]byte(`{"errors":["` + msg + `"]}`))
	}

	switch {
	case op == "keys" && req.Method == http.MethodGet:
		if !m.keys[name] {
			resp.WriteHeader(http.StatusNotFound)
			resp.Write([]byte(`{"errors":[]}`))
			return
		}
		reply(map[string]interface{}{"name": name})
	case op == "keys":
		m.keys[name] = true
		resp.WriteHeader(http.StatusNoContent)
	case op == "encrypt":
		if !m.keys[name] {
			fail("encryption key not found")
			return
		}
		reply(map[string]interface{}{"ciphertext": "vault:v1:" + name + ":" + body["plaintext"].(string)})
	case op == "decrypt":
		prefix := "vault:v1:" + name + ":"
		ciphertext, _ := body["ciphertext"].(string)
		if !m.keys[name] || !strings.HasPrefix(ciphertext, prefix) {
			fail("cipher: message authentication failed")
			return
		}
		reply(map[string]interface{}{"plaintext": strings.TrimPrefix(ciphertext, prefix)})
	default:
		resp.WriteHeader(http.StatusNotFound)
	}
}

func (m *mockTransit) hasKey(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keys[name]
}

func testConfig(url string) map[string]interface{} {
	return map[string]interface{}{
		api.EnvVaultAddress: url,
		api.EnvVaultToken:   "root",
	}
}

func TestDefaultKeyCreated(t *testing.T) {
	m, srv := newMockTransit(t)
	w, err := New(testConfig(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, Name, w.String())
	assert.True(t, m.hasKey(defaultEncryptionKey))
}

func TestConfiguredKeyMustExist(t *testing.T) {
	m, srv := newMockTransit(t)
	config := testConfig(srv.URL)
	config[EncryptionKey] = "app-key"

	_, err := New(config)
	assert.Error(t, err)

	m.mu.Lock()
	m.keys["app-key"] = true
	m.mu.Unlock()
	_, err = New(config)
	assert.NoError(t, err)
}

func TestWrapUnwrap(t *testing.T) {
	ctx := context.Background()
	_, srv := newMockTransit(t)
	w, err := New(testConfig(srv.URL))
	require.NoError(t, err)

	dataKey := []byte("0123456789abcdef0123456789abcdef")
	wrapped, err := w.WrapKey(ctx, dataKey)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(wrapped), "vault:v1:"))

	got, err := w.UnwrapKey(ctx, wrapped)
	require.NoError(t, err)
	assert.Equal(t, dataKey, got)

	_, err = w.UnwrapKey(ctx, []byte("vault:v1:other:AAAA"))
	assert.Error(t, err)
}

func TestNewErrors(t *testing.T) {
	t.Setenv(api.EnvVaultAddress, "")
	t.Setenv(api.EnvVaultToken, "")
	t.Setenv("VAULT_AUTH_METHOD", "")
	_, err := New(map[string]interface{}{api.EnvVaultAddress: "http://127.0.0.1:8200"})
	assert.Error(t, err)

	_, err = NewFromLogical(context.Background(), nil, "", "")
	assert.Error(t, err)
}

func TestKeystoreWithTransit(t *testing.T) {
	ctx := context.Background()
	_, srv := newMockTransit(t)
	w, err := New(testConfig(srv.URL))
	require.NoError(t, err)

	logger, _ := logtest.NewNullLogger()
	path := filepath.Join(t.TempDir(), "keystore.db")
	s, err := keystore.Open(keystore.Options{Path: path, KeyWrapper: w, Logger: logger})
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "alias1", []byte("secret-value"), securestore.AfterFirstUnlock))
	require.NoError(t, s.Close())

	reopened, err := keystore.Open(keystore.Options{Path: path, KeyWrapper: w, Logger: logger})
	require.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.Get(ctx, "alias1")
	require.NoError(t, err)
	assert.Equal(t, []byte("secret-value"), got)

	srv.Close()
	_, err = reopened.Get(ctx, "alias1")
	assert.ErrorIs(t, err, securestore.ErrBackend)
}
