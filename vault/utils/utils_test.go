package utils

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/vault/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient(t *testing.T) {
	for _, env := range []string{api.EnvVaultAddress, api.EnvVaultToken, api.EnvVaultInsecure, api.EnvVaultNamespace, AuthMethodKey} {
		t.Setenv(env, "")
	}

	testCases := []struct {
		name   string
		config map[string]interface{}
		err    error
	}{
		{
			name:   "no token",
			config: map[string]interface{}{api.EnvVaultAddress: "http://127.0.0.1:8200"},
			err:    ErrVaultTokenNotSet,
		},
		{
			name:   "no address",
			config: map[string]interface{}{api.EnvVaultToken: "root"},
			err:    ErrVaultAddressNotSet,
		},
		{
			name:   "bad address",
			config: map[string]interface{}{api.EnvVaultToken: "root", api.EnvVaultAddress: "127.0.0.1:8200"},
			err:    ErrInvalidVaultAddress,
		},
		{
			name: "bad skip verify",
			config: map[string]interface{}{api.EnvVaultToken: "root", api.EnvVaultAddress: "http://127.0.0.1:8200",
				api.EnvVaultInsecure: "maybe"},
			err: ErrInvalidSkipVerify,
		},
	}
	for _, tc := range testCases {
		_, _, err := NewClient(tc.config)
		assert.ErrorIs(t, err, tc.err, tc.name)
	}

	client, config, err := NewClient(map[string]interface{}{
		api.EnvVaultToken:     "root",
		api.EnvVaultAddress:   "https://vault.example.com:8200",
		api.EnvVaultNamespace: "team-a",
		api.EnvVaultInsecure:  "true",
	})
	require.NoError(t, err)
	assert.Equal(t, "root", client.Token())
	assert.Equal(t, "team-a", client.Namespace())
	assert.Equal(t, "https://vault.example.com:8200", config.Address)
}

func TestGetVaultParam(t *testing.T) {
	t.Setenv(api.EnvVaultToken, "from-env")
	assert.Equal(t, "from-env", GetVaultParam(map[string]interface{}{}, api.EnvVaultToken))
	assert.Equal(t, "from-config", GetVaultParam(map[string]interface{}{api.EnvVaultToken: "from-config"}, api.EnvVaultToken))
	assert.Equal(t, "", GetVaultParam(map[string]interface{}{api.EnvVaultToken: 7}, api.EnvVaultToken))
}

// loginServer answers Vault auth logins on mount, recording the request body.
func loginServer(t *testing.T, mount string, got *map[string]interface{}) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/auth/"+mount+"/login" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		body := map[string]interface{}{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		*got = body
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"auth":{"client_token":"s.from-login","renewable":true,"lease_duration":3600}}`))
	}))
	t.Cleanup(server.Close)
	return server
}

func clearAuthEnv(t *testing.T) {
	for _, env := range []string{api.EnvVaultAddress, api.EnvVaultToken, api.EnvVaultNamespace, AuthMethodKey,
		AuthMountPathKey, AuthKubernetesRoleKey, AuthKubernetesTokenPathKey, AuthAppRoleRoleIDKey, AuthAppRoleSecretIDKey} {
		t.Setenv(env, "")
	}
}

func TestAuthenticateToken(t *testing.T) {
	clearAuthEnv(t)
	client, err := api.NewClient(api.DefaultConfig())
	require.NoError(t, err)

	token, autoAuth, err := Authenticate(client, map[string]interface{}{api.EnvVaultToken: "root"})
	require.NoError(t, err)
	assert.Equal(t, "root", token)
	assert.False(t, autoAuth)

	token, autoAuth, err = Authenticate(client, map[string]interface{}{
		AuthMethodKey: AuthMethodToken, api.EnvVaultToken: "root"})
	require.NoError(t, err)
	assert.Equal(t, "root", token)
	assert.False(t, autoAuth)

	_, _, err = Authenticate(client, map[string]interface{}{AuthMethodKey: "ldap"})
	assert.ErrorIs(t, err, ErrInvalidAuthMethod)
}

func TestAuthenticateAppRole(t *testing.T) {
	clearAuthEnv(t)
	var body map[string]interface{}
	server := loginServer(t, "approle", &body)

	_, _, err := NewClient(map[string]interface{}{
		api.EnvVaultAddress:  server.URL,
		AuthMethodKey:        AuthMethodAppRole,
		AuthAppRoleRoleIDKey: "role-1",
	})
	assert.ErrorIs(t, err, ErrAppRoleCredentialsNotSet)

	client, _, err := NewClient(map[string]interface{}{
		api.EnvVaultAddress:    server.URL,
		AuthMethodKey:          AuthMethodAppRole,
		AuthAppRoleRoleIDKey:   "role-1",
		AuthAppRoleSecretIDKey: "secret-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "s.from-login", client.Token())
	assert.Equal(t, "role-1", body["role_id"])
	assert.Equal(t, "secret-1", body["secret_id"])

	// A login against the wrong mount fails the client construction.
	_, _, err = NewClient(map[string]interface{}{
		api.EnvVaultAddress:    server.URL,
		AuthMethodKey:          AuthMethodAppRole,
		AuthMountPathKey:       "other",
		AuthAppRoleRoleIDKey:   "role-1",
		AuthAppRoleSecretIDKey: "secret-1",
	})
	assert.Error(t, err)
}

func TestAuthenticateKubernetes(t *testing.T) {
	clearAuthEnv(t)
	var body map[string]interface{}
	server := loginServer(t, "k8s", &body)

	tokenPath := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(tokenPath, []byte("service-account-jwt"), 0600))

	_, _, err := NewClient(map[string]interface{}{
		api.EnvVaultAddress: server.URL,
		AuthMethodKey:       AuthMethodKubernetes,
	})
	assert.ErrorIs(t, err, ErrKubernetesRoleNotSet)

	client, _, err := NewClient(map[string]interface{}{
		api.EnvVaultAddress:        server.URL,
		AuthMethodKey:              AuthMethodKubernetes,
		AuthMountPathKey:           "k8s",
		AuthKubernetesRoleKey:      "securestore",
		AuthKubernetesTokenPathKey: tokenPath,
	})
	require.NoError(t, err)
	assert.Equal(t, "s.from-login", client.Token())
	assert.Equal(t, "securestore", body["role"])
	assert.Equal(t, "service-account-jwt", body["jwt"])
}
