// Package utils holds the Vault client configuration shared by the vault
// backend and the vault transit key wrapper.
package utils

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/hashicorp/vault/api"
	"github.com/hashicorp/vault/api/auth/approle"
	"github.com/hashicorp/vault/api/auth/kubernetes"
)

const (
	vaultAddressPrefix = "http"

	// AuthMethodKey selects how the client obtains its token.
	AuthMethodKey = "VAULT_AUTH_METHOD"
	// AuthMountPathKey overrides the mount path of the approle or
	// kubernetes auth method.
	AuthMountPathKey = "VAULT_AUTH_MOUNT_PATH"

	AuthKubernetesRoleKey      = "VAULT_AUTH_KUBERNETES_ROLE"
	AuthKubernetesTokenPathKey = "VAULT_AUTH_KUBERNETES_TOKEN_PATH"
	AuthAppRoleRoleIDKey       = "VAULT_APPROLE_ROLE_ID"
	AuthAppRoleSecretIDKey     = "VAULT_APPROLE_SECRET_ID"

	AuthMethodToken      = "token"
	AuthMethodAppRole    = "approle"
	AuthMethodKubernetes = "kubernetes"
)

var (
	ErrVaultTokenNotSet    = errors.New("VAULT_TOKEN not set.")
	ErrVaultAddressNotSet  = errors.New("VAULT_ADDR not set.")
	ErrInvalidSkipVerify   = errors.New("VAULT_SKIP_VERIFY is invalid")
	ErrInvalidVaultAddress = errors.New("VAULT_ADDRESS is invalid. " +
		"Should be of the form http(s)://<ip>:<port>")
	ErrInvalidAuthMethod        = errors.New("VAULT_AUTH_METHOD is invalid")
	ErrKubernetesRoleNotSet     = errors.New("VAULT_AUTH_KUBERNETES_ROLE not set.")
	ErrAppRoleCredentialsNotSet = errors.New("VAULT_APPROLE_ROLE_ID and VAULT_APPROLE_SECRET_ID must be set.")
)

// These variables are helpful in testing to stub method call from packages
var (
	newVaultClient = api.NewClient
)

// NewClient builds an authenticated client from the VAULT_* keys of
// secretConfig, falling back to the environment. See Authenticate for the
// supported auth methods.
func NewClient(secretConfig map[string]interface{}) (*api.Client, *api.Config, error) {
	// DefaultConfig uses the environment variables if present.
	config := api.DefaultConfig()

	if len(secretConfig) == 0 && config.Error != nil {
		return nil, nil, config.Error
	}

	address := GetVaultParam(secretConfig, api.EnvVaultAddress)
	if address == "" {
		return nil, nil, ErrVaultAddressNotSet
	}
	if err := IsValidAddr(address); err != nil {
		return nil, nil, err
	}
	config.Address = address

	if err := ConfigureTLS(config, secretConfig); err != nil {
		return nil, nil, err
	}

	client, err := newVaultClient(config)
	if err != nil {
		return nil, nil, err
	}
	if ns := GetVaultParam(secretConfig, api.EnvVaultNamespace); ns != "" {
		client.SetNamespace(ns)
	}
	token, _, err := Authenticate(client, secretConfig)
	if err != nil {
		return nil, nil, err
	}
	client.SetToken(token)
	return client, config, nil
}

// Authenticate returns the token the client should use and whether it was
// obtained by logging in. VAULT_AUTH_METHOD picks the method: "token" (the
// default) uses VAULT_TOKEN, "approle" and "kubernetes" log in against the
// matching auth mount.
func Authenticate(client *api.Client, secretConfig map[string]interface{}) (string, bool, error) {
	method := GetVaultParam(secretConfig, AuthMethodKey)
	var (
		auth api.AuthMethod
		err  error
	)
	switch method {
	case "", AuthMethodToken:
		token := GetVaultParam(secretConfig, api.EnvVaultToken)
		if token == "" {
			return "", false, ErrVaultTokenNotSet
		}
		return token, false, nil
	case AuthMethodAppRole:
		auth, err = appRoleAuth(secretConfig)
	case AuthMethodKubernetes:
		auth, err = kubernetesAuth(secretConfig)
	default:
		return "", false, fmt.Errorf("%w: %q", ErrInvalidAuthMethod, method)
	}
	if err != nil {
		return "", false, err
	}

	secret, err := client.Auth().Login(context.Background(), auth)
	if err != nil {
		return "", false, fmt.Errorf("vault %s login: %w", method, err)
	}
	return secret.Auth.ClientToken, true, nil
}

func appRoleAuth(secretConfig map[string]interface{}) (api.AuthMethod, error) {
	roleID := GetVaultParam(secretConfig, AuthAppRoleRoleIDKey)
	secretID := GetVaultParam(secretConfig, AuthAppRoleSecretIDKey)
	if roleID == "" || secretID == "" {
		return nil, ErrAppRoleCredentialsNotSet
	}
	var opts []approle.LoginOption
	if mount := GetVaultParam(secretConfig, AuthMountPathKey); mount != "" {
		opts = append(opts, approle.WithMountPath(mount))
	}
	return approle.NewAppRoleAuth(roleID, &approle.SecretID{FromString: secretID}, opts...)
}

func kubernetesAuth(secretConfig map[string]interface{}) (api.AuthMethod, error) {
	role := GetVaultParam(secretConfig, AuthKubernetesRoleKey)
	if role == "" {
		return nil, ErrKubernetesRoleNotSet
	}
	var opts []kubernetes.LoginOption
	if mount := GetVaultParam(secretConfig, AuthMountPathKey); mount != "" {
		opts = append(opts, kubernetes.WithMountPath(mount))
	}
	if path := GetVaultParam(secretConfig, AuthKubernetesTokenPathKey); path != "" {
		opts = append(opts, kubernetes.WithServiceAccountTokenPath(path))
	}
	return kubernetes.NewKubernetesAuth(role, opts...)
}

// IsValidAddr checks the address carries a scheme, which Vault requires.
func IsValidAddr(address string) error {
	if !strings.HasPrefix(address, vaultAddressPrefix) {
		return ErrInvalidVaultAddress
	}
	return nil
}

func GetVaultParam(secretConfig map[string]interface{}, name string) string {
	if tokenIntf, exists := secretConfig[name]; exists {
		if s, ok := tokenIntf.(string); ok {
			return s
		}
		return ""
	} else {
		return os.Getenv(name)
	}
}

func ConfigureTLS(config *api.Config, secretConfig map[string]interface{}) error {
	tlsConfig := api.TLSConfig{}
	skipVerify := GetVaultParam(secretConfig, api.EnvVaultInsecure)
	if skipVerify != "" {
		insecure, err := strconv.ParseBool(skipVerify)
		if err != nil {
			return ErrInvalidSkipVerify
		}
		tlsConfig.Insecure = insecure
	}

	tlsConfig.CACert = GetVaultParam(secretConfig, api.EnvVaultCACert)
	tlsConfig.CAPath = GetVaultParam(secretConfig, api.EnvVaultCAPath)
	tlsConfig.ClientCert = GetVaultParam(secretConfig, api.EnvVaultClientCert)
	tlsConfig.ClientKey = GetVaultParam(secretConfig, api.EnvVaultClientKey)
	tlsConfig.TLSServerName = GetVaultParam(secretConfig, api.EnvVaultTLSServerName)

	return config.ConfigureTLS(&tlsConfig)
}
