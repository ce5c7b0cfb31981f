//go:build integration
// +build integration

package transit

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"testing"

	"github.com/hashicorp/vault/api"
	"github.com/pborman/uuid"
	"github.com/stretchr/testify/require"
)

func vaultClient() (*api.Client, error) {
	client, err := api.NewClient(api.DefaultConfig())
	if err != nil {
		return nil, err
	}
	token := os.Getenv("VAULT_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("VAULT_TOKEN should be provided")
	}
	client.SetToken(token)
	return client, nil
}

func TestEncryptDecrypt(t *testing.T) {
	ctx := context.Background()
	client, err := vaultClient()
	require.Nil(t, err)

	c, err := New(client.Logical())
	require.Nil(t, err)

	key := SecretKey{Name: "securestore-" + uuid.New()}
	_, err = c.Create(ctx, key, "")
	require.Nil(t, err)
	_, err = c.Read(ctx, key)
	require.Nil(t, err)

	plaintext := base64.StdEncoding.EncodeToString([]byte("data key"))
	ciphertext, err := c.Encrypt(ctx, key, plaintext)
	require.Nil(t, err)
	got, err := c.Decrypt(ctx, key, ciphertext)
	require.Nil(t, err)
	require.Equal(t, plaintext, got)
}
