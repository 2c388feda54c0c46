package secrets

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"contrarian-pullback-bot/config"
)

func TestEnvProviderReturnsConfiguredCredentials(t *testing.T) {
	p := EnvProvider{APIKey: "key", APISecret: "secret"}
	key, secret, err := p.APIKeys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "key", key)
	assert.Equal(t, "secret", secret)
}

func TestEnvProviderErrorsOnMissingCredentials(t *testing.T) {
	p := EnvProvider{}
	_, _, err := p.APIKeys(context.Background())
	assert.Error(t, err)
}

func TestNewReturnsEnvProviderWhenVaultDisabled(t *testing.T) {
	cfg := &config.Config{
		Exchange: config.ExchangeConfig{APIKey: "k", APISecret: "s"},
		Vault:    config.VaultConfig{Enabled: false},
	}
	p, err := New(cfg)
	require.NoError(t, err)
	key, secret, err := p.APIKeys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "k", key)
	assert.Equal(t, "s", secret)
}
