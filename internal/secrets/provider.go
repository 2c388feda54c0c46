// Package secrets resolves the Bybit API credentials the exchange adapter
// signs requests with, either from the environment or from HashiCorp Vault.
package secrets

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"contrarian-pullback-bot/config"
)

// Provider supplies the API key/secret pair the exchange client signs
// requests with.
type Provider interface {
	APIKeys(ctx context.Context) (apiKey, apiSecret string, err error)
}

// EnvProvider returns the credentials already loaded from the environment by
// config.Load. It is the default when Vault is disabled.
type EnvProvider struct {
	APIKey    string
	APISecret string
}

// APIKeys returns the configured environment credentials.
func (p EnvProvider) APIKeys(_ context.Context) (string, string, error) {
	if p.APIKey == "" || p.APISecret == "" {
		return "", "", fmt.Errorf("secrets: BYBIT_API_KEY/BYBIT_API_SECRET not set")
	}
	return p.APIKey, p.APISecret, nil
}

// VaultProvider fetches a single credential pair from a fixed Vault KV v2
// path and caches it for the process lifetime, since the trading process
// runs as one tenant with one credential pair.
type VaultProvider struct {
	client *api.Client
	cfg    config.VaultConfig

	mu        sync.Mutex
	cached    bool
	apiKey    string
	apiSecret string
}

// NewVaultProvider builds a VaultProvider from cfg.
func NewVaultProvider(cfg config.VaultConfig) (*VaultProvider, error) {
	vc := api.DefaultConfig()
	vc.Address = cfg.Address
	client, err := api.NewClient(vc)
	if err != nil {
		return nil, fmt.Errorf("secrets: vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	return &VaultProvider{client: client, cfg: cfg}, nil
}

// APIKeys reads `api_key`/`secret_key` from the configured KV v2 path,
// caching the result after the first successful read.
func (p *VaultProvider) APIKeys(ctx context.Context) (string, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cached {
		return p.apiKey, p.apiSecret, nil
	}

	path := fmt.Sprintf("%s/data/%s", p.cfg.MountPath, p.cfg.SecretPath)
	secret, err := p.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return "", "", fmt.Errorf("secrets: read vault path %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return "", "", fmt.Errorf("secrets: no data at vault path %s", path)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", "", fmt.Errorf("secrets: malformed secret at vault path %s", path)
	}

	apiKey, _ := data["api_key"].(string)
	apiSecret, _ := data["secret_key"].(string)
	if apiKey == "" || apiSecret == "" {
		return "", "", fmt.Errorf("secrets: vault path %s missing api_key/secret_key", path)
	}

	p.apiKey, p.apiSecret, p.cached = apiKey, apiSecret, true
	return p.apiKey, p.apiSecret, nil
}

// New returns the configured Provider: Vault-backed when cfg.Vault.Enabled,
// otherwise the environment credentials config.Load already read.
func New(cfg *config.Config) (Provider, error) {
	if !cfg.Vault.Enabled {
		return EnvProvider{APIKey: cfg.Exchange.APIKey, APISecret: cfg.Exchange.APISecret}, nil
	}
	return NewVaultProvider(cfg.Vault)
}
