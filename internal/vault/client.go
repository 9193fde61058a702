// Package vault resolves exchange API credentials from HashiCorp Vault's
// KV v2 engine, falling back to the static configuration when disabled.
package vault

import (
	"context"
	"fmt"

	"github.com/hashicorp/vault/api"

	"botfleet/config"
)

// Credentials are the exchange API credentials.
type Credentials struct {
	APIKey    string
	APISecret string
}

// Client wraps the HashiCorp Vault client.
type Client struct {
	client *api.Client
	cfg    config.VaultConfig
}

// NewClient creates a Vault client. When Vault is disabled the client only
// serves the static fallback.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{cfg: cfg}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &Client{client: client, cfg: cfg}, nil
}

// ExchangeCredentials reads the API key pair from Vault, or returns the
// fallback when Vault is disabled.
func (c *Client) ExchangeCredentials(ctx context.Context, fallback Credentials) (Credentials, error) {
	if !c.cfg.Enabled {
		return fallback, nil
	}

	path := fmt.Sprintf("%s/data/%s", c.cfg.MountPath, c.cfg.SecretKey)
	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to read %s from vault: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return Credentials{}, fmt.Errorf("no secret at %s", path)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return Credentials{}, fmt.Errorf("unexpected secret format at %s", path)
	}

	creds := Credentials{}
	if v, ok := data["api_key"].(string); ok {
		creds.APIKey = v
	}
	if v, ok := data["api_secret"].(string); ok {
		creds.APISecret = v
	}
	if creds.APIKey == "" || creds.APISecret == "" {
		return Credentials{}, fmt.Errorf("incomplete credentials at %s", path)
	}
	return creds, nil
}
