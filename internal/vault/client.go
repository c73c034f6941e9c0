// Package vault reads exchange credentials from HashiCorp Vault when the
// deployment prefers not to put them in the environment.
package vault

import (
	"context"
	"fmt"

	"bybit-trading-pipeline/config"

	"github.com/hashicorp/vault/api"
)

// Credentials is the secret payload stored at the configured KV v2 path.
type Credentials struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
	IsTestnet bool   `json:"is_testnet"`
}

// Client wraps the HashiCorp Vault client.
type Client struct {
	client *api.Client
	config config.VaultConfig
}

// NewClient creates a new Vault client. When Vault is disabled the returned
// client is inert and ReadCredentials fails.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{config: cfg}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &Client{client: client, config: cfg}, nil
}

// IsEnabled returns whether Vault is configured.
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// ReadCredentials fetches the Bybit key and secret from the KV v2 path.
func (c *Client) ReadCredentials(ctx context.Context) (*Credentials, error) {
	if !c.config.Enabled {
		return nil, fmt.Errorf("vault is not enabled")
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.config.SecretPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no credentials at %s", c.config.SecretPath)
	}

	// KV v2 nests the payload under "data".
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		data = secret.Data
	}

	creds := &Credentials{
		APIKey:    getString(data, "api_key"),
		APISecret: getString(data, "api_secret"),
		IsTestnet: getBool(data, "is_testnet"),
	}
	if creds.APIKey == "" || creds.APISecret == "" {
		return nil, fmt.Errorf("credentials at %s are incomplete", c.config.SecretPath)
	}

	return creds, nil
}

// Health checks the Vault connection.
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	if val, ok := data[key]; ok {
		switch v := val.(type) {
		case bool:
			return v
		case string:
			return v == "true"
		}
	}
	return false
}
