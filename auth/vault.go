package auth

import (
	"context"
	"fmt"

	vaultapi "github.com/hashicorp/vault/api"
)

// VaultProvider fetches a short-lived token from HashiCorp Vault
// (github.com/hashicorp/vault/api, a teacher dependency with no other
// home in this domain) at SecretPath and places it under TokenField in
// the auth params. Params is called again on every (re)authentication, so
// lease renewal is picked up transparently across reconnects.
type VaultProvider struct {
	Client     *vaultapi.Client
	SecretPath string
	// TokenField names the key in the fetched secret's Data map that
	// holds the bearer token. Defaults to "token".
	TokenField string
	// AuthParamField names the key in the returned params map the token
	// is placed under. Defaults to "token".
	AuthParamField string
}

// NewVaultProvider builds a provider from a Vault client config, dialing
// against addr (e.g. "https://vault.internal:8200").
func NewVaultProvider(addr, secretPath string) (*VaultProvider, error) {
	cfg := vaultapi.DefaultConfig()
	cfg.Address = addr
	client, err := vaultapi.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return &VaultProvider{Client: client, SecretPath: secretPath}, nil
}

// Params fetches the configured secret and extracts the token field.
func (p *VaultProvider) Params(ctx context.Context) (map[string]interface{}, error) {
	tokenField := p.TokenField
	if tokenField == "" {
		tokenField = "token"
	}
	authField := p.AuthParamField
	if authField == "" {
		authField = "token"
	}

	secret, err := p.Client.Logical().ReadWithContext(ctx, p.SecretPath)
	if err != nil {
		return nil, fmt.Errorf("vault: read %s: %w", p.SecretPath, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("vault: no secret at %s", p.SecretPath)
	}
	token, ok := secret.Data[tokenField]
	if !ok {
		return nil, fmt.Errorf("vault: secret at %s missing field %q", p.SecretPath, tokenField)
	}
	return map[string]interface{}{authField: token}, nil
}
