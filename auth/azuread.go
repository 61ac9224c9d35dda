package auth

import (
	"context"

	azauth "github.com/Azure/go-autorest/autorest/azure/auth"
)

// AzureADProvider mints a bearer token via Azure AD client-credentials
// flow (github.com/Azure/go-autorest/autorest/azure/auth, a teacher
// dependency with no other home in this domain) for deployments that gate
// the realtime server behind Azure AD.
type AzureADProvider struct {
	ClientID     string
	ClientSecret string
	TenantID     string
	Resource     string
}

// Params acquires a token and returns it under "token" in the auth
// params map.
func (p AzureADProvider) Params(ctx context.Context) (map[string]interface{}, error) {
	cfg := azauth.NewClientCredentialsConfig(p.ClientID, p.ClientSecret, p.TenantID)
	if p.Resource != "" {
		cfg.Resource = p.Resource
	}
	spToken, err := cfg.ServicePrincipalToken()
	if err != nil {
		return nil, err
	}
	if err := spToken.EnsureFreshWithContext(ctx); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"token": spToken.OAuthToken(),
	}, nil
}
