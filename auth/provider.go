// Package auth provides pluggable credential sources for
// Connection.AuthenticateWith, per SPEC_FULL.md section 11.5. Each
// provider turns a real credential backend into the opaque auth params
// object spec section 4.1's authenticate(params) sends as
// AUTH|REQUEST's argument.
package auth

import "context"

// CredentialProvider resolves the JSON-serializable payload to send as
// the deepstream AUTH|REQUEST argument.
type CredentialProvider interface {
	Params(ctx context.Context) (map[string]interface{}, error)
}

// StaticProvider wraps a fixed params map, the baseline case requiring no
// extra dependency.
type StaticProvider map[string]interface{}

// Params returns the wrapped map unchanged.
func (p StaticProvider) Params(ctx context.Context) (map[string]interface{}, error) {
	return map[string]interface{}(p), nil
}
