package auth

import (
	"context"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// EnvProvider reads DEEPSTREAM_AUTH_* environment variables into the auth
// params map, optionally seeded from a .env file via
// github.com/joho/godotenv (SPEC_FULL.md section 11.5).
type EnvProvider struct {
	// EnvFile, if non-empty, is loaded via godotenv before reading the
	// process environment.
	EnvFile string
}

const envPrefix = "DEEPSTREAM_AUTH_"

// Params collects every DEEPSTREAM_AUTH_* environment variable into a map
// keyed by the lower-cased remainder of the variable name.
func (p EnvProvider) Params(ctx context.Context) (map[string]interface{}, error) {
	if p.EnvFile != "" {
		if err := godotenv.Load(p.EnvFile); err != nil {
			return nil, err
		}
	}
	out := make(map[string]interface{})
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		if !strings.HasPrefix(parts[0], envPrefix) {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(parts[0], envPrefix))
		out[key] = parts[1]
	}
	return out, nil
}
