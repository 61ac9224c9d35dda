package auth

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticProviderReturnsWrappedMap(t *testing.T) {
	p := StaticProvider{"username": "homer"}
	params, err := p.Params(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"username": "homer"}, params)
}

func TestEnvProviderCollectsPrefixedVariables(t *testing.T) {
	t.Setenv("DEEPSTREAM_AUTH_USERNAME", "marge")
	t.Setenv("DEEPSTREAM_AUTH_TOKEN", "s3cr3t")
	t.Setenv("UNRELATED_VAR", "ignored")

	p := EnvProvider{}
	params, err := p.Params(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "marge", params["username"])
	assert.Equal(t, "s3cr3t", params["token"])
	_, ok := params["unrelated_var"]
	assert.False(t, ok, "variables without the DEEPSTREAM_AUTH_ prefix must not leak through")
}

func TestEnvProviderLoadsEnvFileFirst(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "auth-*.env")
	require.NoError(t, err)
	_, err = f.WriteString("DEEPSTREAM_AUTH_USERNAME=lisa\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	p := EnvProvider{EnvFile: f.Name()}
	params, err := p.Params(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "lisa", params["username"])
}

func TestEnvProviderMissingEnvFileErrors(t *testing.T) {
	p := EnvProvider{EnvFile: "/nonexistent/path/that/should/not/exist.env"}
	_, err := p.Params(context.Background())
	require.Error(t, err)
}
