package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oy3o/oidcproxy/config"
)

const minimalYAML = `
server:
  base_url: https://proxy.example
upstream:
  issuer: https://idp.example
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	c, err := config.Load(config.New(), writeConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, ":8080", c.Server.Addr)
	assert.Equal(t, "https://proxy.example", c.Server.BaseURL)
	assert.Equal(t, config.RegistrationDynamic, c.Registration.Mode)
	assert.Equal(t, config.ResolverTurtle, c.Registration.Resolver)
	assert.True(t, c.DPoP.Enabled)
	assert.Equal(t, 60*time.Second, c.DPoP.MaxAge)
	assert.Equal(t, 10*time.Second, c.DPoP.ClockTolerance)
	assert.Equal(t, config.ReplayNative, c.DPoP.Replay)
	assert.Equal(t, 5*time.Minute, c.Tokens.AccessTokenTTL)
	assert.Equal(t, config.StoreMemory, c.Store.Driver)
	assert.Equal(t, "info", c.Log.Level)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("OIDCPROXY_DPOP_MAX_AGE", "2m")
	t.Setenv("OIDCPROXY_STORE_DRIVER", "redis")
	t.Setenv("OIDCPROXY_STORE_REDIS_URL", "redis://localhost:6379/0")

	c, err := config.Load(config.New(), writeConfig(t, minimalYAML))
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, c.DPoP.MaxAge)
	assert.Equal(t, config.StoreRedis, c.Store.Driver)
	assert.Equal(t, "redis://localhost:6379/0", c.Store.RedisURL)
}

func TestLoad_ReplayStore(t *testing.T) {
	c, err := config.Load(config.New(), writeConfig(t, minimalYAML+"dpop:\n  replay: store\n"))
	require.NoError(t, err)
	assert.Equal(t, config.ReplayStore, c.DPoP.Replay)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing issuer", "server:\n  base_url: https://proxy.example\n"},
		{"unknown store driver", minimalYAML + "store:\n  driver: etcd\n"},
		{"redis without url", minimalYAML + "store:\n  driver: redis\n"},
		{"webid template without placeholder", minimalYAML + "tokens:\n  webid_template: https://pods.example/profile\n"},
		{"static mode without client", minimalYAML + "registration:\n  mode: static\n"},
		{"non-positive dpop max age", minimalYAML + "dpop:\n  max_age: 0s\n"},
		{"unknown dpop replay mode", minimalYAML + "dpop:\n  replay: sqlite\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(config.New(), writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(config.New(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
