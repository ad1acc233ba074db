package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestGeneratedConfigIsValid(t *testing.T) {
	cfg := GenerateConfig()
	require.NoError(t, cfg.Validate())
}

func TestGeneratedConfigRoundTripsThroughFile(t *testing.T) {
	data, err := yaml.Marshal(GenerateConfig())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "agentgate.yaml")
	require.NoError(t, os.WriteFile(path, data, 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Upstream.ConnectTimeout)
	assert.Equal(t, 150*time.Second, cfg.SSE.MaxStreamDuration)
	assert.Equal(t, UndeliveredBackendMemory, cfg.SSE.Undelivered.Backend)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, ErrConfigFileUnreadable)
}

func TestParseConfigGarbage(t *testing.T) {
	_, err := ParseConfig([]byte("listenAddr: [unterminated"))
	assert.ErrorIs(t, err, ErrConfigFileUnmarshallable)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Gateway)
		want   error
	}{
		{"missing listen addr", func(c *Gateway) { c.ListenAddr = "" }, ErrListenAddrMissing},
		{"half tls", func(c *Gateway) { c.TLS.Cert = "server.crt" }, ErrTLSMissing},
		{"bad upstream mode", func(c *Gateway) { c.Upstream.Mode = "carrier-pigeon" }, ErrUpstreamModeInvalid},
		{"websocket without url", func(c *Gateway) { c.Upstream.Mode = UpstreamModeWebsocket }, ErrUpstreamURLMissing},
		{"connect timeout too short", func(c *Gateway) { c.Upstream.ConnectTimeout = time.Second }, ErrUpstreamConnectTimeoutInvalid},
		{"connect timeout too long", func(c *Gateway) { c.Upstream.ConnectTimeout = time.Minute }, ErrUpstreamConnectTimeoutInvalid},
		{"no delivery grace", func(c *Gateway) { c.Bus.DeliveryGrace = 0 }, ErrBusDeliveryGraceMissing},
		{"slow disconnect check", func(c *Gateway) { c.SSE.DisconnectCheckPeriod = 2 * time.Second }, ErrSSEDisconnectCheckInvalid},
		{"unknown undelivered backend", func(c *Gateway) { c.SSE.Undelivered.Backend = "redis" }, ErrUndeliveredBackendInvalid},
		{"negative undelivered bound", func(c *Gateway) { c.SSE.Undelivered.MaxPerKey = -1 }, ErrUndeliveredBoundsInvalid},
		{"default over max", func(c *Gateway) { c.Waiter.DefaultTimeout = time.Hour }, ErrWaiterTimeoutsInvalid},
		{"no admin keys", func(c *Gateway) {
			c.Auth.GovernanceApiKey = ""
			c.Auth.TenantAdminApiKey = ""
		}, ErrAuthAdminKeysMissing},
		{"no jwt secret", func(c *Gateway) { c.Auth.TenantJwtSecret = "" }, ErrAuthJwtSecretMissing},
		{"no step timeout", func(c *Gateway) { c.Onboarding.StepTimeout = 0 }, ErrOnboardingStepTimeoutMissing},
		{"no onboard limiter", func(c *Gateway) { c.RateLimiters.Onboard.Limit = 0 }, ErrRateLimitersOnboardMissing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GenerateConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err != tt.want {
				t.Errorf("Validate() got = %v, want %v", err, tt.want)
			}
		})
	}
}
