package provision

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		t.Setenv("PROVISIONER_DOMAIN", "chat.example.org")
		t.Setenv("PROVISIONER_CONTACT_EMAIL", "admin@example.org")

		config, err := LoadConfig()
		require.NoError(t, err)

		assert.Equal(t, "chat.example.org", config.Domain)
		assert.Equal(t, "mattermost", config.Namespace)
		assert.Equal(t, "mattermost-gateway", config.GatewayName)
		assert.Equal(t, "azure-alb-external", config.GatewayClassName)
		assert.Equal(t, "letsencrypt-production", config.IssuerName)
		assert.Equal(t, "mattermost-gateway-tls", config.CertificateSecretName)
		assert.Equal(t, "mattermost", config.ServiceName)
		assert.Equal(t, int32(8065), config.ServicePort)
		assert.Equal(t, 10, config.PollIntervalSeconds)
		assert.Equal(t, 30, config.MaxPollAttempts)
		assert.Equal(t, "8.8.8.8:53", config.DNSResolverAddress)
		assert.True(t, config.AllowDNSOverride)
		assert.Equal(t, 10*time.Second, config.PollInterval())
	})

	t.Run("overrides", func(t *testing.T) {
		t.Setenv("PROVISIONER_DOMAIN", "chat.example.org")
		t.Setenv("PROVISIONER_CONTACT_EMAIL", "admin@example.org")
		t.Setenv("PROVISIONER_GATEWAY_NAME", "edge")
		t.Setenv("PROVISIONER_CERTIFICATE_SECRET_NAME", "edge-cert")
		t.Setenv("PROVISIONER_POLL_INTERVAL_SECONDS", "2")
		t.Setenv("PROVISIONER_ALLOW_DNS_OVERRIDE", "false")

		config, err := LoadConfig()
		require.NoError(t, err)

		assert.Equal(t, "edge", config.GatewayName)
		assert.Equal(t, "edge-cert", config.CertificateSecretName)
		assert.Equal(t, 2, config.PollIntervalSeconds)
		assert.False(t, config.AllowDNSOverride)
	})

	t.Run("derived secret name follows gateway name", func(t *testing.T) {
		t.Setenv("PROVISIONER_DOMAIN", "chat.example.org")
		t.Setenv("PROVISIONER_CONTACT_EMAIL", "admin@example.org")
		t.Setenv("PROVISIONER_GATEWAY_NAME", "edge")

		config, err := LoadConfig()
		require.NoError(t, err)
		assert.Equal(t, "edge-tls", config.CertificateSecretName)
	})

	t.Run("missing domain fails", func(t *testing.T) {
		t.Setenv("PROVISIONER_CONTACT_EMAIL", "admin@example.org")

		_, err := LoadConfig()
		require.Error(t, err)
	})
}

func TestConfigValidate(t *testing.T) {
	valid := testConfig()
	require.NoError(t, valid.Validate())

	for name, mutate := range map[string]func(*Config){
		"empty domain":       func(c *Config) { c.Domain = "" },
		"empty email":        func(c *Config) { c.ContactEmail = "" },
		"zero poll interval": func(c *Config) { c.PollIntervalSeconds = 0 },
		"zero attempts":      func(c *Config) { c.MaxPollAttempts = 0 },
		"zero service port":  func(c *Config) { c.ServicePort = 0 },
	} {
		t.Run(name, func(t *testing.T) {
			config := testConfig()
			mutate(&config)
			assert.Error(t, config.Validate())
		})
	}
}
