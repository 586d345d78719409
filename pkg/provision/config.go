package provision

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/vrischmann/envconfig"
)

// envPrefix is prepended to every variable name, e.g. PROVISIONER_DOMAIN.
const envPrefix = "PROVISIONER"

// Config is the immutable configuration for one provisioning run. It is
// loaded once in main and passed by value into the component constructors;
// nothing reads the environment after that.
type Config struct {
	// Domain is the fully qualified name the deployment is served under.
	Domain string
	// ContactEmail registers the ACME account with the certificate authority.
	ContactEmail string

	Namespace        string `envconfig:"default=mattermost"`
	GatewayName      string `envconfig:"default=mattermost-gateway"`
	GatewayClassName string `envconfig:"default=azure-alb-external"`
	IssuerName       string `envconfig:"default=letsencrypt-production"`

	// CertificateSecretName defaults to "<GatewayName>-tls" when unset.
	CertificateSecretName string `envconfig:"optional"`

	ServiceName string `envconfig:"default=mattermost"`
	ServicePort int32  `envconfig:"default=8065"`

	PollIntervalSeconds int    `envconfig:"default=10"`
	MaxPollAttempts     int    `envconfig:"default=30"`
	DNSResolverAddress  string `envconfig:"default=8.8.8.8:53"`

	// AllowDNSOverride permits proceeding to certificate issuance while the
	// domain still does not resolve to the gateway address.
	AllowDNSOverride bool `envconfig:"default=true"`
}

// LoadConfig reads the configuration from the environment, fills derived
// defaults and validates it.
func LoadConfig() (Config, error) {
	var config Config
	err := envconfig.InitWithPrefix(&config, envPrefix)
	if err != nil {
		return Config{}, errors.Wrap(err, "failed to read configuration from environment")
	}

	config.SetDefaults()

	err = config.Validate()
	if err != nil {
		return Config{}, err
	}

	return config, nil
}

// SetDefaults fills values that derive from other fields.
func (c *Config) SetDefaults() {
	if c.CertificateSecretName == "" {
		c.CertificateSecretName = fmt.Sprintf("%s-tls", c.GatewayName)
	}
}

func (c Config) Validate() error {
	if c.Domain == "" {
		return errors.New("domain is required")
	}
	if c.ContactEmail == "" {
		return errors.New("contact email is required")
	}
	if c.PollIntervalSeconds < 1 {
		return errors.New("poll interval must be at least 1 second")
	}
	if c.MaxPollAttempts < 1 {
		return errors.New("max poll attempts must be at least 1")
	}
	if c.ServicePort < 1 {
		return errors.New("service port must be positive")
	}
	return nil
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}
