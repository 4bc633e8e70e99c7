package tunnelcert

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const (
	// ConfigScope is the secure config store scope holding the TOML
	// encoded Config.
	ConfigScope = "tunnelcert_config"

	// TokenScope is the secure config store scope holding the TOML
	// encoded TunnelToken.
	TokenScope = "tunneltoken"
)

// Config holds everything the lifecycle manager needs. It is passed
// explicitly into every constructor; nothing reads ambient global state.
type Config struct {
	BaseDomain            string `toml:"base_domain" comment:"Shared domain the subdomains hang off (e.g. 'example.com')"`
	RegistrationEndpoint  string `toml:"registration_endpoint" comment:"Base URL of the subdomain registration service"`
	Email                 string `toml:"email" comment:"ACME account email"`
	CADirectoryURL        string `toml:"ca_directory_url" comment:"ACME directory URL"`
	AcmeAccountPrivateKey string `toml:"acme_account_private_key" comment:"ACME account private key, PEM (set via env)"`
	CertDir               string `toml:"cert_dir" comment:"Directory the certificate artifacts are written to"`
	WebrootPath           string `toml:"webroot_path" comment:"Local webroot serving HTTP-01 proofs during renewal"`
	RenewalDaysBefore     int    `toml:"renewal_days_before_expiry" comment:"Days before expiry to renew"`
	Debug                 bool   `toml:"debug" comment:"Enable debug logging"`
}

func (c *Config) Validate() error {
	if c.BaseDomain == "" {
		return errors.New("config: base_domain cannot be empty")
	}
	if c.RegistrationEndpoint == "" {
		return errors.New("config: registration_endpoint cannot be empty")
	}
	if u, err := url.Parse(c.RegistrationEndpoint); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config: registration_endpoint %q is not a valid URL", c.RegistrationEndpoint)
	}
	if c.Email == "" {
		return errors.New("config: email cannot be empty")
	}
	if c.CADirectoryURL == "" {
		// Defaulting might be an option, but explicit is better
		return errors.New("config: ca_directory_url cannot be empty")
	}
	if c.AcmeAccountPrivateKey == "" {
		return errors.New("config: acme_account_private_key cannot be empty")
	}
	if c.CertDir == "" {
		return errors.New("config: cert_dir cannot be empty")
	}
	if c.WebrootPath == "" {
		return errors.New("config: webroot_path cannot be empty")
	}
	if c.RenewalDaysBefore < 0 {
		return errors.New("config: renewal_days_before_expiry cannot be negative")
	}
	return nil
}

// FullDomain joins a subdomain label with the configured base domain.
func (c *Config) FullDomain(subdomain string) string {
	return strings.TrimSuffix(subdomain, ".") + "." + strings.TrimPrefix(c.BaseDomain, ".")
}
