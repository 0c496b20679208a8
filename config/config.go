// Package config loads and validates the certd configuration: YAML file,
// environment fallbacks for secrets, and structural checks.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const DefaultListen = ":4018"

// Error is a configuration problem the operator must fix before the service
// can run.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Provider names one ACME certificate authority. Order in the file is
// fallback order.
type Provider struct {
	Name         string `yaml:"name"`
	DirectoryURL string `yaml:"directory_url"`
	EAB          *EAB   `yaml:"eab"`
}

// EAB carries external account binding credentials, as issued by CAs like
// ZeroSSL.
type EAB struct {
	KID     string `yaml:"kid"`
	HMACKey string `yaml:"hmac_key"`
}

// Cloudflare configures the DNS backend.
type Cloudflare struct {
	// APIToken falls back to $CLOUDFLARE_API_TOKEN.
	APIToken string `yaml:"api_token"`

	// APIBase overrides the production endpoint (tests, proxies).
	APIBase string `yaml:"api_base"`

	// ZoneMap pins domain suffixes to zone IDs. Without it zones are
	// discovered through the API, which needs zone read scope.
	ZoneMap map[string]string `yaml:"zone_map"`
}

// DNSCheck configures optional TXT propagation verification. Leaving
// Resolvers empty disables it.
type DNSCheck struct {
	Resolvers []string `yaml:"resolvers"`
}

// Config is the full file. Pointer fields distinguish "unset" from an
// explicit zero so the issuer defaults apply only when the operator said
// nothing.
type Config struct {
	Listen       string `yaml:"listen"`
	DataDir      string `yaml:"data_dir"`
	AuthToken    string `yaml:"auth_token"`
	ContactEmail string `yaml:"contact_email"`

	RenewBeforeDays         *int  `yaml:"renew_before_days"`
	DNSPropagationSeconds   *int  `yaml:"dns_propagation_seconds"`
	IncludeApexWithWildcard *bool `yaml:"include_apex_with_wildcard"`

	// Domains, when set, restricts which domains the HTTP API will issue
	// for. Empty means any domain the DNS token can answer for.
	Domains []string `yaml:"domains"`

	Providers []Provider `yaml:"providers"`

	Cloudflare Cloudflare `yaml:"cloudflare"`
	DNS        DNSCheck   `yaml:"dns"`
}

// Load reads path (optional), applies environment fallbacks and defaults,
// and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if c.Cloudflare.APIToken == "" {
		c.Cloudflare.APIToken = os.Getenv("CLOUDFLARE_API_TOKEN")
	}
	if c.AuthToken == "" {
		c.AuthToken = os.Getenv("CERTD_AUTH_TOKEN")
	}
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
}

// Validate checks everything that would otherwise fail at an awkward moment
// mid-issuance.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return &Error{Field: "providers", Reason: "at least one ACME provider is required"}
	}
	for i, p := range c.Providers {
		if p.Name == "" {
			return &Error{Field: fmt.Sprintf("providers[%d].name", i), Reason: "name is required"}
		}
		if p.DirectoryURL == "" {
			return &Error{Field: fmt.Sprintf("providers[%d].directory_url", i), Reason: "directory URL is required"}
		}
		if p.EAB != nil && (p.EAB.KID == "" || p.EAB.HMACKey == "") {
			return &Error{Field: fmt.Sprintf("providers[%d].eab", i), Reason: "eab needs both kid and hmac_key"}
		}
	}
	if c.Cloudflare.APIToken == "" {
		return &Error{Field: "cloudflare.api_token", Reason: "set it or export CLOUDFLARE_API_TOKEN"}
	}
	if c.RenewBeforeDays != nil && *c.RenewBeforeDays < 0 {
		return &Error{Field: "renew_before_days", Reason: "must not be negative"}
	}
	if c.DNSPropagationSeconds != nil && *c.DNSPropagationSeconds < 0 {
		return &Error{Field: "dns_propagation_seconds", Reason: "must not be negative"}
	}
	return nil
}
