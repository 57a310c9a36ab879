package config

import (
	"crypto/elliptic"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/certkiln/certkiln/keystore"
	"github.com/certkiln/certkiln/provisioner"
	"github.com/certkiln/certkiln/utils"
)

// Config is the full server configuration loaded from the JSON file at
// CONFIG_PATH. Listener addresses and backend selection come from the
// environment; this file carries the CA hierarchy and issuance policy.
type Config struct {
	Keystore     keystore.Config     `json:"keystore"`
	Root         RootConfig          `json:"root"`
	Provisioners []ProvisionerConfig `json:"provisioners"`
}

type RootConfig struct {
	CommonName   string    `json:"commonName"`
	ValidityDays int       `json:"validityDays"`
	Key          KeyConfig `json:"key"`
}

type ProvisionerConfig struct {
	Name                     string    `json:"name"`
	Key                      KeyConfig `json:"key"`
	IntermediateCommonName   string    `json:"intermediateCommonName,omitempty"`
	IntermediateValidityDays int       `json:"intermediateValidityDays"`
	LeafValidityDays         int       `json:"leafValidityDays"`
	RenewalThresholdDays     int       `json:"renewalThresholdDays"`
	TermsOfService           string    `json:"termsOfService,omitempty"`
	Website                  string    `json:"website,omitempty"`
	CRLURL                   string    `json:"crlUrl,omitempty"`
	OCSPURL                  string    `json:"ocspUrl,omitempty"`
	AllowWildcard            bool      `json:"allowWildcard"`
	AllowedDomains           []string  `json:"allowedDomains,omitempty"`
	DeniedDomains            []string  `json:"deniedDomains,omitempty"`
}

// KeyConfig is the algorithm tagged union: {"type":"rsa","bits":3072} or
// {"type":"ecdsa","curve":"P-256"}. An unknown discriminator or curve name is
// a fatal configuration error.
type KeyConfig struct {
	Type  string `json:"type"`
	Bits  int    `json:"bits,omitempty"`
	Curve string `json:"curve,omitempty"`
}

func (k KeyConfig) toParams() (keystore.KeyParams, error) {
	switch k.Type {
	case "rsa":
		bits := k.Bits
		if bits == 0 {
			bits = 3072
		}
		if bits < 2048 {
			return keystore.KeyParams{}, fmt.Errorf("rsa bits %d below minimum 2048", bits)
		}
		return keystore.KeyParams{Type: "rsa", Bits: bits}, nil
	case "ecdsa":
		var curve elliptic.Curve
		switch k.Curve {
		case "", "P-256":
			curve = elliptic.P256()
		case "P-384":
			curve = elliptic.P384()
		case "P-521":
			curve = elliptic.P521()
		default:
			return keystore.KeyParams{}, fmt.Errorf("unknown ecdsa curve %q", k.Curve)
		}
		return keystore.KeyParams{Type: "ecdsa", Curve: curve}, nil
	default:
		return keystore.KeyParams{}, fmt.Errorf("unknown key type %q", k.Type)
	}
}

// Load reads and validates the configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error in os.ReadFile: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("error in json.Unmarshal: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Keystore.Type == "" {
		return fmt.Errorf("keystore.type is required")
	}
	if len(c.Provisioners) == 0 {
		return fmt.Errorf("at least one provisioner is required")
	}
	seen := make(map[string]bool)
	for _, p := range c.Provisioners {
		if p.Name == "" {
			return fmt.Errorf("provisioner name is required")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate provisioner name %s", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

func days(n, fallback int) time.Duration {
	if n == 0 {
		n = fallback
	}
	return time.Duration(n) * 24 * time.Hour
}

// RootConfig maps the parsed root section onto the CA layer's config.
func (c *Config) RootCA() (provisioner.RootConfig, error) {
	params, err := c.Root.Key.toParams()
	if err != nil {
		return provisioner.RootConfig{}, fmt.Errorf("root key: %w", err)
	}
	name := c.Root.CommonName
	if name == "" {
		name = "CertKiln Root CA"
	}
	return provisioner.RootConfig{
		KeyParams:  params,
		CommonName: name,
		Validity:   days(c.Root.ValidityDays, 3650),
	}, nil
}

// ProvisionerConfigs maps every parsed provisioner section onto the
// provisioner layer's config.
func (c *Config) ProvisionerConfigs() ([]provisioner.Config, error) {
	out := make([]provisioner.Config, 0, len(c.Provisioners))
	for _, p := range c.Provisioners {
		params, err := p.Key.toParams()
		if err != nil {
			return nil, fmt.Errorf("provisioner %s key: %w", p.Name, err)
		}
		out = append(out, provisioner.Config{
			Name:                   p.Name,
			KeyParams:              params,
			IntermediateCommonName: p.IntermediateCommonName,
			IntermediateValidity:   days(p.IntermediateValidityDays, 365),
			Meta: provisioner.Metadata{
				TermsOfService:   p.TermsOfService,
				Website:          p.Website,
				CRLURL:           p.CRLURL,
				OCSPURL:          p.OCSPURL,
				AllowWildcard:    p.AllowWildcard,
				LeafValidity:     days(p.LeafValidityDays, 90),
				RenewalThreshold: days(p.RenewalThresholdDays, int(utils.Env_RenewalThresholdDays)),
			},
			AllowedDomains: p.AllowedDomains,
			DeniedDomains:  p.DeniedDomains,
		})
	}
	return out, nil
}
