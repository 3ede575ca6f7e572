// Package config loads the YAML configuration of the credential service.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/ruteri/managed-identity-credentials/bindingcert"
	"github.com/ruteri/managed-identity-credentials/credential"
	"github.com/ruteri/managed-identity-credentials/identity"
	"github.com/ruteri/managed-identity-credentials/interfaces"
	"github.com/ruteri/managed-identity-credentials/keyprovider"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Endpoint string         `yaml:"endpoint"`
	Identity IdentityConfig `yaml:"identity"`
	Key      KeyConfig      `yaml:"key"`
	Cache    CacheConfig    `yaml:"cache"`
	HTTP     HTTPConfig     `yaml:"http"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// IdentityConfig selects the default managed identity. An empty kind selects
// the system-assigned identity.
type IdentityConfig struct {
	Kind  string `yaml:"kind"`
	Value string `yaml:"value"`
}

type KeyConfig struct {
	ContainerName    string `yaml:"container_name"`
	Dir              string `yaml:"dir"`
	TPMDevice        string `yaml:"tpm_device"`
	DisableIsolation bool   `yaml:"disable_isolation"`
	DisableTPM       bool   `yaml:"disable_tpm"`
	AttestationType  string `yaml:"attestation_type"`
	VerifyCollateral bool   `yaml:"verify_collateral"`
}

type CacheConfig struct {
	ExpirationBuffer time.Duration `yaml:"expiration_buffer"`
}

type HTTPConfig struct {
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

type LoggingConfig struct {
	Pii bool `yaml:"pii"`
}

func Default() Config {
	return Config{
		Endpoint: credential.DefaultEndpoint,
		Key: KeyConfig{
			ContainerName: bindingcert.DefaultSubject,
			TPMDevice:     keyprovider.DefaultTPMDevice,
		},
		Cache: CacheConfig{ExpirationBuffer: credential.DefaultExpirationBuffer},
		HTTP: HTTPConfig{
			Timeout:    30 * time.Second,
			MaxRetries: credential.DefaultMaxRetries,
		},
	}
}

// Load reads path over Default. Fields missing from the file keep their defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error

	if u, err := url.Parse(c.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("endpoint %q is not an absolute URL", c.Endpoint))
	}
	if _, err := interfaces.ParseIdentitySelector(c.Identity.Kind, c.Identity.Value); err != nil {
		errs = append(errs, fmt.Errorf("identity: %w", err))
	}
	if c.Key.ContainerName == "" {
		errs = append(errs, errors.New("key.container_name must not be empty"))
	}
	if c.Cache.ExpirationBuffer < 0 {
		errs = append(errs, errors.New("cache.expiration_buffer must not be negative"))
	}
	if c.HTTP.Timeout < 0 {
		errs = append(errs, errors.New("http.timeout must not be negative"))
	}

	return errors.Join(errs...)
}

// ServiceConfig converts c into the configuration of identity.Service.
func (c Config) ServiceConfig() (identity.Config, error) {
	if err := c.Validate(); err != nil {
		return identity.Config{}, err
	}
	sel, err := interfaces.ParseIdentitySelector(c.Identity.Kind, c.Identity.Value)
	if err != nil {
		return identity.Config{}, err
	}

	maxRetries := c.HTTP.MaxRetries
	if maxRetries == 0 {
		// zero means no retries in the file, and "default" in the fetcher
		maxRetries = -1
	}

	return identity.Config{
		Endpoint:         c.Endpoint,
		Identity:         sel,
		ContainerName:    c.Key.ContainerName,
		KeyDir:           c.Key.Dir,
		TPMDevice:        c.Key.TPMDevice,
		DisableIsolation: c.Key.DisableIsolation,
		DisableTPM:       c.Key.DisableTPM,
		AttestationType:  c.Key.AttestationType,
		VerifyCollateral: c.Key.VerifyCollateral,
		ExpirationBuffer: c.Cache.ExpirationBuffer,
		HTTPTimeout:      c.HTTP.Timeout,
		MaxRetries:       maxRetries,
		PiiLogging:       c.Logging.Pii,
	}, nil
}
