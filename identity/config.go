package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/ruteri/managed-identity-credentials/bindingcert"
	"github.com/ruteri/managed-identity-credentials/credential"
	"github.com/ruteri/managed-identity-credentials/cryptoutils"
	"github.com/ruteri/managed-identity-credentials/interfaces"
	"github.com/ruteri/managed-identity-credentials/keyprovider"
)

// Config configures a Service and the components it builds by default.
type Config struct {
	// Endpoint defaults to credential.DefaultEndpoint.
	Endpoint string
	// Identity is used for requests that do not select one.
	Identity interfaces.IdentitySelector

	// ContainerName names the key container and is the binding certificate
	// subject. Defaults to bindingcert.DefaultSubject.
	ContainerName string
	// KeyDir persists the software key. Empty keeps it in memory.
	KeyDir string
	// TPMDevice defaults to keyprovider.DefaultTPMDevice.
	TPMDevice string

	DisableIsolation bool
	DisableTPM       bool
	// AttestationType selects the isolation evidence, "qemu-tdx" by default.
	AttestationType  string
	VerifyCollateral bool

	ExpirationBuffer time.Duration
	HTTPTimeout      time.Duration
	MaxRetries       int

	// PiiLogging allows identifiers and endpoint payloads in logs.
	PiiLogging bool
}

func (cfg *Config) applyDefaults() {
	if cfg.Endpoint == "" {
		cfg.Endpoint = credential.DefaultEndpoint
	}
	if cfg.ContainerName == "" {
		cfg.ContainerName = bindingcert.DefaultSubject
	}
}

func (cfg *Config) validate() error {
	if err := cfg.Identity.Validate(); err != nil {
		return fmt.Errorf("invalid default identity: %w", err)
	}
	if cfg.ExpirationBuffer < 0 {
		return errors.New("expiration buffer must not be negative")
	}
	if cfg.HTTPTimeout < 0 {
		return errors.New("HTTP timeout must not be negative")
	}
	return nil
}

// KeyProviders builds the provider chain order for cfg: hardware isolation,
// then TPM, then the software leaf.
func KeyProviders(cfg Config) ([]keyprovider.Provider, error) {
	cfg.applyDefaults()

	var providers []keyprovider.Provider
	if !cfg.DisableIsolation {
		attestation, err := attestationProvider(cfg.AttestationType)
		if err != nil {
			return nil, err
		}
		isolated, err := keyprovider.NewIsolatedProvider(keyprovider.IsolatedProviderOptions{
			ContainerName:    cfg.ContainerName,
			Attestation:      attestation,
			VerifyCollateral: cfg.VerifyCollateral,
		})
		if err != nil {
			return nil, err
		}
		providers = append(providers, isolated)
	}
	if !cfg.DisableTPM {
		providers = append(providers, keyprovider.NewTPMProvider(keyprovider.TPMProviderOptions{
			ContainerName: cfg.ContainerName,
			DevicePath:    cfg.TPMDevice,
		}))
	}
	providers = append(providers, keyprovider.NewSoftwareProvider(keyprovider.SoftwareProviderOptions{
		ContainerName: cfg.ContainerName,
		KeyDir:        cfg.KeyDir,
	}))
	return providers, nil
}

func attestationProvider(name string) (cryptoutils.AttestationProvider, error) {
	if name == "" {
		return cryptoutils.DCAPAttestationProvider{}, nil
	}
	t, err := cryptoutils.AttestationTypeFromString(name)
	if err != nil {
		return nil, fmt.Errorf("unknown attestation type %q: %w", name, err)
	}
	switch t.StringID {
	case cryptoutils.DummyAttestation.StringID:
		return cryptoutils.DummyAttestationProvider{}, nil
	default:
		return cryptoutils.DCAPAttestationProvider{}, nil
	}
}
