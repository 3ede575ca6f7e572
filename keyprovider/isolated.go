package keyprovider

import (
	"context"
	"crypto"
	"fmt"

	"github.com/ruteri/managed-identity-credentials/common"
	"github.com/ruteri/managed-identity-credentials/cryptoutils"
	"github.com/ruteri/managed-identity-credentials/interfaces"
)

type IsolatedProviderOptions struct {
	ContainerName string

	// Attestation defaults to cryptoutils.DCAPAttestationProvider.
	Attestation cryptoutils.AttestationProvider
	// Verifier defaults to the verifier matching Attestation's type.
	Verifier cryptoutils.KeyBindingVerifier
	// VerifyCollateral enables full DCAP quote verification for the default verifier.
	VerifyCollateral bool
	// GenerateKey defaults to a 2048-bit RSA key.
	GenerateKey func() (crypto.Signer, error)
}

// IsolatedProvider serves keys generated inside a confidential VM. A key is
// accepted only once a quote over its public key has been obtained and verified.
type IsolatedProvider struct {
	containerName string
	attestation   cryptoutils.AttestationProvider
	verifier      cryptoutils.KeyBindingVerifier
	generateKey   func() (crypto.Signer, error)
}

func NewIsolatedProvider(opts IsolatedProviderOptions) (*IsolatedProvider, error) {
	p := &IsolatedProvider{
		containerName: opts.ContainerName,
		attestation:   opts.Attestation,
		verifier:      opts.Verifier,
		generateKey:   opts.GenerateKey,
	}

	if p.attestation == nil {
		p.attestation = cryptoutils.DCAPAttestationProvider{}
	}
	if p.verifier == nil {
		verifier, err := cryptoutils.VerifierFor(p.attestation.AttestationType(), opts.VerifyCollateral)
		if err != nil {
			return nil, fmt.Errorf("no key binding verifier for %s: %w", p.attestation.AttestationType().StringID, err)
		}
		p.verifier = verifier
	}
	if p.generateKey == nil {
		p.generateKey = func() (crypto.Signer, error) { return cryptoutils.GenerateRSAKey() }
	}
	return p, nil
}

func (p *IsolatedProvider) Name() string { return "hardware-isolated" }

func (p *IsolatedProvider) TryGetKey(ctx context.Context, log *common.Logger) (Result, error) {
	if err := p.attestation.IsSupported(); err != nil {
		return Unavailable("isolation not supported: %v", err), nil
	}

	// One recreation is attempted when the first key fails verification.
	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		key, err := p.generateKey()
		if err != nil {
			return Result{}, fmt.Errorf("could not create isolated key: %w", err)
		}

		if err := p.verifyIsolation(key); err != nil {
			lastErr = err
			log.WarnPii(fmt.Sprintf("Isolated key failed verification: %v", err),
				"Isolated key failed verification", "attempt", attempt)
			continue
		}

		return Available(&interfaces.KeyMaterial{
			Key:           key,
			Kind:          interfaces.KeyKindHardwareIsolated,
			ContainerName: p.containerName,
		}), nil
	}

	return Unavailable("isolated key failed verification after recreation: %v", lastErr), nil
}

func (p *IsolatedProvider) verifyIsolation(key crypto.Signer) error {
	reportData, err := cryptoutils.ReportDataForPublicKey(key.Public())
	if err != nil {
		return err
	}

	quote, err := p.attestation.Attest(reportData)
	if err != nil {
		return fmt.Errorf("could not attest key: %w", err)
	}

	return p.verifier(reportData, quote)
}
