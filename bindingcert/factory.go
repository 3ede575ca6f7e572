// Package bindingcert builds the self-signed certificate that binds credential
// requests to the provisioned key.
package bindingcert

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/ruteri/managed-identity-credentials/common"
	"github.com/ruteri/managed-identity-credentials/cryptoutils"
	"github.com/ruteri/managed-identity-credentials/interfaces"
	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"
)

// DefaultSubject is used when the key carries no container name.
const DefaultSubject = "ManagedIdentityCredentialKey"

type FactoryOptions struct {
	// Validity defaults to cryptoutils.BindingCertificateValidity.
	Validity time.Duration
	Now      func() time.Time
}

type cacheEntry struct {
	key  *interfaces.KeyMaterial
	cert *interfaces.BindingCertificate
}

// Factory creates one binding certificate per key and keeps it until it
// expires or the key changes. It is safe for concurrent use.
type Factory struct {
	validity time.Duration
	now      func() time.Time

	cached atomic.Pointer[cacheEntry]
	sem    *semaphore.Weighted
}

func NewFactory(opts FactoryOptions) *Factory {
	f := &Factory{
		validity: opts.Validity,
		now:      opts.Now,
		sem:      semaphore.NewWeighted(1),
	}
	if f.validity <= 0 {
		f.validity = cryptoutils.BindingCertificateValidity
	}
	if f.now == nil {
		f.now = time.Now
	}
	return f
}

func (f *Factory) lookup(key *interfaces.KeyMaterial) *interfaces.BindingCertificate {
	e := f.cached.Load()
	if e == nil || e.key != key {
		return nil
	}
	if !f.now().Before(e.cert.Leaf.NotAfter) {
		return nil
	}
	return e.cert
}

// GetOrCreate returns the binding certificate for key, creating it on first use.
func (f *Factory) GetOrCreate(ctx context.Context, key *interfaces.KeyMaterial, log *common.Logger) (*interfaces.BindingCertificate, error) {
	if cert := f.lookup(key); cert != nil {
		return cert, nil
	}

	if err := f.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for binding certificate: %w", err)
	}
	defer f.sem.Release(1)

	if cert := f.lookup(key); cert != nil {
		return cert, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("binding certificate creation cancelled: %w", err)
	}

	cert, err := f.create(key)
	if err != nil {
		log.ErrorPii(fmt.Sprintf("Could not create binding certificate: %v", err), "Could not create binding certificate")
		return nil, interfaces.NewError(interfaces.ErrCodeCertificateConstruction, "could not create binding certificate", err)
	}

	f.cached.Store(&cacheEntry{key: key, cert: cert})
	log.Debug("Created binding certificate", "thumbprint", cert.Thumbprint, "not_after", cert.Leaf.NotAfter)
	return cert, nil
}

func (f *Factory) create(key *interfaces.KeyMaterial) (*interfaces.BindingCertificate, error) {
	if key == nil || key.Key == nil {
		return nil, errors.New("no key material")
	}

	subject := key.ContainerName
	if subject == "" {
		subject = DefaultSubject
	}

	der, err := cryptoutils.CreateBindingCertificate(key.Key, subject, f.now(), f.validity)
	if err != nil {
		return nil, err
	}

	// The leaf is parsed back from DER so it references public material only;
	// the signer is attached separately for TLS use.
	leaf, err := cryptoutils.PublicOnlyCertificate(der)
	if err != nil {
		return nil, err
	}

	return &interfaces.BindingCertificate{
		Raw:  der,
		Leaf: leaf,
		TLS: tls.Certificate{
			Certificate: [][]byte{der},
			PrivateKey:  key.Key,
			Leaf:        leaf,
		},
		Thumbprint: cryptoutils.Thumbprint(der),
		KeyKind:    key.Kind,
	}, nil
}
