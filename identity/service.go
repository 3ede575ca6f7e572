package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/ruteri/managed-identity-credentials/bindingcert"
	"github.com/ruteri/managed-identity-credentials/common"
	"github.com/ruteri/managed-identity-credentials/credential"
	"github.com/ruteri/managed-identity-credentials/interfaces"
	"github.com/ruteri/managed-identity-credentials/keyprovider"
)

// Dependencies overrides the components a Service is built from. Nil fields
// are built from Config.
type Dependencies struct {
	Keys         interfaces.KeySource
	Certificates interfaces.CertificateSource
	Fetcher      interfaces.CredentialFetcher
	Cache        *credential.Cache
	Log          *slog.Logger
}

// Request selects the credential to return.
type Request struct {
	// Selector defaults to Config.Identity.
	Selector     *interfaces.IdentitySelector
	ForceRefresh bool
	// Claims is a claims challenge. Any non-empty value bypasses the cache.
	Claims string
	// CorrelationID defaults to a random UUID.
	CorrelationID string
}

type Result struct {
	Response *interfaces.CredentialResponse
	Source   interfaces.TokenSource
	// Certificate is the binding certificate the credential is bound to.
	// Token requests using the credential authenticate with it.
	Certificate   *interfaces.BindingCertificate
	KeyKind       interfaces.KeyKind
	CorrelationID string
}

type Service struct {
	cfg Config
	log *common.Logger

	keys    interfaces.KeySource
	certs   interfaces.CertificateSource
	fetcher interfaces.CredentialFetcher
	cache   *credential.Cache
	closer  func() error
}

func NewService(cfg Config, deps Dependencies) (*Service, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	s := &Service{
		cfg:     cfg,
		log:     common.NewLogger(deps.Log, cfg.PiiLogging),
		keys:    deps.Keys,
		certs:   deps.Certificates,
		fetcher: deps.Fetcher,
		cache:   deps.Cache,
	}

	if s.keys == nil {
		providers, err := KeyProviders(cfg)
		if err != nil {
			return nil, err
		}
		chain, err := keyprovider.NewChain(providers...)
		if err != nil {
			return nil, err
		}
		s.keys = chain
		s.closer = chain.Close
	}
	if s.certs == nil {
		s.certs = bindingcert.NewFactory(bindingcert.FactoryOptions{})
	}
	if s.fetcher == nil {
		var httpClient *http.Client
		if cfg.HTTPTimeout > 0 {
			httpClient = cleanhttp.DefaultPooledClient()
			httpClient.Timeout = cfg.HTTPTimeout
		}
		s.fetcher = credential.NewFetcher(credential.FetcherOptions{
			HTTPClient: httpClient,
			MaxRetries: cfg.MaxRetries,
			Log:        s.log,
		})
	}
	if s.cache == nil {
		s.cache = credential.NewCache(credential.CacheOptions{
			ExpirationBuffer: cfg.ExpirationBuffer,
			Log:              s.log,
		})
	}

	return s, nil
}

// GetCredential returns a credential for the requested identity.
func (s *Service) GetCredential(ctx context.Context, req Request) (*Result, error) {
	selector := s.cfg.Identity
	if req.Selector != nil {
		selector = *req.Selector
	}
	if err := selector.Validate(); err != nil {
		return nil, fmt.Errorf("invalid identity selector: %w", err)
	}

	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	log := s.log.With("correlation_id", correlationID)

	fetch := func(ctx context.Context) (*interfaces.CredentialResponse, error) {
		cert, _, err := s.bindingCertificate(ctx, log)
		if err != nil {
			return nil, err
		}
		return s.fetcher.Fetch(ctx, interfaces.FetchRequest{
			Endpoint:      s.cfg.Endpoint,
			Selector:      selector,
			Certificate:   cert,
			CorrelationID: correlationID,
		})
	}

	resp, source, err := s.cache.GetOrFetch(ctx, selector.CacheKey(), req.ForceRefresh, req.Claims != "", fetch)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Debug("Credential request cancelled")
		} else {
			code, _ := interfaces.ErrorCodeOf(err)
			log.Error("Could not obtain credential", "code", code)
			if log.PiiEnabled() {
				log.Error(fmt.Sprintf("Credential request for %s failed: %v", selector, err))
			}
		}
		return nil, err
	}

	cert, keyKind, err := s.bindingCertificate(ctx, log)
	if err != nil {
		return nil, err
	}

	log.Info("Credential acquired", "source", source, "key_kind", keyKind.String(), "expires_on", resp.ExpiresOn)
	if log.PiiEnabled() {
		log.Debug("Credential identity", "selector", selector.String(), "client_id", resp.ClientID)
	}

	return &Result{
		Response:      resp,
		Source:        source,
		Certificate:   cert,
		KeyKind:       keyKind,
		CorrelationID: correlationID,
	}, nil
}

// BindingCertificate returns the certificate credentials are bound to,
// provisioning the key if needed.
func (s *Service) BindingCertificate(ctx context.Context) (*interfaces.BindingCertificate, error) {
	cert, _, err := s.bindingCertificate(ctx, s.log)
	return cert, err
}

func (s *Service) bindingCertificate(ctx context.Context, log *common.Logger) (*interfaces.BindingCertificate, interfaces.KeyKind, error) {
	key, err := s.keys.GetOrCreateKey(ctx, log)
	if err != nil {
		return nil, interfaces.KeyKindUnknown, err
	}
	cert, err := s.certs.GetOrCreate(ctx, key, log)
	if err != nil {
		return nil, interfaces.KeyKindUnknown, err
	}
	return cert, key.Kind, nil
}

// Close waits for background refreshes and releases the provisioned key.
func (s *Service) Close() error {
	s.cache.Wait()
	if s.closer != nil {
		return s.closer()
	}
	return nil
}
