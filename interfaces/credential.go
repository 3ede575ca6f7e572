package interfaces

import (
	"context"
	"strings"
	"time"

	"github.com/ruteri/managed-identity-credentials/common"
)

// TokenSource reports where a returned credential came from.
type TokenSource string

const (
	TokenSourceCache            TokenSource = "cache"
	TokenSourceIdentityProvider TokenSource = "identity_provider"
)

// CredentialResponse is the identity endpoint's answer to a credential request.
// ExpiresOn and RefreshIn are seconds (absolute epoch and relative respectively).
type CredentialResponse struct {
	ClientID         string `json:"client_id"`
	Credential       string `json:"credential"`
	ExpiresOn        int64  `json:"expires_on"`
	IdentityType     string `json:"identity_type"`
	RefreshIn        int64  `json:"refresh_in"`
	RegionalTokenURL string `json:"regional_token_url"`
	TenantID         string `json:"tenant_id"`
}

// ExpiresAt returns ExpiresOn as a time.
func (r *CredentialResponse) ExpiresAt() time.Time {
	return time.Unix(r.ExpiresOn, 0)
}

// MissingFields lists the required fields that are empty.
func (r *CredentialResponse) MissingFields() []string {
	var missing []string
	if strings.TrimSpace(r.Credential) == "" {
		missing = append(missing, "credential")
	}
	if strings.TrimSpace(r.RegionalTokenURL) == "" {
		missing = append(missing, "regional_token_url")
	}
	if strings.TrimSpace(r.ClientID) == "" {
		missing = append(missing, "client_id")
	}
	if strings.TrimSpace(r.TenantID) == "" {
		missing = append(missing, "tenant_id")
	}
	return missing
}

// Validate returns a CredentialResponseInvalid error when required fields are missing.
func (r *CredentialResponse) Validate() error {
	if r == nil {
		return NewError(ErrCodeCredentialResponseInvalid, "identity endpoint returned no credential", nil)
	}
	if missing := r.MissingFields(); len(missing) > 0 {
		return NewError(ErrCodeCredentialResponseInvalid,
			"identity endpoint response is missing "+strings.Join(missing, ", "), nil)
	}
	return nil
}

// FetchRequest describes a single credential request.
type FetchRequest struct {
	Endpoint      string
	Selector      IdentitySelector
	Certificate   *BindingCertificate
	CorrelationID string
}

// KeySource provisions the signing key used to bind credentials.
type KeySource interface {
	GetOrCreateKey(ctx context.Context, log *common.Logger) (*KeyMaterial, error)
}

// CertificateSource returns the binding certificate for a key.
type CertificateSource interface {
	GetOrCreate(ctx context.Context, key *KeyMaterial, log *common.Logger) (*BindingCertificate, error)
}

// CredentialFetcher performs the credential request against the identity endpoint.
type CredentialFetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (*CredentialResponse, error)
}
