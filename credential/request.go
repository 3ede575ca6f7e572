package credential

import (
	"crypto/ecdsa"
	"encoding/base64"
	"fmt"
	"net/url"

	"github.com/ruteri/managed-identity-credentials/interfaces"
)

const (
	DefaultEndpoint = "http://169.254.169.254/metadata/identity/credential"

	APIVersion          = "1.0"
	APIVersionParam     = "cred-api-version"
	MetadataHeader      = "Metadata"
	CorrelationIDHeader = "x-ms-client-request-id"
)

// JWK is the confirmation key sent with a credential request.
type JWK struct {
	Kty string   `json:"kty"`
	Use string   `json:"use"`
	Alg string   `json:"alg"`
	Kid string   `json:"kid"`
	X5c []string `json:"x5c"`
}

type Confirmation struct {
	JWK JWK `json:"jwk"`
}

// RequestBody is the JSON body of a credential request.
type RequestBody struct {
	Cnf      Confirmation `json:"cnf"`
	LatchKey bool         `json:"latch_key"`
}

// NewRequestBody describes cert as the confirmation key.
func NewRequestBody(cert *interfaces.BindingCertificate) RequestBody {
	kty, alg := "RSA", "RS256"
	if _, ok := cert.Leaf.PublicKey.(*ecdsa.PublicKey); ok {
		kty, alg = "EC", "ES256"
	}

	return RequestBody{
		Cnf: Confirmation{JWK: JWK{
			Kty: kty,
			Use: "sig",
			Alg: alg,
			Kid: cert.Thumbprint,
			X5c: []string{base64.StdEncoding.EncodeToString(cert.Raw)},
		}},
		LatchKey: false,
	}
}

// BuildURL appends the API version and the identity selector to endpoint.
func BuildURL(endpoint string, selector interfaces.IdentitySelector) (string, error) {
	if err := selector.Validate(); err != nil {
		return "", err
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid credential endpoint: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid credential endpoint %q", endpoint)
	}

	q := u.Query()
	q.Set(APIVersionParam, APIVersion)
	if param := selector.Kind.QueryParameter(); param != "" {
		q.Set(param, selector.Value)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
