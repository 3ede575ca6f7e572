package imdsemulator

import (
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/ruteri/managed-identity-credentials/credential"
	"github.com/ruteri/managed-identity-credentials/cryptoutils"
	"github.com/ruteri/managed-identity-credentials/interfaces"
	"github.com/ruteri/managed-identity-credentials/metrics"
	"go.uber.org/atomic"
)

const (
	CredentialPath = "/metadata/identity/credential"

	DefaultLifetime = 24 * time.Hour
	DefaultAudience = "api://AzureADTokenExchange"

	maxRequestBytes = 64 << 10
)

type HandlerConfig struct {
	TenantID         string
	RegionalTokenURL string
	// SystemAssignedClientID is reported for requests without a selector.
	SystemAssignedClientID string

	Lifetime time.Duration
	// RefreshIn defaults to half of Lifetime.
	RefreshIn time.Duration
	Issuer    string
	Audience  string

	// SigningKey defaults to a freshly generated key.
	SigningKey *rsa.PrivateKey
	Now        func() time.Time
	Log        *slog.Logger
}

// Handler issues credentials bound to the caller's binding certificate.
type Handler struct {
	cfg    HandlerConfig
	kid    string
	issued atomic.Int64
	log    *slog.Logger
}

// CredentialClaims are the claims of an issued credential.
type CredentialClaims struct {
	jwt.RegisteredClaims
	// Cnf binds the credential to the certificate ("x5t#S256").
	Cnf          map[string]string `json:"cnf"`
	TenantID     string            `json:"tid"`
	IdentityType string            `json:"idtyp"`
}

func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.SigningKey == nil {
		key, err := cryptoutils.GenerateRSAKey()
		if err != nil {
			return nil, err
		}
		cfg.SigningKey = key
	}
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = DefaultLifetime
	}
	if cfg.RefreshIn <= 0 {
		cfg.RefreshIn = cfg.Lifetime / 2
	}
	if cfg.Audience == "" {
		cfg.Audience = DefaultAudience
	}
	if cfg.TenantID == "" {
		cfg.TenantID = uuid.NewString()
	}
	if cfg.SystemAssignedClientID == "" {
		cfg.SystemAssignedClientID = uuid.NewString()
	}
	if cfg.RegionalTokenURL == "" {
		cfg.RegionalTokenURL = "https://login.microsoftonline.com"
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "https://sts.windows.net/" + cfg.TenantID + "/"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	kid, err := signingKeyID(&cfg.SigningKey.PublicKey)
	if err != nil {
		return nil, err
	}

	return &Handler{cfg: cfg, kid: kid, log: cfg.Log}, nil
}

func signingKeyID(pub *rsa.PublicKey) (string, error) {
	rd, err := cryptoutils.ReportDataForPublicKey(pub)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(rd[:16]), nil
}

// PublicKey verifies issued credentials.
func (h *Handler) PublicKey() *rsa.PublicKey {
	return &h.cfg.SigningKey.PublicKey
}

// Issued is the number of credentials issued so far.
func (h *Handler) Issued() int64 {
	return h.issued.Load()
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, description string) {
	h.log.Debug("Rejecting credential request", "status", status, "error", code, "description", description)
	writeJSON(w, status, errorResponse{Error: code, ErrorDescription: description})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// HandleCredential implements POST /metadata/identity/credential.
func (h *Handler) HandleCredential(w http.ResponseWriter, r *http.Request) {
	if id := r.Header.Get(credential.CorrelationIDHeader); id != "" {
		w.Header().Set(credential.CorrelationIDHeader, id)
	}

	if !strings.EqualFold(r.Header.Get(credential.MetadataHeader), "true") {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Required metadata header not specified")
		return
	}

	query := r.URL.Query()
	if v := query.Get(credential.APIVersionParam); v != credential.APIVersion {
		h.writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("Unsupported %s %q", credential.APIVersionParam, v))
		return
	}

	clientID, identityType, err := h.resolveIdentity(query)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	var body credential.RequestBody
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes)).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Could not decode request body")
		return
	}

	certDER, err := h.verifyConfirmationKey(body.Cnf.JWK)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	now := h.cfg.Now()
	expiresAt := now.Add(h.cfg.Lifetime)
	token, err := h.issue(clientID, identityType, certDER, now, expiresAt)
	if err != nil {
		h.log.Error("Could not sign credential", "err", err)
		h.writeError(w, http.StatusInternalServerError, "server_error", "Could not issue credential")
		return
	}

	h.issued.Inc()
	metrics.EmulatorCredentialsIssued.Inc()
	h.log.Info("Issued credential", "identity_type", identityType, "expires_on", expiresAt.Unix())

	writeJSON(w, http.StatusOK, interfaces.CredentialResponse{
		ClientID:         clientID,
		Credential:       token,
		ExpiresOn:        expiresAt.Unix(),
		IdentityType:     identityType,
		RefreshIn:        int64(h.cfg.RefreshIn / time.Second),
		RegionalTokenURL: h.cfg.RegionalTokenURL,
		TenantID:         h.cfg.TenantID,
	})
}

func (h *Handler) resolveIdentity(query map[string][]string) (clientID, identityType string, err error) {
	var selected []interfaces.IdentitySelector
	for _, kind := range []interfaces.ManagedIDKind{interfaces.ClientIDKind, interfaces.ResourceIDKind, interfaces.ObjectIDKind} {
		if values, ok := query[kind.QueryParameter()]; ok {
			for _, v := range values {
				selected = append(selected, interfaces.IdentitySelector{Kind: kind, Value: v})
			}
		}
	}

	switch len(selected) {
	case 0:
		return h.cfg.SystemAssignedClientID, "SystemAssigned", nil
	case 1:
	default:
		return "", "", errors.New("Only one of client_id, mi_res_id or object_id may be specified")
	}

	sel := selected[0]
	if err := sel.Validate(); err != nil {
		return "", "", err
	}
	if sel.Kind == interfaces.ClientIDKind {
		return sel.Value, "UserAssigned", nil
	}
	// Stable client id for identities addressed by resource or object id.
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(sel.CacheKey())).String(), "UserAssigned", nil
}

func (h *Handler) verifyConfirmationKey(jwk credential.JWK) ([]byte, error) {
	if jwk.Use != "sig" {
		return nil, fmt.Errorf("Unsupported key use %q", jwk.Use)
	}
	if len(jwk.X5c) != 1 {
		return nil, errors.New("Exactly one certificate must be provided in x5c")
	}

	der, err := base64.StdEncoding.DecodeString(jwk.X5c[0])
	if err != nil {
		return nil, errors.New("Could not decode x5c certificate")
	}
	cert, err := cryptoutils.PublicOnlyCertificate(der)
	if err != nil {
		return nil, errors.New("Could not parse x5c certificate")
	}
	if err := cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature); err != nil {
		return nil, errors.New("Certificate is not self-signed")
	}
	if now := h.cfg.Now(); now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return nil, errors.New("Certificate is not valid at this time")
	}
	if !strings.EqualFold(jwk.Kid, cryptoutils.Thumbprint(der)) {
		return nil, errors.New("Key id does not match certificate thumbprint")
	}
	return der, nil
}

func (h *Handler) issue(clientID, identityType string, certDER []byte, now, expiresAt time.Time) (string, error) {
	x5t := sha256.Sum256(certDER)
	claims := CredentialClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    h.cfg.Issuer,
			Subject:   clientID,
			Audience:  jwt.ClaimStrings{h.cfg.Audience},
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
		Cnf:          map[string]string{"x5t#S256": base64.RawURLEncoding.EncodeToString(x5t[:])},
		TenantID:     h.cfg.TenantID,
		IdentityType: identityType,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = h.kid
	return token.SignedString(h.cfg.SigningKey)
}
