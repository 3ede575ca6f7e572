package cryptoutils

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// BindingCertificateValidity is the lifetime of a binding certificate.
const BindingCertificateValidity = 2 * 365 * 24 * time.Hour

// Allowance for clock skew between this host and the identity endpoint.
const notBeforeSkew = 5 * time.Minute

// CreateBindingCertificate self-signs a client authentication certificate for
// signer with subject CN=cn, valid from now for validity.
// Returns the DER encoded certificate.
func CreateBindingCertificate(signer crypto.Signer, cn string, now time.Time, validity time.Duration) ([]byte, error) {
	if signer == nil {
		return nil, errors.New("no signing key")
	}
	if cn == "" {
		return nil, errors.New("empty subject common name")
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("could not generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             now.Add(-notBeforeSkew),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		SignatureAlgorithm:    signatureAlgorithm(signer.Public()),
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, signer.Public(), signer)
	if err != nil {
		return nil, fmt.Errorf("could not self-sign certificate: %w", err)
	}
	return der, nil
}

func signatureAlgorithm(pub crypto.PublicKey) x509.SignatureAlgorithm {
	switch pub.(type) {
	case *rsa.PublicKey:
		return x509.SHA256WithRSA
	case *ecdsa.PublicKey:
		return x509.ECDSAWithSHA256
	default:
		return x509.UnknownSignatureAlgorithm
	}
}

// PublicOnlyCertificate parses der into a certificate that references no private material.
func PublicOnlyCertificate(der []byte) (*x509.Certificate, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}

// VerifyCertificate checks that cert is self-signed, carries the expected
// common name, and certifies the public half of signer.
func VerifyCertificate(cert *x509.Certificate, signer crypto.Signer, expectedCN string) error {
	if cert.Subject.CommonName != expectedCN {
		return fmt.Errorf("CommonName is %s, expected %s", cert.Subject.CommonName, expectedCN)
	}

	pub, ok := signer.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok {
		return errors.New("unsupported key type")
	}
	if !pub.Equal(cert.PublicKey) {
		return errors.New("private key doesn't match certificate")
	}

	if err := cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature); err != nil {
		return fmt.Errorf("certificate is not self-signed: %w", err)
	}
	return nil
}

// Thumbprint returns the uppercase hex SHA-1 digest of a DER certificate.
func Thumbprint(der []byte) string {
	sum := sha1.Sum(der) //nolint:gosec // X.509 thumbprint convention, not a security boundary
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// DERPubkeyHash returns the SHA-256 digest of a DER SubjectPublicKeyInfo.
func DERPubkeyHash(pubkeyDER []byte) []byte {
	shaHash := sha256.Sum256(pubkeyDER)
	return shaHash[:]
}
