package cryptoutils

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

// RSAKeyBits is the modulus size of every key provisioned by this module.
const RSAKeyBits = 2048

// PrivateKeyPEM is a PKCS#8 private key in PEM format.
type PrivateKeyPEM []byte

// CertificatePEM is an X.509 certificate in PEM format.
type CertificatePEM []byte

// GenerateRSAKey creates a new RSAKeyBits RSA key.
func GenerateRSAKey() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, RSAKeyBits)
	if err != nil {
		return nil, fmt.Errorf("could not generate RSA key: %w", err)
	}
	return key, nil
}

// MarshalPrivateKeyPEM encodes key as PKCS#8 PEM.
func MarshalPrivateKeyPEM(key crypto.Signer) (PrivateKeyPEM, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("could not marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// Signer parses the PEM block back into a signing key.
func (p PrivateKeyPEM) Signer() (crypto.Signer, error) {
	block, _ := pem.Decode(p)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, errors.New("failed to decode private key PEM block")
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("private key of type %T cannot sign", key)
	}
	return signer, nil
}

// NewCertificatePEM encodes a DER certificate.
func NewCertificatePEM(der []byte) CertificatePEM {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}
