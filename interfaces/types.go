package interfaces

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"fmt"
)

// KeyKind is the protection class of a provisioned key.
type KeyKind int

const (
	// KeyKindUnknown is the zero value and never produced by a provider.
	KeyKindUnknown KeyKind = iota
	// KeyKindHardwareIsolated is a key generated inside a virtualization-isolated environment.
	KeyKindHardwareIsolated
	// KeyKindTPMBacked is a key resident in a Trusted Platform Module.
	KeyKindTPMBacked
	// KeyKindSoftware is a key persisted in a software key store.
	KeyKindSoftware
	// KeyKindEphemeral is an in-memory key that does not survive the process.
	KeyKindEphemeral
)

func (k KeyKind) String() string {
	switch k {
	case KeyKindHardwareIsolated:
		return "HardwareIsolated"
	case KeyKindTPMBacked:
		return "TpmBacked"
	case KeyKindSoftware:
		return "Software"
	case KeyKindEphemeral:
		return "Ephemeral"
	default:
		return fmt.Sprintf("KeyKind(%d)", int(k))
	}
}

// KeyMaterial is a provisioned signing key.
//
// Key never exposes private key bytes for hardware backed kinds; callers must
// only rely on crypto.Signer.
type KeyMaterial struct {
	Key           crypto.Signer
	Kind          KeyKind
	ContainerName string

	// Diagnostics is the "; " separated list of reasons why stronger
	// providers were skipped. Empty when the first provider succeeded.
	Diagnostics string
}

// Public returns the public half of the key.
func (k *KeyMaterial) Public() crypto.PublicKey {
	return k.Key.Public()
}

// BindingCertificate is a self-signed certificate over a KeyMaterial's public key.
type BindingCertificate struct {
	// Raw is the DER encoding of the certificate.
	Raw []byte
	// Leaf is the parsed, public-key-only view of the certificate.
	Leaf *x509.Certificate
	// TLS pairs the certificate with the signing key for mutual TLS.
	TLS tls.Certificate
	// Thumbprint is the uppercase hex SHA-1 of Raw.
	Thumbprint string
	KeyKind    KeyKind
}
