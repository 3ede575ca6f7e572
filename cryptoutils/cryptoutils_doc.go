// Package cryptoutils provides the cryptographic building blocks used to bind
// managed-identity credentials to a locally provisioned key.
//
// # Keys
//
//   - GenerateRSAKey - 2048-bit RSA signing keys
//   - PrivateKeyPEM - PKCS#8 PEM encoded private keys for the software key store
//
// # Binding Certificates
//
// CreateBindingCertificate self-signs a minimal X.509 certificate over a
// crypto.Signer. The signer may be hardware resident; only its Sign method is
// used, so private key bytes are never required. PublicOnlyCertificate
// re-derives a parsed certificate that holds nothing but public material, and
// Thumbprint computes the identifier used as the JWK key id.
//
// # Key Isolation Attestation
//
// AttestationProvider produces a quote over 64 bytes of report data.
// DCAPAttestationProvider obtains Intel TDX quotes through configfs or the
// guest device. ReportDataForPublicKey commits a public key into report data
// and VerifyDCAPKeyBinding checks that a quote carries that commitment.
package cryptoutils
