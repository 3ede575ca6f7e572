// Package keyprovider provisions the signing key that managed-identity
// credentials are bound to.
//
// A Chain walks an ordered list of Providers from the strongest protection
// class to the weakest and caches the first key obtained for the lifetime of
// the process:
//
//   - IsolatedProvider: a key generated inside an Intel TDX confidential VM and
//     committed into a quote (KeyKindHardwareIsolated)
//   - TPMProvider: a non-exportable key persisted in the TPM (KeyKindTPMBacked)
//   - SoftwareProvider: a PKCS#8 key file, or an in-memory key when no key
//     directory is configured (KeyKindSoftware / KeyKindEphemeral)
//
// Providers report absence of their capability through an Unavailable Result.
// Errors returned by a provider are fatal for that provider only; the chain
// records them as diagnostics and moves on. Only a failure of the last
// provider fails provisioning.
package keyprovider
