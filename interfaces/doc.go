// Package interfaces defines the core contracts and data types shared by the
// managed-identity credential components, separating the contracts from their
// implementations.
//
// # Key Material
//
// KeyKind: The protection class of a provisioned signing key, ordered from
// strongest (HardwareIsolated) to weakest (Ephemeral).
//
// KeyMaterial: An asymmetric signing key together with its protection class,
// the container name it is stored under and the diagnostics collected while
// the provider chain was walked.
//
// BindingCertificate: The self-signed certificate that binds a KeyMaterial's
// public key to credential requests.
//
// # Credentials
//
// IdentitySelector: Which managed identity a credential is requested for
// (system assigned, client id, resource id or object id).
//
// CredentialResponse: The decoded response of the identity endpoint.
//
// TokenSource: Whether a returned credential came from the cache or from the
// identity provider.
//
// # Component Contracts
//
// KeySource, CertificateSource and CredentialFetcher describe the components
// composed by the credential service. They are implemented by the keyprovider,
// bindingcert and credential packages respectively.
//
// # Errors
//
// ManagedIdentityError carries a machine-readable ErrorCode for every fatal
// failure surfaced to callers. Sentinels such as ErrKeyProvisioningFailed
// match any error with the same code through errors.Is.
package interfaces
