// Package identity implements the managed-identity credential service.
//
// Service.GetCredential serves a cached credential for the selected identity
// when one is fresh. Otherwise it provisions the process signing key through
// the key provider chain, derives the binding certificate from it, requests a
// new credential bound to that certificate and caches the response.
package identity
