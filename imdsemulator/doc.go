// Package imdsemulator serves the managed-identity credential endpoint for
// development and integration tests.
//
// The emulator validates credential requests the way the platform endpoint
// does (Metadata header, API version, a single identity selector, and a JWK
// whose key id is the thumbprint of the attached certificate) and answers with
// an RS256-signed credential bound to that certificate.
//
// Routes:
//
//	POST /metadata/identity/credential
//	GET  /livez, /readyz, /drain, /undrain
package imdsemulator
