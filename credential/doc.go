// Package credential obtains key-bound credentials from the managed-identity
// endpoint and caches them per identity.
//
// Fetcher sends the credential request (selector in the query string, the
// binding certificate as a JWK in the body) with the endpoint's retry policy
// and classifies failures into ManagedIdentityError codes.
//
// Cache serves fresh credentials, drops stale ones, and never stores a response
// that is missing required fields. Concurrent misses for the same identity
// share one in-flight fetch. Credentials that carry a refresh hint are renewed
// in the background while the cached value is still being served.
package credential
