package keyprovider

import (
	"context"
	"fmt"

	"github.com/ruteri/managed-identity-credentials/common"
	"github.com/ruteri/managed-identity-credentials/interfaces"
)

// Result is the outcome of a single provider attempt: either a key, or the
// reason the provider cannot serve one on this host.
type Result struct {
	Key    *interfaces.KeyMaterial
	Reason string
}

func Available(key *interfaces.KeyMaterial) Result {
	return Result{Key: key}
}

func Unavailable(format string, args ...any) Result {
	return Result{Reason: fmt.Sprintf(format, args...)}
}

func (r Result) Ok() bool {
	return r.Key != nil
}

// Provider is one strategy for obtaining a signing key.
//
// TryGetKey returns an Unavailable result when the capability is absent and an
// error when the attempt failed in a way that is fatal for this provider.
type Provider interface {
	Name() string
	TryGetKey(ctx context.Context, log *common.Logger) (Result, error)
}
