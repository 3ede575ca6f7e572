package keyprovider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ruteri/managed-identity-credentials/common"
	"github.com/ruteri/managed-identity-credentials/interfaces"
	"github.com/ruteri/managed-identity-credentials/metrics"
	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"
)

// Chain provisions at most one key per process, trying providers in order.
// It is safe for concurrent use.
type Chain struct {
	providers []Provider

	cached atomic.Pointer[interfaces.KeyMaterial]
	sem    *semaphore.Weighted
}

// NewChain creates a chain over providers. The last provider is the leaf
// whose failure fails provisioning.
func NewChain(providers ...Provider) (*Chain, error) {
	if len(providers) == 0 {
		return nil, errors.New("key provider chain requires at least one provider")
	}
	for i, p := range providers {
		if p == nil {
			return nil, fmt.Errorf("key provider %d is nil", i)
		}
	}

	return &Chain{
		providers: providers,
		sem:       semaphore.NewWeighted(1),
	}, nil
}

// Cached returns the provisioned key, or nil if none was provisioned yet.
func (c *Chain) Cached() *interfaces.KeyMaterial {
	return c.cached.Load()
}

// GetOrCreateKey returns the cached key or runs the provider chain.
// Concurrent callers wait for a single provisioning run. Waiting honours ctx;
// a failed run is not cached.
func (c *Chain) GetOrCreateKey(ctx context.Context, log *common.Logger) (*interfaces.KeyMaterial, error) {
	if km := c.cached.Load(); km != nil {
		return km, nil
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for key provisioning: %w", err)
	}
	defer c.sem.Release(1)

	if km := c.cached.Load(); km != nil {
		return km, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("key provisioning cancelled: %w", err)
	}

	km, err := c.provision(ctx, log)
	if err != nil {
		return nil, err
	}

	c.cached.Store(km)
	metrics.KeyProvisioned.WithLabelValues(km.Kind.String()).Inc()
	log.Info("Provisioned credential binding key", "kind", km.Kind.String(), "diagnostics", km.Diagnostics)
	return km, nil
}

func (c *Chain) provision(ctx context.Context, log *common.Logger) (*interfaces.KeyMaterial, error) {
	var diagnostics []string

	for i, p := range c.providers {
		leaf := i == len(c.providers)-1
		plog := log.With("provider", p.Name())

		res, err := p.TryGetKey(ctx, plog)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("key provisioning cancelled: %w", ctxErr)
			}
			if leaf {
				plog.ErrorPii(fmt.Sprintf("Key provider failed: %v", err), "Key provider failed")
				return nil, interfaces.NewError(interfaces.ErrCodeKeyProvisioningFailed,
					fmt.Sprintf("%s provider failed", p.Name()), err)
			}
			plog.WarnPii(fmt.Sprintf("Key provider failed, trying next: %v", err), "Key provider failed, trying next")
			diagnostics = append(diagnostics, fmt.Sprintf("%s: %v", p.Name(), err))
			continue
		}

		if !res.Ok() {
			diagnostics = append(diagnostics, fmt.Sprintf("%s: %s", p.Name(), res.Reason))
			if leaf {
				plog.Error("No key provider could serve a key", "reasons", strings.Join(diagnostics, "; "))
				return nil, interfaces.NewError(interfaces.ErrCodeKeyProvisioningFailed,
					"no key provider available: "+strings.Join(diagnostics, "; "), nil)
			}
			plog.Debug("Key provider unavailable", "reason", res.Reason)
			continue
		}

		km := *res.Key
		km.Diagnostics = strings.Join(diagnostics, "; ")
		return &km, nil
	}

	// unreachable: the leaf always returns above
	return nil, interfaces.NewError(interfaces.ErrCodeKeyProvisioningFailed, "empty provider chain", nil)
}

// Close releases resources held by the provisioned key, such as an open TPM.
func (c *Chain) Close() error {
	km := c.cached.Load()
	if km == nil {
		return nil
	}
	if closer, ok := km.Key.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
