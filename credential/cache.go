package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ruteri/managed-identity-credentials/common"
	"github.com/ruteri/managed-identity-credentials/interfaces"
	"github.com/ruteri/managed-identity-credentials/metrics"
)

const (
	DefaultExpirationBuffer = 60 * time.Second
	DefaultRefreshTimeout   = 30 * time.Second

	// Credentials living at least this long without a refresh hint are
	// refreshed at half of their lifetime.
	halfLifeRefreshThreshold = 2 * time.Hour
)

// FetchFunc obtains a new credential on a cache miss.
type FetchFunc func(ctx context.Context) (*interfaces.CredentialResponse, error)

type CacheOptions struct {
	// ExpirationBuffer is how long before expiry a credential stops being served.
	ExpirationBuffer time.Duration
	// RefreshTimeout bounds background refreshes.
	RefreshTimeout time.Duration
	Now            func() time.Time
	Log            *common.Logger
}

type cacheEntry struct {
	resp      *interfaces.CredentialResponse
	expiresOn time.Time
	// refreshOn is zero when the credential is not refreshed proactively.
	refreshOn time.Time
}

// flight is a fetch shared by every caller that missed the same key.
type flight struct {
	done chan struct{}
	resp *interfaces.CredentialResponse
	err  error

	waiters int
	// background flights are not cancelled when their waiters leave.
	background bool
	cancel     context.CancelFunc
}

// Cache maps identity cache keys to credentials. It is safe for concurrent use.
type Cache struct {
	buffer         time.Duration
	refreshTimeout time.Duration
	now            func() time.Time
	log            *common.Logger

	mu      sync.Mutex
	entries map[string]*cacheEntry
	flights map[string]*flight

	refreshes sync.WaitGroup
}

func NewCache(opts CacheOptions) *Cache {
	c := &Cache{
		buffer:         opts.ExpirationBuffer,
		refreshTimeout: opts.RefreshTimeout,
		now:            opts.Now,
		log:            opts.Log,
		entries:        make(map[string]*cacheEntry),
		flights:        make(map[string]*flight),
	}
	if c.buffer <= 0 {
		c.buffer = DefaultExpirationBuffer
	}
	if c.refreshTimeout <= 0 {
		c.refreshTimeout = DefaultRefreshTimeout
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.log == nil {
		c.log = common.DiscardLogger()
	}
	return c
}

// GetOrFetch returns the cached credential for key when it is fresh and
// neither forceRefresh nor hasClaims is set. Otherwise the entry is dropped and
// fetch is called, joining an in-flight fetch for the same key if there is one.
// Only valid responses are cached.
func (c *Cache) GetOrFetch(ctx context.Context, key string, forceRefresh, hasClaims bool, fetch FetchFunc) (*interfaces.CredentialResponse, interfaces.TokenSource, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", fmt.Errorf("credential lookup cancelled: %w", err)
	}

	now := c.now()
	c.mu.Lock()

	entry := c.entries[key]
	switch {
	case forceRefresh || hasClaims:
		delete(c.entries, key)
		metrics.CredentialCacheLookups.WithLabelValues(metrics.CacheBypass).Inc()
		c.log.Debug("Bypassing credential cache", "force_refresh", forceRefresh, "claims", hasClaims)

	case entry != nil && now.Before(entry.expiresOn.Add(-c.buffer)):
		if !entry.refreshOn.IsZero() && !now.Before(entry.refreshOn) && c.flights[key] == nil {
			c.startRefreshLocked(key, fetch)
		}
		c.mu.Unlock()
		metrics.CredentialCacheLookups.WithLabelValues(metrics.CacheHit).Inc()
		return entry.resp, interfaces.TokenSourceCache, nil

	case entry != nil:
		delete(c.entries, key)
		metrics.CredentialCacheLookups.WithLabelValues(metrics.CacheStale).Inc()
		c.log.Debug("Cached credential is about to expire", "expires_on", entry.expiresOn)

	default:
		metrics.CredentialCacheLookups.WithLabelValues(metrics.CacheMiss).Inc()
	}

	f := c.flights[key]
	if f == nil {
		f = c.startFlightLocked(context.WithoutCancel(ctx), key, fetch, false)
	}
	f.waiters++
	c.mu.Unlock()

	return c.wait(ctx, key, f)
}

func (c *Cache) wait(ctx context.Context, key string, f *flight) (*interfaces.CredentialResponse, interfaces.TokenSource, error) {
	select {
	case <-f.done:
		if f.err != nil {
			return nil, "", f.err
		}
		return f.resp, interfaces.TokenSourceIdentityProvider, nil

	case <-ctx.Done():
		c.mu.Lock()
		f.waiters--
		if f.waiters == 0 && !f.background {
			f.cancel()
			// later callers must not join a cancelled fetch
			if c.flights[key] == f {
				delete(c.flights, key)
			}
		}
		c.mu.Unlock()

		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, "", interfaces.NewError(interfaces.ErrCodeEndpointUnreachable,
				"identity endpoint was unreachable in time", ctx.Err())
		}
		return nil, "", fmt.Errorf("credential request cancelled: %w", ctx.Err())
	}
}

// startFlightLocked runs fetch on base. Caller flights use a base detached
// from every caller: each waiter enforces its own deadline in wait, and the
// fetch is cancelled once the last waiter has left.
func (c *Cache) startFlightLocked(base context.Context, key string, fetch FetchFunc, background bool) *flight {
	ctx, cancel := context.WithCancel(base)

	f := &flight{
		done:       make(chan struct{}),
		background: background,
		cancel:     cancel,
	}
	c.flights[key] = f

	c.refreshes.Add(1)
	go c.run(ctx, key, f, fetch)
	return f
}

func (c *Cache) startRefreshLocked(key string, fetch FetchFunc) {
	c.log.Debug("Refreshing credential in the background")
	ctx, cancel := context.WithTimeout(context.Background(), c.refreshTimeout)
	f := c.startFlightLocked(ctx, key, fetch, true)
	go func() {
		<-f.done
		cancel()
	}()
}

func (c *Cache) run(ctx context.Context, key string, f *flight, fetch FetchFunc) {
	defer c.refreshes.Done()
	defer f.cancel()

	resp, err := fetch(ctx)
	if err == nil {
		if verr := resp.Validate(); verr != nil {
			c.log.Error("Identity endpoint returned an invalid credential", "err", verr)
			resp, err = nil, verr
		}
	}
	if err != nil && f.background {
		c.log.Warn("Background credential refresh failed, keeping cached credential", "err", err)
	}

	c.mu.Lock()
	// an abandoned flight must not replace what a later flight stored
	if c.flights[key] == f {
		delete(c.flights, key)
		if err == nil {
			c.entries[key] = c.newEntry(resp)
		}
	}
	f.resp, f.err = resp, err
	close(f.done)
	c.mu.Unlock()
}

func (c *Cache) newEntry(resp *interfaces.CredentialResponse) *cacheEntry {
	now := c.now()
	e := &cacheEntry{
		resp:      resp,
		expiresOn: resp.ExpiresAt(),
	}

	switch lifetime := e.expiresOn.Sub(now); {
	case resp.RefreshIn > 0:
		e.refreshOn = now.Add(time.Duration(resp.RefreshIn) * time.Second)
	case lifetime >= halfLifeRefreshThreshold:
		e.refreshOn = now.Add(lifetime / 2)
	}
	return e
}

// Remove drops the credential cached for key.
func (c *Cache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len returns the number of cached credentials.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Wait blocks until every fetch started by the cache, including background
// refreshes, has finished.
func (c *Cache) Wait() {
	c.refreshes.Wait()
}
