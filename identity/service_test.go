package identity

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-tpm/tpm2/transport"
	"github.com/ruteri/managed-identity-credentials/credential"
	"github.com/ruteri/managed-identity-credentials/cryptoutils"
	"github.com/ruteri/managed-identity-credentials/imdsemulator"
	"github.com/ruteri/managed-identity-credentials/interfaces"
	"github.com/ruteri/managed-identity-credentials/keyprovider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type unsupportedAttestation struct {
	cryptoutils.DummyAttestationProvider
}

func (unsupportedAttestation) IsSupported() error { return cryptoutils.ErrIsolationUnsupported }

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startEmulator(t *testing.T, cfg imdsemulator.HandlerConfig) (*imdsemulator.Handler, string) {
	t.Helper()
	cfg.Log = discardLog()
	handler, err := imdsemulator.NewHandler(cfg)
	require.NoError(t, err)
	srv, err := imdsemulator.New(&imdsemulator.HTTPServerConfig{Log: discardLog()}, handler)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return handler, ts.URL + imdsemulator.CredentialPath
}

func fallbackChain(t *testing.T, keyDir string) *keyprovider.Chain {
	t.Helper()
	isolated, err := keyprovider.NewIsolatedProvider(keyprovider.IsolatedProviderOptions{
		ContainerName: "test-container",
		Attestation:   unsupportedAttestation{},
	})
	require.NoError(t, err)

	tpm := keyprovider.NewTPMProvider(keyprovider.TPMProviderOptions{
		ContainerName: "test-container",
		Open: func() (transport.TPMCloser, error) {
			return nil, errors.New("no TPM")
		},
	})
	software := keyprovider.NewSoftwareProvider(keyprovider.SoftwareProviderOptions{
		ContainerName: "test-container",
		KeyDir:        keyDir,
	})

	chain, err := keyprovider.NewChain(isolated, tpm, software)
	require.NoError(t, err)
	return chain
}

func newTestService(t *testing.T, endpoint string, keys interfaces.KeySource) *Service {
	t.Helper()
	svc, err := NewService(Config{
		Endpoint:      endpoint,
		ContainerName: "test-container",
	}, Dependencies{
		Keys:    keys,
		Fetcher: credential.NewFetcher(credential.FetcherOptions{MaxRetries: -1}),
		Log:     discardLog(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc
}

func TestFallsBackToSoftwareKey(t *testing.T) {
	emulator, endpoint := startEmulator(t, imdsemulator.HandlerConfig{})
	chain := fallbackChain(t, t.TempDir())
	svc := newTestService(t, endpoint, chain)

	res, err := svc.GetCredential(context.Background(), Request{})
	require.NoError(t, err)

	assert.Equal(t, interfaces.KeyKindSoftware, res.KeyKind)
	assert.Equal(t, interfaces.TokenSourceIdentityProvider, res.Source)
	assert.NotEmpty(t, res.Response.Credential)
	assert.NotEmpty(t, res.CorrelationID)
	assert.Equal(t, "CN=test-container", res.Certificate.Leaf.Subject.String())
	assert.EqualValues(t, 1, emulator.Issued())

	km := chain.Cached()
	require.NotNil(t, km)
	assert.Contains(t, km.Diagnostics, "hardware-isolated: isolation not supported")
	assert.Contains(t, km.Diagnostics, "tpm: could not open TPM")

	again, err := svc.GetCredential(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, interfaces.TokenSourceCache, again.Source)
	assert.Equal(t, res.Response.Credential, again.Response.Credential)
	assert.Same(t, res.Certificate, again.Certificate)
	assert.EqualValues(t, 1, emulator.Issued())
}

func TestIsolatedKeyPreferred(t *testing.T) {
	_, endpoint := startEmulator(t, imdsemulator.HandlerConfig{})

	svc, err := NewService(Config{
		Endpoint:        endpoint,
		AttestationType: cryptoutils.DummyAttestation.StringID,
		DisableTPM:      true,
	}, Dependencies{Log: discardLog()})
	require.NoError(t, err)
	defer svc.Close()

	res, err := svc.GetCredential(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, interfaces.KeyKindHardwareIsolated, res.KeyKind)
}

func TestShortLivedCredentialIsRefetched(t *testing.T) {
	// A credential expiring inside the expiration buffer is never served from cache.
	emulator, endpoint := startEmulator(t, imdsemulator.HandlerConfig{Lifetime: 30 * time.Second})
	svc := newTestService(t, endpoint, fallbackChain(t, ""))

	for i := 0; i < 3; i++ {
		res, err := svc.GetCredential(context.Background(), Request{})
		require.NoError(t, err)
		assert.Equal(t, interfaces.TokenSourceIdentityProvider, res.Source)
	}
	assert.EqualValues(t, 3, emulator.Issued())
}

func TestForceRefreshAndClaimsBypassCache(t *testing.T) {
	emulator, endpoint := startEmulator(t, imdsemulator.HandlerConfig{})
	svc := newTestService(t, endpoint, fallbackChain(t, ""))
	ctx := context.Background()

	_, err := svc.GetCredential(ctx, Request{})
	require.NoError(t, err)

	res, err := svc.GetCredential(ctx, Request{ForceRefresh: true})
	require.NoError(t, err)
	assert.Equal(t, interfaces.TokenSourceIdentityProvider, res.Source)

	res, err = svc.GetCredential(ctx, Request{Claims: `{"access_token":{"nbf":{"essential":true}}}`})
	require.NoError(t, err)
	assert.Equal(t, interfaces.TokenSourceIdentityProvider, res.Source)

	res, err = svc.GetCredential(ctx, Request{})
	require.NoError(t, err)
	assert.Equal(t, interfaces.TokenSourceCache, res.Source)
	assert.EqualValues(t, 3, emulator.Issued())
}

func TestCredentialsAreCachedPerIdentity(t *testing.T) {
	emulator, endpoint := startEmulator(t, imdsemulator.HandlerConfig{})
	svc := newTestService(t, endpoint, fallbackChain(t, ""))
	ctx := context.Background()

	a := interfaces.ClientID("client-a")
	b := interfaces.ClientID("client-b")

	resA, err := svc.GetCredential(ctx, Request{Selector: &a})
	require.NoError(t, err)
	resB, err := svc.GetCredential(ctx, Request{Selector: &b})
	require.NoError(t, err)
	assert.Equal(t, "client-a", resA.Response.ClientID)
	assert.Equal(t, "client-b", resB.Response.ClientID)

	cached, err := svc.GetCredential(ctx, Request{Selector: &a})
	require.NoError(t, err)
	assert.Equal(t, interfaces.TokenSourceCache, cached.Source)
	assert.Equal(t, "client-a", cached.Response.ClientID)
	assert.EqualValues(t, 2, emulator.Issued())
}

func TestConcurrentCallersShareOneKeyAndOneFetch(t *testing.T) {
	emulator, endpoint := startEmulator(t, imdsemulator.HandlerConfig{})
	chain := fallbackChain(t, "")
	svc := newTestService(t, endpoint, chain)

	const callers = 16
	var wg sync.WaitGroup
	results := make([]*Result, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.GetCredential(context.Background(), Request{})
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, emulator.Issued())
	for _, res := range results {
		require.NotNil(t, res)
		assert.Same(t, results[0].Certificate, res.Certificate)
		assert.Equal(t, results[0].Response.Credential, res.Response.Credential)
	}
}

func TestInvalidResponseIsNotCached(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(interfaces.CredentialResponse{
			ClientID:   "client",
			Credential: "blob",
			ExpiresOn:  time.Now().Add(time.Hour).Unix(),
			TenantID:   "tenant",
		})
	}))
	defer ts.Close()

	svc := newTestService(t, ts.URL, fallbackChain(t, ""))

	for i := 0; i < 2; i++ {
		_, err := svc.GetCredential(context.Background(), Request{})
		require.Error(t, err)
		assert.ErrorIs(t, err, interfaces.ErrCredentialResponseInvalid)
		assert.Contains(t, err.Error(), "regional_token_url")
	}
	assert.EqualValues(t, 2, calls.Load())
}

func TestRejectedRequestCarriesStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_request","error_description":"Identity not found"}`))
	}))
	defer ts.Close()

	svc := newTestService(t, ts.URL, fallbackChain(t, ""))
	_, err := svc.GetCredential(context.Background(), Request{})

	var mie *interfaces.ManagedIdentityError
	require.ErrorAs(t, err, &mie)
	assert.Equal(t, interfaces.ErrCodeRequestRejected, mie.Code)
	assert.Equal(t, http.StatusBadRequest, mie.StatusCode)
}

func TestCancelledRequest(t *testing.T) {
	emulator, endpoint := startEmulator(t, imdsemulator.HandlerConfig{})
	svc := newTestService(t, endpoint, fallbackChain(t, ""))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.GetCredential(ctx, Request{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, emulator.Issued())
}

func TestInvalidSelector(t *testing.T) {
	svc := newTestService(t, "http://127.0.0.1:1/credential", fallbackChain(t, ""))

	empty := interfaces.ClientID("")
	_, err := svc.GetCredential(context.Background(), Request{Selector: &empty})
	require.Error(t, err)

	_, err = NewService(Config{Identity: interfaces.ObjectID(" ")}, Dependencies{})
	require.Error(t, err)
}

func TestCorrelationIDIsPropagated(t *testing.T) {
	handler, err := imdsemulator.NewHandler(imdsemulator.HandlerConfig{Log: discardLog()})
	require.NoError(t, err)

	var seen atomic.Value
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.Header.Get(credential.CorrelationIDHeader))
		handler.HandleCredential(w, r)
	}))
	defer ts.Close()

	svc := newTestService(t, ts.URL, fallbackChain(t, ""))
	res, err := svc.GetCredential(context.Background(), Request{CorrelationID: "corr-1"})
	require.NoError(t, err)
	assert.Equal(t, "corr-1", res.CorrelationID)
	assert.Equal(t, "corr-1", seen.Load())

	res, err = svc.GetCredential(context.Background(), Request{ForceRefresh: true})
	require.NoError(t, err)
	assert.NotEqual(t, "corr-1", res.CorrelationID)
	assert.Equal(t, res.CorrelationID, seen.Load())
}
