package keyprovider

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ruteri/managed-identity-credentials/common"
	"github.com/ruteri/managed-identity-credentials/cryptoutils"
	"github.com/ruteri/managed-identity-credentials/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockProvider struct {
	mock.Mock
	name string
}

func (m *mockProvider) Name() string { return m.name }

func (m *mockProvider) TryGetKey(ctx context.Context, log *common.Logger) (Result, error) {
	args := m.Called(ctx, log)
	return args.Get(0).(Result), args.Error(1)
}

type funcProvider struct {
	name string
	fn   func(ctx context.Context) (Result, error)
}

func (f *funcProvider) Name() string { return f.name }

func (f *funcProvider) TryGetKey(ctx context.Context, _ *common.Logger) (Result, error) {
	return f.fn(ctx)
}

func testKey(t *testing.T, kind interfaces.KeyKind) *interfaces.KeyMaterial {
	t.Helper()
	key, err := cryptoutils.GenerateRSAKey()
	require.NoError(t, err)
	return &interfaces.KeyMaterial{Key: key, Kind: kind, ContainerName: "test-container"}
}

func TestNewChainValidation(t *testing.T) {
	_, err := NewChain()
	require.Error(t, err)

	_, err = NewChain(nil)
	require.Error(t, err)
}

func TestChainFirstProviderWins(t *testing.T) {
	key := testKey(t, interfaces.KeyKindHardwareIsolated)

	first := &mockProvider{name: "first"}
	first.On("TryGetKey", mock.Anything, mock.Anything).Return(Available(key), nil).Once()
	second := &mockProvider{name: "second"}

	chain, err := NewChain(first, second)
	require.NoError(t, err)

	km, err := chain.GetOrCreateKey(context.Background(), common.DiscardLogger())
	require.NoError(t, err)
	assert.Equal(t, interfaces.KeyKindHardwareIsolated, km.Kind)
	assert.Empty(t, km.Diagnostics)
	assert.Same(t, km, chain.Cached())

	again, err := chain.GetOrCreateKey(context.Background(), common.DiscardLogger())
	require.NoError(t, err)
	assert.Same(t, km, again)

	first.AssertExpectations(t)
	second.AssertNotCalled(t, "TryGetKey", mock.Anything, mock.Anything)
}

func TestChainFallsThroughUnavailableAndFatal(t *testing.T) {
	key := testKey(t, interfaces.KeyKindSoftware)

	isolated := &mockProvider{name: "hardware-isolated"}
	isolated.On("TryGetKey", mock.Anything, mock.Anything).Return(Unavailable("isolation not supported"), nil)
	tpm := &mockProvider{name: "tpm"}
	tpm.On("TryGetKey", mock.Anything, mock.Anything).Return(Result{}, errors.New("tpm exploded"))
	software := &mockProvider{name: "software"}
	software.On("TryGetKey", mock.Anything, mock.Anything).Return(Available(key), nil)

	chain, err := NewChain(isolated, tpm, software)
	require.NoError(t, err)

	km, err := chain.GetOrCreateKey(context.Background(), common.DiscardLogger())
	require.NoError(t, err)
	assert.Equal(t, interfaces.KeyKindSoftware, km.Kind)
	assert.Equal(t, "hardware-isolated: isolation not supported; tpm: tpm exploded", km.Diagnostics)
	// the provider's own KeyMaterial is not mutated
	assert.Empty(t, key.Diagnostics)
}

func TestChainLeafFailureIsNotCached(t *testing.T) {
	key := testKey(t, interfaces.KeyKindSoftware)

	software := &mockProvider{name: "software"}
	software.On("TryGetKey", mock.Anything, mock.Anything).Return(Result{}, errors.New("entropy exhausted")).Once()
	software.On("TryGetKey", mock.Anything, mock.Anything).Return(Available(key), nil).Once()

	chain, err := NewChain(software)
	require.NoError(t, err)

	_, err = chain.GetOrCreateKey(context.Background(), common.DiscardLogger())
	require.Error(t, err)
	require.ErrorIs(t, err, interfaces.ErrKeyProvisioningFailed)
	assert.Nil(t, chain.Cached())

	km, err := chain.GetOrCreateKey(context.Background(), common.DiscardLogger())
	require.NoError(t, err)
	assert.Equal(t, interfaces.KeyKindSoftware, km.Kind)
	software.AssertExpectations(t)
}

func TestChainLeafUnavailable(t *testing.T) {
	only := &mockProvider{name: "tpm"}
	only.On("TryGetKey", mock.Anything, mock.Anything).Return(Unavailable("no TPM device"), nil)

	chain, err := NewChain(only)
	require.NoError(t, err)

	_, err = chain.GetOrCreateKey(context.Background(), common.DiscardLogger())
	require.ErrorIs(t, err, interfaces.ErrKeyProvisioningFailed)
	require.ErrorContains(t, err, "tpm: no TPM device")
}

func TestChainSingleProvisioningUnderContention(t *testing.T) {
	key := testKey(t, interfaces.KeyKindSoftware)

	var mu sync.Mutex
	calls := 0
	provider := &funcProvider{name: "software", fn: func(ctx context.Context) (Result, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		return Available(key), nil
	}}

	chain, err := NewChain(provider)
	require.NoError(t, err)

	const callers = 64
	results := make([]*interfaces.KeyMaterial, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			km, err := chain.GetOrCreateKey(context.Background(), common.DiscardLogger())
			assert.NoError(t, err)
			results[i] = km
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, calls)
	for _, km := range results {
		require.Same(t, results[0], km)
	}
}

func TestChainCancelledBeforeStart(t *testing.T) {
	provider := &mockProvider{name: "software"}

	chain, err := NewChain(provider)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = chain.GetOrCreateKey(ctx, common.DiscardLogger())
	require.ErrorIs(t, err, context.Canceled)
	provider.AssertNotCalled(t, "TryGetKey", mock.Anything, mock.Anything)
}

func TestChainWaiterHonoursDeadline(t *testing.T) {
	key := testKey(t, interfaces.KeyKindSoftware)
	release := make(chan struct{})
	started := make(chan struct{})

	provider := &funcProvider{name: "software", fn: func(ctx context.Context) (Result, error) {
		close(started)
		<-release
		return Available(key), nil
	}}

	chain, err := NewChain(provider)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := chain.GetOrCreateKey(context.Background(), common.DiscardLogger())
		done <- err
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = chain.GetOrCreateKey(ctx, common.DiscardLogger())
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, <-done)
	require.NotNil(t, chain.Cached())
}

func TestChainProviderCancellationPropagates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	first := &funcProvider{name: "tpm", fn: func(ctx context.Context) (Result, error) {
		cancel()
		return Result{}, ctx.Err()
	}}
	second := &mockProvider{name: "software"}

	chain, err := NewChain(first, second)
	require.NoError(t, err)

	_, err = chain.GetOrCreateKey(ctx, common.DiscardLogger())
	require.ErrorIs(t, err, context.Canceled)
	second.AssertNotCalled(t, "TryGetKey", mock.Anything, mock.Anything)
}

// Hardware isolation and TPM are both absent; the software leaf serves the key.
func TestChainFallbackToSoftware(t *testing.T) {
	isolated, err := NewIsolatedProvider(IsolatedProviderOptions{
		ContainerName: "ManagedIdentityCredentialKey",
		Attestation:   unsupportedAttestation{},
		Verifier:      cryptoutils.VerifyDummyKeyBinding,
	})
	require.NoError(t, err)
	tpm := NewTPMProvider(TPMProviderOptions{
		ContainerName: "ManagedIdentityCredentialKey",
		DevicePath:    "/nonexistent/tpmrm0",
	})
	software := NewSoftwareProvider(SoftwareProviderOptions{ContainerName: "ManagedIdentityCredentialKey"})

	chain, err := NewChain(isolated, tpm, software)
	require.NoError(t, err)

	km, err := chain.GetOrCreateKey(context.Background(), common.DiscardLogger())
	require.NoError(t, err)
	assert.Equal(t, interfaces.KeyKindEphemeral, km.Kind)
	assert.Equal(t, "ManagedIdentityCredentialKey", km.ContainerName)
	assert.Contains(t, km.Diagnostics, "hardware-isolated: isolation not supported")
	assert.Contains(t, km.Diagnostics, "tpm: no TPM device at /nonexistent/tpmrm0")
}
