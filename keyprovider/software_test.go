package keyprovider

import (
	"context"
	"crypto"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ruteri/managed-identity-credentials/common"
	"github.com/ruteri/managed-identity-credentials/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSoftwareProviderEphemeral(t *testing.T) {
	p := NewSoftwareProvider(SoftwareProviderOptions{ContainerName: "mi"})
	require.Empty(t, p.KeyPath())

	res, err := p.TryGetKey(context.Background(), common.DiscardLogger())
	require.NoError(t, err)
	require.True(t, res.Ok())
	assert.Equal(t, interfaces.KeyKindEphemeral, res.Key.Kind)
	assert.Equal(t, "mi", res.Key.ContainerName)
}

func TestSoftwareProviderPersistsAndReloads(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")
	p := NewSoftwareProvider(SoftwareProviderOptions{ContainerName: "mi", KeyDir: dir})
	require.Equal(t, filepath.Join(dir, "mi.key"), p.KeyPath())

	first, err := p.TryGetKey(context.Background(), common.DiscardLogger())
	require.NoError(t, err)
	require.True(t, first.Ok())
	assert.Equal(t, interfaces.KeyKindSoftware, first.Key.Kind)

	info, err := os.Stat(p.KeyPath())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := NewSoftwareProvider(SoftwareProviderOptions{ContainerName: "mi", KeyDir: dir}).
		TryGetKey(context.Background(), common.DiscardLogger())
	require.NoError(t, err)
	require.True(t, second.Ok())

	pub := first.Key.Public().(interface{ Equal(crypto.PublicKey) bool })
	assert.True(t, pub.Equal(second.Key.Public()))
}

func TestSoftwareProviderReplacesCorruptContainer(t *testing.T) {
	dir := t.TempDir()
	p := NewSoftwareProvider(SoftwareProviderOptions{ContainerName: "mi", KeyDir: dir})
	require.NoError(t, os.WriteFile(p.KeyPath(), []byte("garbage"), 0o600))

	res, err := p.TryGetKey(context.Background(), common.DiscardLogger())
	require.NoError(t, err)
	require.True(t, res.Ok())
	assert.Equal(t, interfaces.KeyKindSoftware, res.Key.Kind)

	data, err := os.ReadFile(p.KeyPath())
	require.NoError(t, err)
	assert.Contains(t, string(data), "BEGIN PRIVATE KEY")
}

func TestSoftwareProviderFallsBackToMemory(t *testing.T) {
	// A regular file where the key directory should be makes persistence fail.
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))

	p := NewSoftwareProvider(SoftwareProviderOptions{ContainerName: "mi", KeyDir: filepath.Join(blocker, "keys")})
	res, err := p.TryGetKey(context.Background(), common.DiscardLogger())
	require.NoError(t, err)
	require.True(t, res.Ok())
	assert.Equal(t, interfaces.KeyKindEphemeral, res.Key.Kind)
}

func TestSoftwareProviderGenerationFailure(t *testing.T) {
	p := NewSoftwareProvider(SoftwareProviderOptions{
		GenerateKey: func() (crypto.Signer, error) { return nil, errors.New("no entropy") },
	})
	_, err := p.TryGetKey(context.Background(), common.DiscardLogger())
	require.ErrorContains(t, err, "no entropy")
}
