package keyprovider

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
	"github.com/ruteri/managed-identity-credentials/common"
	"github.com/stretchr/testify/require"
)

func TestTPMProviderMissingDevice(t *testing.T) {
	p := NewTPMProvider(TPMProviderOptions{DevicePath: "/nonexistent/tpm0"})
	require.Equal(t, "tpm", p.Name())

	res, err := p.TryGetKey(context.Background(), common.DiscardLogger())
	require.NoError(t, err)
	require.False(t, res.Ok())
	require.Contains(t, res.Reason, "no TPM device")
}

func TestTPMProviderOpenFailure(t *testing.T) {
	p := NewTPMProvider(TPMProviderOptions{
		Open: func() (transport.TPMCloser, error) { return nil, errors.New("device busy") },
	})

	res, err := p.TryGetKey(context.Background(), common.DiscardLogger())
	require.NoError(t, err)
	require.False(t, res.Ok())
	require.Contains(t, res.Reason, "device busy")
}

func TestTPMProviderDefaults(t *testing.T) {
	p := NewTPMProvider(TPMProviderOptions{})
	require.Equal(t, DefaultTPMDevice, p.devicePath)
	require.Equal(t, DefaultPersistentHandle, p.handle)
}

func TestVerifyTPMKeyProtection(t *testing.T) {
	template := signingKeyTemplate()
	require.NoError(t, VerifyTPMKeyProtection(&template))
	require.Error(t, VerifyTPMKeyProtection(nil))

	for name, mutate := range map[string]func(*tpm2.TPMTPublic){
		"fixedTPM":            func(p *tpm2.TPMTPublic) { p.ObjectAttributes.FixedTPM = false },
		"fixedParent":         func(p *tpm2.TPMTPublic) { p.ObjectAttributes.FixedParent = false },
		"sensitiveDataOrigin": func(p *tpm2.TPMTPublic) { p.ObjectAttributes.SensitiveDataOrigin = false },
		"cannot sign":         func(p *tpm2.TPMTPublic) { p.ObjectAttributes.SignEncrypt = false },
		"key type":            func(p *tpm2.TPMTPublic) { p.Type = tpm2.TPMAlgECC },
	} {
		t.Run(name, func(t *testing.T) {
			pub := signingKeyTemplate()
			mutate(&pub)
			require.ErrorContains(t, VerifyTPMKeyProtection(&pub), name)
		})
	}
}

func TestTPMHashAlg(t *testing.T) {
	_, err := tpmHashAlg(0)
	require.Error(t, err)
}
