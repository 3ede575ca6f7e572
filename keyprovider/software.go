package keyprovider

import (
	"bytes"
	"context"
	"crypto"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
	"github.com/ruteri/managed-identity-credentials/common"
	"github.com/ruteri/managed-identity-credentials/cryptoutils"
	"github.com/ruteri/managed-identity-credentials/interfaces"
)

type SoftwareProviderOptions struct {
	ContainerName string
	// KeyDir is where the key container is persisted. Empty keeps the key in memory.
	KeyDir string
	// GenerateKey defaults to a 2048-bit RSA key.
	GenerateKey func() (crypto.Signer, error)
}

// SoftwareProvider serves a key from a PKCS#8 key file, creating it on first
// use. It never reports Unavailable and is meant to be the leaf of a Chain.
type SoftwareProvider struct {
	containerName string
	keyDir        string
	generateKey   func() (crypto.Signer, error)
}

func NewSoftwareProvider(opts SoftwareProviderOptions) *SoftwareProvider {
	p := &SoftwareProvider{
		containerName: opts.ContainerName,
		keyDir:        opts.KeyDir,
		generateKey:   opts.GenerateKey,
	}
	if p.generateKey == nil {
		p.generateKey = func() (crypto.Signer, error) { return cryptoutils.GenerateRSAKey() }
	}
	return p
}

func (p *SoftwareProvider) Name() string { return "software" }

// KeyPath is the key container file, or empty for in-memory keys.
func (p *SoftwareProvider) KeyPath() string {
	if p.keyDir == "" {
		return ""
	}
	return filepath.Join(p.keyDir, p.containerName+".key")
}

func (p *SoftwareProvider) TryGetKey(ctx context.Context, log *common.Logger) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	path := p.KeyPath()
	if path == "" {
		return p.ephemeral()
	}

	existing, err := p.load(path)
	switch {
	case err == nil:
		log.Debug("Loaded persisted software key")
		return Available(p.material(existing, interfaces.KeyKindSoftware)), nil
	case errors.Is(err, fs.ErrNotExist):
	default:
		log.WarnPii(fmt.Sprintf("Could not load key container %s, replacing it: %v", path, err),
			"Could not load key container, replacing it")
	}

	key, err := p.generateKey()
	if err != nil {
		return Result{}, fmt.Errorf("could not generate software key: %w", err)
	}

	if err := p.persist(path, key); err != nil {
		log.WarnPii(fmt.Sprintf("Could not persist key container %s, keeping key in memory: %v", path, err),
			"Could not persist key container, keeping key in memory")
		return Available(p.material(key, interfaces.KeyKindEphemeral)), nil
	}

	log.Info("Created software key container")
	return Available(p.material(key, interfaces.KeyKindSoftware)), nil
}

func (p *SoftwareProvider) ephemeral() (Result, error) {
	key, err := p.generateKey()
	if err != nil {
		return Result{}, fmt.Errorf("could not generate ephemeral key: %w", err)
	}
	return Available(p.material(key, interfaces.KeyKindEphemeral)), nil
}

func (p *SoftwareProvider) material(key crypto.Signer, kind interfaces.KeyKind) *interfaces.KeyMaterial {
	return &interfaces.KeyMaterial{
		Key:           key,
		Kind:          kind,
		ContainerName: p.containerName,
	}
}

func (p *SoftwareProvider) load(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return cryptoutils.PrivateKeyPEM(data).Signer()
}

func (p *SoftwareProvider) persist(path string, key crypto.Signer) error {
	keyPEM, err := cryptoutils.MarshalPrivateKeyPEM(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("could not create key directory: %w", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(keyPEM)); err != nil {
		return fmt.Errorf("could not write key container: %w", err)
	}
	return os.Chmod(path, 0o600)
}
