package keyprovider

import (
	"context"
	"crypto"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
	"github.com/ruteri/managed-identity-credentials/common"
	"github.com/ruteri/managed-identity-credentials/cryptoutils"
	"github.com/ruteri/managed-identity-credentials/interfaces"
)

const (
	DefaultTPMDevice = "/dev/tpmrm0"

	// DefaultPersistentHandle is the owner-hierarchy persistent handle of the
	// credential binding key.
	DefaultPersistentHandle = tpm2.TPMHandle(0x81000A01)
)

// TPMOpener opens a connection to the TPM.
type TPMOpener func() (transport.TPMCloser, error)

type TPMProviderOptions struct {
	ContainerName    string
	DevicePath       string
	PersistentHandle tpm2.TPMHandle

	// Open overrides opening DevicePath.
	Open TPMOpener
	// VerifyProtection defaults to VerifyTPMKeyProtection.
	VerifyProtection func(pub *tpm2.TPMTPublic) error
}

// TPMProvider serves a non-exportable RSA key persisted in the TPM owner
// hierarchy. The key is created on first use.
type TPMProvider struct {
	containerName    string
	devicePath       string
	handle           tpm2.TPMHandle
	open             TPMOpener
	verifyProtection func(pub *tpm2.TPMTPublic) error
}

func NewTPMProvider(opts TPMProviderOptions) *TPMProvider {
	p := &TPMProvider{
		containerName:    opts.ContainerName,
		devicePath:       opts.DevicePath,
		handle:           opts.PersistentHandle,
		open:             opts.Open,
		verifyProtection: opts.VerifyProtection,
	}
	if p.devicePath == "" {
		p.devicePath = DefaultTPMDevice
	}
	if p.handle == 0 {
		p.handle = DefaultPersistentHandle
	}
	if p.verifyProtection == nil {
		p.verifyProtection = VerifyTPMKeyProtection
	}
	return p
}

func (p *TPMProvider) Name() string { return "tpm" }

type tpmKey struct {
	handle tpm2.TPMHandle
	name   tpm2.TPM2BName
	public *tpm2.TPMTPublic
}

func (p *TPMProvider) TryGetKey(ctx context.Context, log *common.Logger) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	open := p.open
	if open == nil {
		if _, err := os.Stat(p.devicePath); err != nil {
			return Unavailable("no TPM device at %s", p.devicePath), nil
		}
		open = func() (transport.TPMCloser, error) { return transport.OpenTPM(p.devicePath) }
	}

	tpm, err := open()
	if err != nil {
		return Unavailable("could not open TPM: %v", err), nil
	}

	key, err := p.loadOrCreate(tpm, log)
	if err != nil {
		tpm.Close()
		return Result{}, err
	}

	if verr := p.verifyProtection(key.public); verr != nil {
		log.WarnPii(fmt.Sprintf("TPM key failed protection check, recreating: %v", verr),
			"TPM key failed protection check, recreating")

		if err := p.evict(tpm, key); err != nil {
			tpm.Close()
			return Result{}, err
		}
		if err := ctx.Err(); err != nil {
			tpm.Close()
			return Result{}, err
		}
		if key, err = p.create(tpm); err != nil {
			tpm.Close()
			return Result{}, err
		}
		if verr := p.verifyProtection(key.public); verr != nil {
			tpm.Close()
			return Unavailable("TPM key failed protection check after recreation: %v", verr), nil
		}
	}

	signer, err := newTPMSigner(tpm, key)
	if err != nil {
		tpm.Close()
		return Result{}, err
	}

	return Available(&interfaces.KeyMaterial{
		Key:           signer,
		Kind:          interfaces.KeyKindTPMBacked,
		ContainerName: p.containerName,
	}), nil
}

func (p *TPMProvider) loadOrCreate(tpm transport.TPM, log *common.Logger) (*tpmKey, error) {
	rp, err := tpm2.ReadPublic{ObjectHandle: p.handle}.Execute(tpm)
	if err == nil {
		pub, err := rp.OutPublic.Contents()
		if err != nil {
			return nil, fmt.Errorf("could not decode persisted TPM key: %w", err)
		}
		return &tpmKey{handle: p.handle, name: rp.Name, public: pub}, nil
	}

	log.Debug("No persisted TPM key, creating one", "handle", fmt.Sprintf("0x%x", uint32(p.handle)))
	return p.create(tpm)
}

func (p *TPMProvider) create(tpm transport.TPM) (*tpmKey, error) {
	rsp, err := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.AuthHandle{
			Handle: tpm2.TPMRHOwner,
			Auth:   tpm2.PasswordAuth(nil),
		},
		InPublic: tpm2.New2B(signingKeyTemplate()),
	}.Execute(tpm)
	if err != nil {
		return nil, fmt.Errorf("could not create TPM key: %w", err)
	}
	defer tpm2.FlushContext{FlushHandle: rsp.ObjectHandle}.Execute(tpm)

	_, err = tpm2.EvictControl{
		Auth: tpm2.TPMRHOwner,
		ObjectHandle: &tpm2.NamedHandle{
			Handle: rsp.ObjectHandle,
			Name:   rsp.Name,
		},
		PersistentHandle: p.handle,
	}.Execute(tpm)
	if err != nil {
		return nil, fmt.Errorf("could not persist TPM key: %w", err)
	}

	pub, err := rsp.OutPublic.Contents()
	if err != nil {
		return nil, fmt.Errorf("could not decode TPM key: %w", err)
	}
	return &tpmKey{handle: p.handle, name: rsp.Name, public: pub}, nil
}

func (p *TPMProvider) evict(tpm transport.TPM, key *tpmKey) error {
	_, err := tpm2.EvictControl{
		Auth: tpm2.TPMRHOwner,
		ObjectHandle: &tpm2.NamedHandle{
			Handle: key.handle,
			Name:   key.name,
		},
		PersistentHandle: key.handle,
	}.Execute(tpm)
	if err != nil {
		return fmt.Errorf("could not evict TPM key: %w", err)
	}
	return nil
}

func signingKeyTemplate() tpm2.TPMTPublic {
	return tpm2.TPMTPublic{
		Type:    tpm2.TPMAlgRSA,
		NameAlg: tpm2.TPMAlgSHA256,
		ObjectAttributes: tpm2.TPMAObject{
			FixedTPM:            true,
			FixedParent:         true,
			SensitiveDataOrigin: true,
			UserWithAuth:        true,
			SignEncrypt:         true,
		},
		Parameters: tpm2.NewTPMUPublicParms(
			tpm2.TPMAlgRSA,
			&tpm2.TPMSRSAParms{
				Symmetric: tpm2.TPMTSymDefObject{Algorithm: tpm2.TPMAlgNull},
				// Null lets the signer pick PKCS#1 v1.5 or PSS per signature.
				Scheme:  tpm2.TPMTRSAScheme{Scheme: tpm2.TPMAlgNull},
				KeyBits: cryptoutils.RSAKeyBits,
			},
		),
		Unique: tpm2.NewTPMUPublicID(
			tpm2.TPMAlgRSA,
			&tpm2.TPM2BPublicKeyRSA{Buffer: make([]byte, cryptoutils.RSAKeyBits/8)},
		),
	}
}

// VerifyTPMKeyProtection checks that a TPM key can never leave the TPM and was
// generated by it.
func VerifyTPMKeyProtection(pub *tpm2.TPMTPublic) error {
	if pub == nil {
		return errors.New("missing public area")
	}
	if pub.Type != tpm2.TPMAlgRSA {
		return fmt.Errorf("unexpected key type 0x%x", uint16(pub.Type))
	}

	attrs := pub.ObjectAttributes
	switch {
	case !attrs.FixedTPM:
		return errors.New("key is duplicable (fixedTPM clear)")
	case !attrs.FixedParent:
		return errors.New("key is duplicable (fixedParent clear)")
	case !attrs.SensitiveDataOrigin:
		return errors.New("key was imported (sensitiveDataOrigin clear)")
	case !attrs.SignEncrypt:
		return errors.New("key cannot sign")
	}
	return nil
}

// tpmSigner signs with a TPM-resident key. Commands are serialized because a
// TPM connection does not support concurrent use.
type tpmSigner struct {
	mu     sync.Mutex
	tpm    transport.TPMCloser
	handle tpm2.TPMHandle
	name   tpm2.TPM2BName
	pub    *rsa.PublicKey
}

func newTPMSigner(tpm transport.TPMCloser, key *tpmKey) (*tpmSigner, error) {
	rsaDetail, err := key.public.Parameters.RSADetail()
	if err != nil {
		return nil, fmt.Errorf("could not read TPM key parameters: %w", err)
	}
	rsaUnique, err := key.public.Unique.RSA()
	if err != nil {
		return nil, fmt.Errorf("could not read TPM key modulus: %w", err)
	}
	pub, err := tpm2.RSAPub(rsaDetail, rsaUnique)
	if err != nil {
		return nil, fmt.Errorf("could not decode TPM public key: %w", err)
	}

	return &tpmSigner{tpm: tpm, handle: key.handle, name: key.name, pub: pub}, nil
}

func (s *tpmSigner) Public() crypto.PublicKey {
	return s.pub
}

func (s *tpmSigner) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	hashAlg, err := tpmHashAlg(opts.HashFunc())
	if err != nil {
		return nil, err
	}
	_, pss := opts.(*rsa.PSSOptions)

	keyHandle := tpm2.AuthHandle{
		Handle: s.handle,
		Name:   s.name,
		Auth:   tpm2.PasswordAuth(nil),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if pss {
		rsp, err := tpm2.Sign{
			KeyHandle: keyHandle,
			Digest:    tpm2.TPM2BDigest{Buffer: digest},
			InScheme: tpm2.TPMTSigScheme{
				Scheme:  tpm2.TPMAlgRSAPSS,
				Details: tpm2.NewTPMUSigScheme(tpm2.TPMAlgRSAPSS, &tpm2.TPMSSchemeHash{HashAlg: hashAlg}),
			},
			Validation: tpm2.TPMTTKHashCheck{Tag: tpm2.TPMSTHashCheck},
		}.Execute(s.tpm)
		if err != nil {
			return nil, fmt.Errorf("TPM RSA-PSS signing failed: %w", err)
		}
		sig, err := rsp.Signature.Signature.RSAPSS()
		if err != nil {
			return nil, fmt.Errorf("could not extract RSA-PSS signature: %w", err)
		}
		return sig.Sig.Buffer, nil
	}

	rsp, err := tpm2.Sign{
		KeyHandle: keyHandle,
		Digest:    tpm2.TPM2BDigest{Buffer: digest},
		InScheme: tpm2.TPMTSigScheme{
			Scheme:  tpm2.TPMAlgRSASSA,
			Details: tpm2.NewTPMUSigScheme(tpm2.TPMAlgRSASSA, &tpm2.TPMSSchemeHash{HashAlg: hashAlg}),
		},
		Validation: tpm2.TPMTTKHashCheck{Tag: tpm2.TPMSTHashCheck},
	}.Execute(s.tpm)
	if err != nil {
		return nil, fmt.Errorf("TPM RSA signing failed: %w", err)
	}
	sig, err := rsp.Signature.Signature.RSASSA()
	if err != nil {
		return nil, fmt.Errorf("could not extract RSA signature: %w", err)
	}
	return sig.Sig.Buffer, nil
}

func (s *tpmSigner) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tpm.Close()
}

func tpmHashAlg(h crypto.Hash) (tpm2.TPMAlgID, error) {
	switch h {
	case crypto.SHA256:
		return tpm2.TPMAlgSHA256, nil
	case crypto.SHA384:
		return tpm2.TPMAlgSHA384, nil
	case crypto.SHA512:
		return tpm2.TPMAlgSHA512, nil
	default:
		return 0, fmt.Errorf("unsupported hash %v for TPM signing", h)
	}
}
