package cryptoutils

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	tdx_abi "github.com/google/go-tdx-guest/abi"
	tdx_client "github.com/google/go-tdx-guest/client"
	tdx_pb "github.com/google/go-tdx-guest/proto/tdx"
	"github.com/google/go-tdx-guest/verify"
)

var (
	DCAPAttestation = AttestationType{
		OID:      asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 66704, 98645, 1},
		StringID: "qemu-tdx",
	}

	DummyAttestation = AttestationType{
		OID:      asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 66704, 98645, 404},
		StringID: "dummy",
	}
)

// ErrIsolationUnsupported is returned when the host cannot produce isolation evidence.
var ErrIsolationUnsupported = errors.New("virtualization-based isolation is not supported on this host")

type AttestationType struct {
	OID      asn1.ObjectIdentifier
	StringID string
}

func AttestationTypeFromString(str string) (AttestationType, error) {
	switch str {
	case DCAPAttestation.StringID:
		return DCAPAttestation, nil
	case DummyAttestation.StringID:
		return DummyAttestation, nil
	default:
		return AttestationType{}, errors.ErrUnsupported
	}
}

// AttestationProvider produces isolation evidence over caller supplied report data.
type AttestationProvider interface {
	AttestationType() AttestationType
	// IsSupported returns nil when Attest can be expected to succeed on this host.
	IsSupported() error
	Attest(reportData [64]byte) ([]byte, error)
}

// DCAPAttestationProvider produces Intel TDX quotes from inside the guest.
type DCAPAttestationProvider struct{}

func (DCAPAttestationProvider) AttestationType() AttestationType { return DCAPAttestation }

func (DCAPAttestationProvider) IsSupported() error {
	qp := &tdx_client.LinuxConfigFsQuoteProvider{}
	if qp.IsSupported() == nil {
		return nil
	}

	qd, err := tdx_client.OpenDevice()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIsolationUnsupported, err)
	}
	qd.Close()
	return nil
}

func (DCAPAttestationProvider) Attest(reportData [64]byte) ([]byte, error) {
	qp := &tdx_client.LinuxConfigFsQuoteProvider{}
	if qp.IsSupported() == nil {
		return qp.GetRawQuote(reportData)
	}

	qd, err := tdx_client.OpenDevice()
	if err != nil {
		return nil, err
	}
	defer qd.Close()

	return tdx_client.GetRawQuote(qd, reportData)
}

const dummyQuotePrefix = "dummy-quote:"

// DummyAttestationProvider produces unsigned evidence for development hosts and tests.
type DummyAttestationProvider struct{}

func (DummyAttestationProvider) AttestationType() AttestationType { return DummyAttestation }

func (DummyAttestationProvider) IsSupported() error { return nil }

func (DummyAttestationProvider) Attest(reportData [64]byte) ([]byte, error) {
	return []byte(dummyQuotePrefix + hex.EncodeToString(reportData[:])), nil
}

// ReportDataForPublicKey commits pub into quote report data: the SHA-256 of its
// DER SubjectPublicKeyInfo followed by 32 zero bytes.
func ReportDataForPublicKey(pub crypto.PublicKey) ([64]byte, error) {
	var reportData [64]byte
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return reportData, fmt.Errorf("could not marshal public key: %w", err)
	}
	copy(reportData[:], DERPubkeyHash(der))
	return reportData, nil
}

// KeyBindingVerifier checks that quote carries reportData.
type KeyBindingVerifier func(reportData [64]byte, quote []byte) error

// VerifierFor returns the KeyBindingVerifier matching an attestation type.
// verifyCollateral additionally validates the DCAP quote signature chain, which
// requires network access to the collateral service.
func VerifierFor(t AttestationType, verifyCollateral bool) (KeyBindingVerifier, error) {
	switch {
	case t.OID.Equal(DCAPAttestation.OID):
		return func(reportData [64]byte, quote []byte) error {
			return VerifyDCAPKeyBinding(reportData, quote, verifyCollateral)
		}, nil
	case t.OID.Equal(DummyAttestation.OID):
		return VerifyDummyKeyBinding, nil
	default:
		return nil, errors.ErrUnsupported
	}
}

// VerifyDCAPKeyBinding parses a TDX quote and checks its report data.
func VerifyDCAPKeyBinding(reportData [64]byte, report []byte, verifyCollateral bool) error {
	protoQuote, err := tdx_abi.QuoteToProto(report)
	if err != nil {
		return fmt.Errorf("could not parse quote: %w", err)
	}

	v4Quote, ok := protoQuote.(*tdx_pb.QuoteV4)
	if !ok {
		return fmt.Errorf("unsupported quote type: %T", protoQuote)
	}

	if verifyCollateral {
		if err := verify.TdxQuote(protoQuote, verify.DefaultOptions()); err != nil {
			return fmt.Errorf("quote verification failed: %w", err)
		}
	}

	if !bytes.Equal(v4Quote.GetTdQuoteBody().GetReportData(), reportData[:]) {
		return fmt.Errorf("invalid report data %x, expected %x", v4Quote.GetTdQuoteBody().GetReportData(), reportData[:])
	}
	return nil
}

func VerifyDummyKeyBinding(reportData [64]byte, quote []byte) error {
	got, found := strings.CutPrefix(string(quote), dummyQuotePrefix)
	if !found {
		return errors.New("not a dummy quote")
	}
	if got != hex.EncodeToString(reportData[:]) {
		return fmt.Errorf("invalid report data %s, expected %x", got, reportData[:])
	}
	return nil
}
