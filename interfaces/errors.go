package interfaces

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is the machine-readable classification of a ManagedIdentityError.
type ErrorCode string

const (
	ErrCodeKeyProvisioningFailed     ErrorCode = "key_provisioning_failed"
	ErrCodeCertificateConstruction   ErrorCode = "certificate_construction_failed"
	ErrCodeTransportFailed           ErrorCode = "credential_request_transport_failed"
	ErrCodeEndpointUnreachable       ErrorCode = "identity_endpoint_unreachable"
	ErrCodeRequestRejected           ErrorCode = "credential_request_rejected"
	ErrCodeCredentialResponseInvalid ErrorCode = "credential_response_invalid"
)

// ManagedIdentityError is the error type surfaced by the credential service.
type ManagedIdentityError struct {
	Code    ErrorCode
	Message string
	// StatusCode is the HTTP status of the identity endpoint, when one was received.
	StatusCode int
	Err        error
}

// NewError creates a ManagedIdentityError wrapping err.
func NewError(code ErrorCode, message string, err error) *ManagedIdentityError {
	return &ManagedIdentityError{Code: code, Message: message, Err: err}
}

func (e *ManagedIdentityError) Error() string {
	msg := string(e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ManagedIdentityError) Unwrap() error { return e.Err }

// Is matches any ManagedIdentityError with the same code.
func (e *ManagedIdentityError) Is(target error) bool {
	t, ok := target.(*ManagedIdentityError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Retryable reports whether repeating the request may succeed.
func (e *ManagedIdentityError) Retryable() bool {
	switch e.Code {
	case ErrCodeTransportFailed, ErrCodeEndpointUnreachable:
		return true
	case ErrCodeRequestRejected:
		return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
	default:
		return false
	}
}

var (
	ErrKeyProvisioningFailed     = &ManagedIdentityError{Code: ErrCodeKeyProvisioningFailed}
	ErrCertificateConstruction   = &ManagedIdentityError{Code: ErrCodeCertificateConstruction}
	ErrTransportFailed           = &ManagedIdentityError{Code: ErrCodeTransportFailed}
	ErrEndpointUnreachable       = &ManagedIdentityError{Code: ErrCodeEndpointUnreachable}
	ErrRequestRejected           = &ManagedIdentityError{Code: ErrCodeRequestRejected}
	ErrCredentialResponseInvalid = &ManagedIdentityError{Code: ErrCodeCredentialResponseInvalid}
)

// ErrorCodeOf returns the code of the first ManagedIdentityError in err's chain.
func ErrorCodeOf(err error) (ErrorCode, bool) {
	var mie *ManagedIdentityError
	if errors.As(err, &mie) {
		return mie.Code, true
	}
	return "", false
}
