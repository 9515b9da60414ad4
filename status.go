package iscsi

import (
	"fmt"
)

// LoginStatusCode is the status-class/status-detail pair from a login
// response, packed as class<<8|detail (RFC 3720, section 10.13.5).
// Target-reported codes are passed through verbatim, never
// reinterpreted locally.
type LoginStatusCode uint16

const (
	LoginStatusSuccess LoginStatusCode = 0x0000

	// Class 1 - redirection.
	LoginStatusTargetMovedTemporarily LoginStatusCode = 0x0101
	LoginStatusTargetMovedPermanently LoginStatusCode = 0x0102

	// Class 2 - initiator error.
	LoginStatusInitiatorError            LoginStatusCode = 0x0200
	LoginStatusAuthenticationFailure     LoginStatusCode = 0x0201
	LoginStatusAuthorizationFailure      LoginStatusCode = 0x0202
	LoginStatusTargetNotFound            LoginStatusCode = 0x0203
	LoginStatusTargetRemoved             LoginStatusCode = 0x0204
	LoginStatusUnsupportedVersion        LoginStatusCode = 0x0205
	LoginStatusTooManyConnections        LoginStatusCode = 0x0206
	LoginStatusMissingParameter          LoginStatusCode = 0x0207
	LoginStatusCantIncludeInSession      LoginStatusCode = 0x0208
	LoginStatusSessionTypeUnsupported    LoginStatusCode = 0x0209
	LoginStatusSessionDoesNotExist       LoginStatusCode = 0x020a
	LoginStatusInvalidRequestDuringLogin LoginStatusCode = 0x020b

	// Class 3 - target error.
	LoginStatusTargetError        LoginStatusCode = 0x0300
	LoginStatusServiceUnavailable LoginStatusCode = 0x0301
	LoginStatusOutOfResources     LoginStatusCode = 0x0302
)

// Class returns the status class (high byte).
func (c LoginStatusCode) Class() uint8 { return uint8(c >> 8) }

// Detail returns the status detail (low byte).
func (c LoginStatusCode) Detail() uint8 { return uint8(c) }

// IsRedirect reports whether the code asks the initiator to retry the
// login against a different portal.
func (c LoginStatusCode) IsRedirect() bool { return c.Class() == 1 }

// LogoutStatusCode is the response code from a logout response PDU
// (RFC 3720, section 10.15.1).
type LogoutStatusCode uint8

const (
	LogoutStatusSuccess              LogoutStatusCode = 0
	LogoutStatusCIDNotFound          LogoutStatusCode = 1
	LogoutStatusRecoveryNotSupported LogoutStatusCode = 2
	LogoutStatusCleanupFailed        LogoutStatusCode = 3
)

// LoginError reports a target-supplied login status other than success.
// The status code is carried verbatim so callers can distinguish a
// negotiated rejection from a local fault.
type LoginError struct {
	op     string
	status LoginStatusCode
}

// NewLoginError wraps a non-success login status reported during op.
func NewLoginError(op string, status LoginStatusCode) *LoginError {
	return &LoginError{op: op, status: status}
}

func (err *LoginError) Error() string {
	return fmt.Sprintf("target rejected %s with login status %s", err.op, err.HexCode())
}

// Op returns the operation during which the target reported the status.
func (err *LoginError) Op() string { return err.op }

// Status returns the target-supplied status code.
func (err *LoginError) Status() LoginStatusCode { return err.status }

// HexCode formats the status code the way RFC 3720's tables list it.
func (err *LoginError) HexCode() string {
	return fmt.Sprintf("0x%04X", uint16(err.status))
}
