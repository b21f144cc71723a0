package storeauth

import (
	"errors"
	"fmt"
)

// Code is a machine-readable classification for a failed auth operation.
type Code string

const (
	// CodeUnknown is the catch-all; the original cause is wrapped and logged.
	CodeUnknown Code = "UNKNOWN"

	// CodeInvalidInput means local validation rejected the input before any
	// network call was made.
	CodeInvalidInput Code = "INVALID_INPUT"

	// CodeInvalidCredentials means the gateway explicitly rejected the
	// presented credentials.
	CodeInvalidCredentials Code = "INVALID_CREDENTIALS"

	// CodeConfiguration means the identity provider rejected the redirect
	// target; the error message names the expected value.
	CodeConfiguration Code = "CONFIGURATION_ERROR"

	// CodeUserCancelled means the user backed out of an interactive flow.
	// It is a terminal outcome, not a failure to surface.
	CodeUserCancelled Code = "USER_CANCELLED"

	// CodeIdentityUnresolvable means platform sign-in could not supply an
	// email address and no cached identity profile exists.
	CodeIdentityUnresolvable Code = "IDENTITY_UNRESOLVABLE"
)

// Sentinel outcomes reported by SystemBrowser and SSOProvider
// implementations; the orchestrator folds them into CodeUserCancelled.
var (
	ErrUserCancelled = errors.New("user cancelled the authentication flow")
	ErrFlowDismissed = errors.New("authentication flow was dismissed")
)

// Error carries one taxonomy code plus the wrapped cause. Orchestrator
// operations never let a lower-level error escape without one.
type Error struct {
	Code    Code
	Message string

	// ExpectedRedirect is set on CodeConfiguration errors so an operator can
	// fix the identity-provider application settings.
	ExpectedRedirect string

	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func wrapError(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the taxonomy code from err, defaulting to CodeUnknown.
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeUnknown
}

// IsUserCancelled reports whether err is a cancellation outcome. Callers must
// treat it as a non-event, never as an error banner.
func IsUserCancelled(err error) bool {
	if errors.Is(err, ErrUserCancelled) || errors.Is(err, ErrFlowDismissed) {
		return true
	}
	var ae *Error
	return errors.As(err, &ae) && ae.Code == CodeUserCancelled
}
