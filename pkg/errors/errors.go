package errors

import (
	"errors"
)

type Code string

const (
	CodeInvalidCredentials       Code = "invalid_credentials"
	CodeCodeRejected             Code = "code_rejected"
	CodeMalformedCode            Code = "malformed_code"
	CodeVerifierUnavailable      Code = "verifier_unavailable"
	CodeTransientFailure         Code = "transient_failure"
	CodeReauthenticationRequired Code = "reauthentication_required"
	CodeNotInitialized           Code = "not_initialized"
)

const (
	CodeUnknown            Code = "unknown"
	CodeStorageUnavailable Code = "storage_unavailable"
)

var ErrMissingVerifier = errors.New("adminauth: credential verifier is required")

type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	if e.Message != "" {
		return e.Message
	}

	if e.Err != nil {
		return e.Err.Error()
	}

	return string(e.Code)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

func Wrap(code Code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

func IsCode(err error, code Code) bool {
	var typed *Error
	if !errors.As(err, &typed) {
		return false
	}
	return typed.Code == code
}

// IsRetryable reports whether the caller may re-invoke the failed operation
// with the same inputs and reasonably expect it to succeed.
func IsRetryable(err error) bool {
	return IsCode(err, CodeVerifierUnavailable) || IsCode(err, CodeTransientFailure)
}

// IsTerminal reports whether the session was torn down and the caller must
// restart at login.
func IsTerminal(err error) bool {
	return IsCode(err, CodeReauthenticationRequired)
}
