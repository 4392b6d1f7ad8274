package auth

import (
	"errors"
	"fmt"
)

// ErrorKind classifies authentication and authorization failures for HTTP
// mapping at the transport edge.
type ErrorKind string

const (
	KindInvalidToken        ErrorKind = "INVALID_TOKEN"
	KindUnknownIssuer       ErrorKind = "UNKNOWN_ISSUER"
	KindInvalidSignature    ErrorKind = "INVALID_SIGNATURE"
	KindDisallowedAlgorithm ErrorKind = "DISALLOWED_ALGORITHM"
	KindExpired             ErrorKind = "EXPIRED"
	KindNotYetValid         ErrorKind = "NOT_YET_VALID"
	KindInvalidAudience     ErrorKind = "INVALID_AUDIENCE"
	KindUnknownKey          ErrorKind = "UNKNOWN_KEY"
	KindJWKSUnavailable     ErrorKind = "JWKS_UNAVAILABLE"
	KindSessionRejected     ErrorKind = "SESSION_REJECTED"
	KindAuthorizationFailed ErrorKind = "AUTHORIZATION_FAILED"
)

// Error carries a failure kind plus a short detail string that is safe to
// echo to clients. The wrapped cause may contain more but is only logged.
type Error struct {
	Kind   ErrorKind
	Detail string
	Meta   map[string]string
	Err    error
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an Error with an optional wrapped cause.
func NewError(kind ErrorKind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// KindOf extracts the ErrorKind from err, or INVALID_TOKEN when err is not
// an auth error.
func KindOf(err error) ErrorKind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInvalidToken
}
