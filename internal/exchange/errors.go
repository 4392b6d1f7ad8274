package exchange

import (
	"fmt"
	"strings"
)

// ErrorKind classifies token-exchange failures.
type ErrorKind string

const (
	KindExchangeFailed ErrorKind = "TOKEN_EXCHANGE_FAILED"
	KindTimeout        ErrorKind = "TOKEN_EXCHANGE_TIMEOUT"
	KindConfigInvalid  ErrorKind = "TOKEN_EXCHANGE_CONFIG_INVALID"
)

// Error wraps an exchange failure. OAuthError and Description preserve the
// IDP's response verbatim for the audit trail; Sanitized strips them down to
// something safe to echo to clients.
type Error struct {
	Kind        ErrorKind
	OAuthError  string // IDP "error" field, e.g. "invalid_grant"
	Description string // IDP "error_description", unredacted
	Err         error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.OAuthError != "" {
		msg += ": " + e.OAuthError
	}
	if e.Description != "" {
		msg += ": " + e.Description
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether a caller may reasonably retry the exchange.
func (e *Error) Retryable() bool { return e.Kind == KindTimeout }

// Sanitized returns a user-facing message with control characters stripped
// and the description truncated.
func (e *Error) Sanitized() string {
	msg := "token exchange failed"
	if e.OAuthError != "" {
		msg = fmt.Sprintf("token exchange failed (%s)", sanitize(e.OAuthError, 50))
	}
	return msg
}

func sanitize(s string, maxBytes int) string {
	var b strings.Builder
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
		if b.Len() >= maxBytes {
			break
		}
	}
	return b.String()
}
