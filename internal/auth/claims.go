package auth

import (
	"strings"
	"time"
)

// Claims is the decoded payload of a validated subject token. Standard
// claims are lifted into typed fields; everything else stays in Raw for
// downstream code to read with explicit type checks. AccessToken retains the
// compact form so delegation can use it as the RFC 8693 subject token.
type Claims struct {
	Issuer    string
	Subject   string
	Audience  []string
	ExpiresAt time.Time
	IssuedAt  time.Time
	NotBefore time.Time
	ID        string // jti

	Raw         map[string]any
	AccessToken string
}

// String reads a custom claim as a string.
func (c *Claims) String(key string) (string, bool) {
	if c == nil || c.Raw == nil {
		return "", false
	}
	s, ok := c.Raw[key].(string)
	return s, ok
}

// StringList reads a custom claim that may be a single string or an array
// of strings. Non-string array members are skipped.
func (c *Claims) StringList(key string) []string {
	if c == nil || c.Raw == nil {
		return nil
	}
	switch v := c.Raw[key].(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Scopes splits the space-separated OAuth "scope" claim.
func (c *Claims) Scopes() []string {
	s, ok := c.String("scope")
	if !ok || s == "" {
		return nil
	}
	return strings.Fields(s)
}

// HasAudience reports whether aud contains the expected audience.
func (c *Claims) HasAudience(expected string) bool {
	for _, a := range c.Audience {
		if a == expected {
			return true
		}
	}
	return false
}
