package config

import "errors"

var (
	// ErrConfigFileNotFound indicates the config file was not found.
	ErrConfigFileNotFound = errors.New("configuration file not found")

	// ErrInvalidConfigFormat indicates the config file could not be parsed.
	ErrInvalidConfigFormat = errors.New("invalid configuration file format")

	// ErrNoTrustedIDPs indicates the auth subtree declares no identity
	// providers.
	ErrNoTrustedIDPs = errors.New("auth.trustedIDPs must declare at least one provider")

	// ErrInsecureURL indicates a jwks_uri or token_endpoint uses plain HTTP.
	ErrInsecureURL = errors.New("URL must use https")

	// ErrDisallowedAlgorithm indicates a configured algorithm is symmetric,
	// unsigned, or otherwise outside the supported set.
	ErrDisallowedAlgorithm = errors.New("algorithm not supported")
)
