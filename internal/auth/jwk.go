package auth

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"
)

// unmarshalJWK decodes a single JWK into a public key. go-jose handles the
// base64url field decoding and curve selection.
func unmarshalJWK(raw []byte) (any, error) {
	var jwk jose.JSONWebKey
	if err := jwk.UnmarshalJSON(raw); err != nil {
		return nil, err
	}
	if !jwk.Valid() {
		return nil, fmt.Errorf("invalid JWK")
	}
	switch key := jwk.Key.(type) {
	case *rsa.PublicKey:
		if key.N.BitLen() < 2048 {
			return nil, fmt.Errorf("RSA key below 2048 bits")
		}
		return key, nil
	case *ecdsa.PublicKey:
		switch key.Curve.Params().Name {
		case "P-256", "P-384":
			return key, nil
		}
		return nil, fmt.Errorf("unsupported curve %s", key.Curve.Params().Name)
	default:
		return nil, fmt.Errorf("unsupported key type %T", jwk.Key)
	}
}
