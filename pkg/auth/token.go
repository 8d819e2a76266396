package auth

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	_ "crypto/sha256"
	_ "crypto/sha512"
)

var rsaAlgs = map[string]crypto.Hash{
	"RS256": crypto.SHA256,
	"RS384": crypto.SHA384,
	"RS512": crypto.SHA512,
	"PS256": crypto.SHA256,
	"PS384": crypto.SHA384,
	"PS512": crypto.SHA512,
}

var ecAlgs = map[string]crypto.Hash{
	"ES256": crypto.SHA256,
	"ES384": crypto.SHA384,
	"ES512": crypto.SHA512,
}

type keyResolver interface {
	Key(ctx context.Context, kid string) (verificationKey, error)
}

type tokenHeader struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	Typ string `json:"typ"`
}

// verifyToken checks the signature with the key selected by the header kid
// and enforces exp, nbf, iss and aud. The signing algorithm must match the
// key's algorithm.
func verifyToken(ctx context.Context, token string, keys keyResolver, now time.Time, issuer, audience string) (map[string]any, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, errors.New("invalid token format")
	}
	headerRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	payloadRaw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}
	var header tokenHeader
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	key, err := keys.Key(ctx, strings.TrimSpace(header.Kid))
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(header.Alg, key.alg) {
		return nil, fmt.Errorf("token alg %q does not match key alg %q", header.Alg, key.alg)
	}
	if err := verifySignature(key, parts[0]+"."+parts[1], sig); err != nil {
		return nil, err
	}

	dec := json.NewDecoder(strings.NewReader(string(payloadRaw)))
	dec.UseNumber()
	var claims map[string]any
	if err := dec.Decode(&claims); err != nil {
		return nil, fmt.Errorf("decode claims: %w", err)
	}
	exp, ok := numericClaim(claims["exp"])
	if !ok || now.Unix() >= exp {
		return nil, errors.New("token expired")
	}
	if nbf, ok := numericClaim(claims["nbf"]); ok && now.Unix() < nbf {
		return nil, errors.New("token not active")
	}
	if issuer != "" {
		if iss, _ := claims["iss"].(string); iss != issuer {
			return nil, errors.New("issuer mismatch")
		}
	}
	if audience != "" && !audContains(claims["aud"], audience) {
		return nil, errors.New("audience mismatch")
	}
	return claims, nil
}

func verifySignature(key verificationKey, signingInput string, sig []byte) error {
	alg := strings.ToUpper(key.alg)
	if hash, ok := rsaAlgs[alg]; ok {
		pub, ok := key.pub.(*rsa.PublicKey)
		if !ok {
			return errors.New("key type does not match alg")
		}
		h := hash.New()
		h.Write([]byte(signingInput))
		if strings.HasPrefix(alg, "PS") {
			return rsa.VerifyPSS(pub, hash, h.Sum(nil), sig, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
		}
		return rsa.VerifyPKCS1v15(pub, hash, h.Sum(nil), sig)
	}
	if hash, ok := ecAlgs[alg]; ok {
		pub, ok := key.pub.(*ecdsa.PublicKey)
		if !ok {
			return errors.New("key type does not match alg")
		}
		size := (pub.Curve.Params().BitSize + 7) / 8
		if len(sig) != 2*size {
			return errors.New("invalid ecdsa signature length")
		}
		h := hash.New()
		h.Write([]byte(signingInput))
		r := new(big.Int).SetBytes(sig[:size])
		s := new(big.Int).SetBytes(sig[size:])
		if !ecdsa.Verify(pub, h.Sum(nil), r, s) {
			return errors.New("signature mismatch")
		}
		return nil
	}
	return fmt.Errorf("unsupported alg %q", key.alg)
}

func numericClaim(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		if f, err := n.Float64(); err == nil {
			return int64(f), true
		}
	case float64:
		return int64(n), true
	}
	return 0, false
}

func audContains(aud any, expected string) bool {
	switch v := aud.(type) {
	case string:
		return v == expected
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s == expected {
				return true
			}
		}
	}
	return false
}
