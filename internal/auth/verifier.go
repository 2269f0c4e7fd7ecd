package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Robor-Electronics/lwgsm/internal/config"
)

// Supported signing algorithms.
const (
	AlgorithmHS256 = "HS256"
	AlgorithmRS256 = "RS256"
)

// ErrInvalidToken is returned for any token that fails verification.
var ErrInvalidToken = errors.New("auth: invalid token")

// VerifierConfig holds the key material for one algorithm.
type VerifierConfig struct {
	Algorithm    string
	SecretKey    string // HS256
	PublicKeyPEM string // RS256
}

// Verifier checks JWT signatures and extracts claims.
type Verifier struct {
	config    VerifierConfig
	publicKey *rsa.PublicKey
}

// NewVerifier creates a verifier for config.Algorithm.
func NewVerifier(config VerifierConfig) (*Verifier, error) {
	v := &Verifier{config: config}
	switch config.Algorithm {
	case AlgorithmRS256:
		key, err := parsePublicKeyPEM(config.PublicKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("load RS256 public key: %w", err)
		}
		v.publicKey = key
	case AlgorithmHS256:
		if config.SecretKey == "" {
			return nil, fmt.Errorf("HS256 requires a secret key")
		}
	default:
		return nil, fmt.Errorf("unsupported algorithm: %q", config.Algorithm)
	}
	return v, nil
}

// NewVerifierFromConfig builds the verifier selected by cfg. It returns nil
// without error when authentication is disabled. A public key file wins over
// an HMAC secret.
func NewVerifierFromConfig(cfg config.AuthConfig) (*Verifier, error) {
	switch {
	case cfg.PublicKeyFile != "":
		data, err := os.ReadFile(cfg.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read public key: %w", err)
		}
		return NewVerifier(VerifierConfig{Algorithm: AlgorithmRS256, PublicKeyPEM: string(data)})
	case cfg.HMACSecret != "":
		return NewVerifier(VerifierConfig{Algorithm: AlgorithmHS256, SecretKey: cfg.HMACSecret})
	default:
		return nil, nil
	}
}

// Algorithm returns the signing algorithm accepted by v.
func (v *Verifier) Algorithm() string {
	return v.config.Algorithm
}

// VerifyToken checks the signature and expiry of tokenString and returns
// its claims.
func (v *Verifier) VerifyToken(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("empty token: %w", ErrInvalidToken)
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, v.keyFunc,
		jwt.WithValidMethods([]string{v.config.Algorithm}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return extractClaims(claims)
}

func (v *Verifier) keyFunc(token *jwt.Token) (any, error) {
	switch v.config.Algorithm {
	case AlgorithmRS256:
		return v.publicKey, nil
	case AlgorithmHS256:
		return []byte(v.config.SecretKey), nil
	default:
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
}

func extractClaims(claims jwt.MapClaims) (*Claims, error) {
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("missing 'sub' claim: %w", ErrInvalidToken)
	}
	roles, err := stringSlice(claims, "roles")
	if err != nil {
		return nil, err
	}
	scopes, err := stringSlice(claims, "scopes")
	if err != nil {
		return nil, err
	}
	if !allKnown(roles, RoleViewer, RoleController) {
		return nil, fmt.Errorf("invalid roles %v: %w", roles, ErrInvalidToken)
	}
	if !allKnown(scopes, ScopeRead, ScopeControl, ScopeTelemetry) {
		return nil, fmt.Errorf("invalid scopes %v: %w", scopes, ErrInvalidToken)
	}
	return &Claims{Subject: sub, Roles: roles, Scopes: scopes}, nil
}

func stringSlice(claims jwt.MapClaims, key string) ([]string, error) {
	value, ok := claims[key]
	if !ok {
		return nil, fmt.Errorf("missing %q claim: %w", key, ErrInvalidToken)
	}
	switch val := value.(type) {
	case []string:
		return val, nil
	case []any:
		out := make([]string, len(val))
		for i, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%q claim holds a non-string: %w", key, ErrInvalidToken)
			}
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%q claim is not a string array: %w", key, ErrInvalidToken)
	}
}

// allKnown reports whether values is non-empty and only holds known items.
func allKnown(values []string, known ...string) bool {
	if len(values) == 0 {
		return false
	}
	for _, v := range values {
		found := false
		for _, k := range known {
			if v == k {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func parsePublicKeyPEM(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}
	return rsaPub, nil
}
