package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned for any missing, malformed, or expired credential.
var ErrUnauthorized = errors.New("unauthorized")

// Verifier resolves a bearer credential to a stable user identifier.
type Verifier interface {
	VerifyCredential(credential string) (string, error)
}

// JWTVerifier validates HS256 bearer tokens minted by the account system.
type JWTVerifier struct {
	signingKey []byte
	issuer     string
}

// NewJWTVerifier wires a JWTVerifier.
func NewJWTVerifier(signingKey []byte, issuer string) (*JWTVerifier, error) {
	if len(signingKey) == 0 {
		return nil, fmt.Errorf("jwt verifier: signing key is required")
	}
	if strings.TrimSpace(issuer) == "" {
		return nil, fmt.Errorf("jwt verifier: issuer is required")
	}
	return &JWTVerifier{signingKey: signingKey, issuer: issuer}, nil
}

// VerifyCredential parses and validates the token and returns its subject.
func (verifier *JWTVerifier) VerifyCredential(credential string) (string, error) {
	token, err := jwt.ParseWithClaims(credential, &jwt.RegisteredClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return verifier.signingKey, nil
	}, jwt.WithIssuer(verifier.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || strings.TrimSpace(claims.Subject) == "" {
		return "", fmt.Errorf("%w: missing subject", ErrUnauthorized)
	}
	return claims.Subject, nil
}

// BearerCredential extracts the credential from an Authorization header value.
func BearerCredential(authorizationHeader string) (string, bool) {
	const bearerPrefix = "Bearer "
	credential, found := strings.CutPrefix(authorizationHeader, bearerPrefix)
	if !found || strings.TrimSpace(credential) == "" {
		return "", false
	}
	return credential, true
}
