package auth

import (
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
)

// TokenVerifier verifies HS256 access tokens minted by the external
// token-issuing collaborator. Bundl never mints or blacklists tokens itself.
type TokenVerifier struct {
	secret []byte
}

// NewTokenVerifier creates a TokenVerifier over the shared HMAC secret.
func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret)}
}

// accessClaims is the subset of standard JWT claims Bundl relies on.
type accessClaims struct {
	jwt.Claims
}

// Verify checks the token's signature and expiry and returns the subject
// user ID and the claims' JWT ID (for blacklist lookups).
func (v *TokenVerifier) Verify(raw string) (userID uuid.UUID, jti string, err error) {
	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("parsing token: %w", err)
	}

	var claims accessClaims
	if err := tok.Claims(v.secret, &claims); err != nil {
		return uuid.Nil, "", fmt.Errorf("verifying token signature: %w", err)
	}

	if err := claims.Validate(jwt.Expected{Time: time.Now()}); err != nil {
		return uuid.Nil, "", fmt.Errorf("validating token claims: %w", err)
	}

	if claims.Subject == "" {
		return uuid.Nil, "", fmt.Errorf("token missing subject claim")
	}

	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("parsing subject as user id: %w", err)
	}

	return id, claims.ID, nil
}
