package identity

import (
	"crypto/ecdsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/zyra-ai/zyra/internal/models"
)

// Audience is the aud claim of end-user access tokens.
const Audience = "authenticated"

// Claims represents the access token claims issued by the identity provider.
type Claims struct {
	jwt.RegisteredClaims
	Email        string         `json:"email,omitempty"`
	Role         string         `json:"role,omitempty"`
	SessionID    string         `json:"session_id,omitempty"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
	AppMetadata  map[string]any `json:"app_metadata,omitempty"`
}

// ParseAccessToken decodes the claims of an access token without verifying
// its signature. The client only reads identity and expiry hints; the
// backend is responsible for verification.
func ParseAccessToken(token string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("failed to parse access token: %w", err)
	}
	return claims, nil
}

// Identity builds the identity record carried by the claims.
func (c *Claims) Identity() *models.Identity {
	identity := &models.Identity{
		ID:           c.Subject,
		Email:        c.Email,
		UserMetadata: c.UserMetadata,
		AppMetadata:  c.AppMetadata,
	}
	if c.IssuedAt != nil {
		identity.CreatedAt = c.IssuedAt.Time
	}
	return identity
}

// completeSession fills a session's user and expiry from its access token
// when the issuer left them out.
func completeSession(session *models.Session, now time.Time) error {
	if session.User != nil && session.ExpiresAt != 0 {
		return nil
	}

	if session.ExpiresAt == 0 && session.ExpiresIn > 0 {
		session.ExpiresAt = now.Add(time.Duration(session.ExpiresIn) * time.Second).Unix()
	}

	claims, err := ParseAccessToken(session.AccessToken)
	if err != nil {
		if session.User == nil {
			return err
		}
		return nil
	}

	if session.User == nil {
		session.User = claims.Identity()
	}
	if session.ExpiresAt == 0 && claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Unix()
	}

	return nil
}

// signAccessToken creates an ES256 access token for identity.
func signAccessToken(key *ecdsa.PrivateKey, issuer string, identity *models.Identity, sessionID string, now time.Time, ttl time.Duration) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   identity.ID,
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Email:        identity.Email,
		Role:         Audience,
		SessionID:    sessionID,
		UserMetadata: identity.UserMetadata,
		AppMetadata:  identity.AppMetadata,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)

	tokenString, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return tokenString, nil
}
