package models

import (
	"time"
)

// Session is a bearer credential issued by the identity provider.
// The JSON layout matches the token response of GoTrue compatible auth APIs.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresIn    int64     `json:"expires_in,omitempty"` // seconds
	ExpiresAt    int64     `json:"expires_at,omitempty"` // unix seconds
	User         *Identity `json:"user,omitempty"`
}

// Expiry returns the expiry time of the access token, or the zero time if unknown.
func (s *Session) Expiry() time.Time {
	if s == nil || s.ExpiresAt == 0 {
		return time.Time{}
	}
	return time.Unix(s.ExpiresAt, 0)
}

// IsExpired returns true if the session has a known expiry that has passed.
func (s *Session) IsExpired(now time.Time) bool {
	expiry := s.Expiry()
	return !expiry.IsZero() && !now.Before(expiry)
}

// ExpiresWithin returns true if the session expires before now+d.
func (s *Session) ExpiresWithin(now time.Time, d time.Duration) bool {
	expiry := s.Expiry()
	return !expiry.IsZero() && now.Add(d).After(expiry)
}

// Clone returns a deep copy so callers can't mutate provider owned state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	clone := *s
	clone.User = s.User.Clone()
	return &clone
}
