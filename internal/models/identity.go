package models

import (
	"maps"
	"time"
)

// Identity is the identity provider's account record.
// It is replaced wholesale whenever the provider pushes a new session.
type Identity struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"` // OAuth profile fields, full_name etc.
	AppMetadata  map[string]any `json:"app_metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at,omitzero"`
}

// Provider returns the provider the identity signed in with ("email", "google", ...).
func (i *Identity) Provider() string {
	if i == nil {
		return ""
	}
	provider, _ := i.AppMetadata["provider"].(string)
	return provider
}

// FullName returns the display name stored in the user metadata.
func (i *Identity) FullName() string {
	if i == nil {
		return ""
	}
	for _, key := range []string{"full_name", "name"} {
		if name, ok := i.UserMetadata[key].(string); ok && name != "" {
			return name
		}
	}
	return ""
}

func (i *Identity) Clone() *Identity {
	if i == nil {
		return nil
	}
	clone := *i
	clone.UserMetadata = maps.Clone(i.UserMetadata)
	clone.AppMetadata = maps.Clone(i.AppMetadata)
	return &clone
}
