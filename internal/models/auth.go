package models

import "fmt"

// AuthError is a hard action error reported by the identity provider or the
// backend auth proxy, for example a wrong password. It is returned to callers
// as data and never thrown past the session controller.
type AuthError struct {
	Message string `json:"message"`
	Status  int    `json:"status,omitempty"`
	Code    string `json:"code,omitempty"`
}

func (e *AuthError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (status %d)", e.Message, e.Status)
	}
	return e.Message
}

// AuthData is the payload of a successful sign-in, sign-up or session install.
// Session is nil when sign-up requires email confirmation.
type AuthData struct {
	Session  *Session  `json:"session"`
	Identity *Identity `json:"user"`
}

// AuthResult mirrors the {data, error} shape every auth action returns.
type AuthResult struct {
	Data  AuthData   `json:"data"`
	Error *AuthError `json:"error,omitempty"`
}

// Failed builds an AuthResult carrying only an error.
func Failed(message string, status int) AuthResult {
	return AuthResult{Error: &AuthError{Message: message, Status: status}}
}

// Succeeded builds an AuthResult for a session.
func Succeeded(session *Session) AuthResult {
	result := AuthResult{Data: AuthData{Session: session}}
	if session != nil {
		result.Data.Identity = session.User
	}
	return result
}
