package session

import "strings"

// DefaultSignInPath is where a forced sign-out sends the user.
const DefaultSignInPath = "/auth"

// CallbackPath receives the OAuth redirect.
const CallbackPath = "/auth/callback"

// pathOnly drops the query and fragment from a location.
func pathOnly(location string) string {
	if i := strings.IndexAny(location, "?#"); i >= 0 {
		location = location[:i]
	}
	if location == "" {
		return "/"
	}
	return location
}

// isPasswordResetPath reports whether location is part of the password
// reset flow. Inactivity logout never fires there.
func isPasswordResetPath(location string) bool {
	p := pathOnly(location)
	return strings.HasPrefix(p, "/reset-password") || strings.HasPrefix(p, "/forgot-password")
}

// isAuthPath reports whether location is an auth page or the root, where a
// sign-out does not redirect to the sign-in page.
func isAuthPath(location string) bool {
	p := pathOnly(location)
	return p == "/" || strings.HasPrefix(p, "/auth") || isPasswordResetPath(p)
}
