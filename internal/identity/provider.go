// Package identity talks to the external identity provider: credential
// verification, session issuance and persistence, OAuth, and the
// asynchronous change notifications the session controller subscribes to.
package identity

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/zyra-ai/zyra/internal/models"
)

// Sentinel errors
var (
	// ErrOAuthUnsupported is returned by providers without an OAuth flow.
	ErrOAuthUnsupported = errors.New("oauth sign-in not supported by this provider")

	// ErrProviderDisabled is returned when the OAuth provider is not enabled upstream.
	ErrProviderDisabled = errors.New("oauth provider not enabled")

	// ErrNoCodeVerifier is returned when an OAuth callback arrives without a pending PKCE flow.
	ErrNoCodeVerifier = errors.New("no pending oauth flow")

	// ErrNoSession is returned when an operation needs a session and there is none.
	ErrNoSession = errors.New("auth session missing")
)

// EventType names an identity provider change notification.
type EventType string

const (
	EventInitialSession EventType = "INITIAL_SESSION"
	EventSignedIn       EventType = "SIGNED_IN"
	EventSignedOut      EventType = "SIGNED_OUT"
	EventTokenRefreshed EventType = "TOKEN_REFRESHED"
	EventUserUpdated    EventType = "USER_UPDATED"
)

// Event is pushed to subscribers whenever the provider's session changes.
// Session is nil for EventSignedOut.
type Event struct {
	Type    EventType
	Session *models.Session
}

// Provider is the identity provider as seen by the session controller.
//
// Action errors (wrong password, duplicate account) are returned as data in
// models.AuthResult. Subscribers are invoked synchronously, before the call
// that caused the change returns.
type Provider interface {
	GetSession(ctx context.Context) (*models.Session, error)
	SignInWithPassword(ctx context.Context, email, password string) models.AuthResult
	SignUp(ctx context.Context, email, password string, metadata map[string]any) models.AuthResult
	// SignInWithOAuth returns the provider-hosted authorization URL to redirect to.
	SignInWithOAuth(ctx context.Context, provider, redirectTo string) (string, error)
	// SetSession installs a session obtained elsewhere, e.g. through the backend proxy.
	SetSession(ctx context.Context, session *models.Session) models.AuthResult
	SignOut(ctx context.Context) *models.AuthError
	Subscribe(fn func(Event)) (unsubscribe func())
}

type subscriber struct {
	id int
	fn func(Event)
}

// listeners fans events out to subscribers in subscription order.
type listeners struct {
	mu   sync.Mutex
	next int
	subs []subscriber
}

func (l *listeners) subscribe(fn func(Event)) func() {
	l.mu.Lock()
	l.next++
	id := l.next
	l.subs = append(l.subs, subscriber{id: id, fn: fn})
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.subs = slices.DeleteFunc(l.subs, func(s subscriber) bool { return s.id == id })
		})
	}
}

// emit must be called without holding provider locks; subscribers may call back in.
func (l *listeners) emit(ev Event) {
	l.mu.Lock()
	subs := slices.Clone(l.subs)
	l.mu.Unlock()

	for _, s := range subs {
		s.fn(Event{Type: ev.Type, Session: ev.Session.Clone()})
	}
}
