package identity

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/zyra-ai/zyra/internal/models"
	"golang.org/x/crypto/bcrypt"
)

const (
	memoryIssuer      = "zyra-memory"
	minPasswordLength = 6
)

type memoryUser struct {
	identity *models.Identity
	hash     []byte
}

// Memory is an in-process identity provider. It backs the offline demo mode
// of the CLI and the session controller tests. Data is lost on restart.
type Memory struct {
	mu sync.Mutex

	users   map[string]*memoryUser // lowercased email -> user
	refresh map[string]string      // refresh token -> lowercased email
	current *models.Session

	key      *ecdsa.PrivateKey
	now      func() time.Time
	tokenTTL time.Duration
	cost     int

	listeners listeners
}

// MemoryOption configures a Memory provider.
type MemoryOption func(*Memory)

// WithMemoryClock overrides the time source used for token issuance and expiry.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// WithTokenTTL sets the access token lifetime.
func WithTokenTTL(ttl time.Duration) MemoryOption {
	return func(m *Memory) { m.tokenTTL = ttl }
}

// WithBcryptCost sets the password hashing cost; tests use bcrypt.MinCost.
func WithBcryptCost(cost int) MemoryOption {
	return func(m *Memory) { m.cost = cost }
}

// NewMemory creates an empty in-memory provider.
func NewMemory(opts ...MemoryOption) (*Memory, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}

	m := &Memory{
		users:    make(map[string]*memoryUser),
		refresh:  make(map[string]string),
		key:      key,
		now:      time.Now,
		tokenTTL: time.Hour,
		cost:     bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(m)
	}

	return m, nil
}

// AddUser registers an account without signing it in.
func (m *Memory) AddUser(email, password string, metadata map[string]any) (*models.Identity, error) {
	if authErr := validateCredentials(email, password); authErr != nil {
		return nil, authErr
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), m.cost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate user id: %w", err)
	}

	identity := &models.Identity{
		ID:           id.String(),
		Email:        email,
		UserMetadata: maps.Clone(metadata),
		AppMetadata:  map[string]any{"provider": "email"},
		CreatedAt:    m.now().UTC(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := strings.ToLower(email)
	if _, exists := m.users[key]; exists {
		return nil, &models.AuthError{Message: "User already registered", Status: http.StatusUnprocessableEntity, Code: "user_already_exists"}
	}
	m.users[key] = &memoryUser{identity: identity, hash: hash}

	log.Debug().Str("email", email).Str("id", identity.ID).Msg("memory user added")

	return identity.Clone(), nil
}

// Restore installs a session as if it had been persisted by a previous run.
// No event is emitted.
func (m *Memory) Restore(session *models.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = session.Clone()
}

// IssueSession signs a fresh session for an existing account without
// changing the current one, the way a backend proxy would.
func (m *Memory) IssueSession(email string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[strings.ToLower(email)]
	if !ok {
		return nil, fmt.Errorf("user %q not found", email)
	}
	return m.issueLocked(user.identity)
}

func (m *Memory) GetSession(ctx context.Context) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return nil, nil
	}
	if m.current.IsExpired(m.now()) {
		log.Debug().Msg("stored session expired")
		m.current = nil
		return nil, nil
	}
	return m.current.Clone(), nil
}

func (m *Memory) SignInWithPassword(ctx context.Context, email, password string) models.AuthResult {
	m.mu.Lock()
	user, ok := m.users[strings.ToLower(email)]
	m.mu.Unlock()

	if !ok || bcrypt.CompareHashAndPassword(user.hash, []byte(password)) != nil {
		return models.AuthResult{Error: &models.AuthError{
			Message: "Invalid login credentials",
			Status:  http.StatusBadRequest,
			Code:    "invalid_credentials",
		}}
	}

	return m.signIn(user.identity)
}

func (m *Memory) SignUp(ctx context.Context, email, password string, metadata map[string]any) models.AuthResult {
	identity, err := m.AddUser(email, password, metadata)
	if err != nil {
		var authErr *models.AuthError
		if errors.As(err, &authErr) {
			return models.AuthResult{Error: authErr}
		}
		return models.Failed(err.Error(), http.StatusInternalServerError)
	}
	return m.signIn(identity)
}

func (m *Memory) SignInWithOAuth(ctx context.Context, provider, redirectTo string) (string, error) {
	return "", ErrOAuthUnsupported
}

func (m *Memory) SetSession(ctx context.Context, session *models.Session) models.AuthResult {
	if session == nil || session.AccessToken == "" {
		return models.Failed("Auth session missing!", http.StatusBadRequest)
	}

	session = session.Clone()
	if err := completeSession(session, m.now()); err != nil {
		return models.Failed(err.Error(), http.StatusBadRequest)
	}

	m.mu.Lock()
	m.current = session
	if session.RefreshToken != "" && session.User != nil {
		m.refresh[session.RefreshToken] = strings.ToLower(session.User.Email)
	}
	m.mu.Unlock()

	m.listeners.emit(Event{Type: EventSignedIn, Session: session})

	return models.Succeeded(session.Clone())
}

func (m *Memory) SignOut(ctx context.Context) *models.AuthError {
	m.mu.Lock()
	if m.current != nil {
		delete(m.refresh, m.current.RefreshToken)
	}
	m.current = nil
	m.mu.Unlock()

	m.listeners.emit(Event{Type: EventSignedOut})

	return nil
}

// RefreshSession rotates the current session's tokens.
func (m *Memory) RefreshSession(ctx context.Context) models.AuthResult {
	m.mu.Lock()
	if m.current == nil {
		m.mu.Unlock()
		return models.Failed(ErrNoSession.Error(), http.StatusUnauthorized)
	}

	email, ok := m.refresh[m.current.RefreshToken]
	user := m.users[email]
	if !ok || user == nil {
		m.mu.Unlock()
		return models.Failed("Invalid Refresh Token", http.StatusBadRequest)
	}
	delete(m.refresh, m.current.RefreshToken)

	session, err := m.issueLocked(user.identity)
	if err != nil {
		m.mu.Unlock()
		return models.Failed(err.Error(), http.StatusInternalServerError)
	}
	m.current = session
	m.mu.Unlock()

	m.listeners.emit(Event{Type: EventTokenRefreshed, Session: session})

	return models.Succeeded(session.Clone())
}

func (m *Memory) Subscribe(fn func(Event)) func() {
	return m.listeners.subscribe(fn)
}

// VerifyAccessToken checks an access token issued by this provider.
// Test profile servers use it to authenticate bearer tokens.
func (m *Memory) VerifyAccessToken(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (any, error) { return &m.key.PublicKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithAudience(Audience),
		jwt.WithIssuer(memoryIssuer),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func (m *Memory) signIn(identity *models.Identity) models.AuthResult {
	m.mu.Lock()
	session, err := m.issueLocked(identity)
	if err != nil {
		m.mu.Unlock()
		return models.Failed(err.Error(), http.StatusInternalServerError)
	}
	m.current = session
	m.mu.Unlock()

	m.listeners.emit(Event{Type: EventSignedIn, Session: session})

	return models.Succeeded(session.Clone())
}

func (m *Memory) issueLocked(identity *models.Identity) (*models.Session, error) {
	now := m.now()

	sessionID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session id: %w", err)
	}

	access, err := signAccessToken(m.key, memoryIssuer, identity, sessionID.String(), now, m.tokenTTL)
	if err != nil {
		return nil, err
	}

	refresh := rand.Text()
	m.refresh[refresh] = strings.ToLower(identity.Email)

	return &models.Session{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int64(m.tokenTTL.Seconds()),
		ExpiresAt:    now.Add(m.tokenTTL).Unix(),
		User:         identity.Clone(),
	}, nil
}

func validateCredentials(email, password string) *models.AuthError {
	if _, err := mail.ParseAddress(email); err != nil || email == "" {
		return &models.AuthError{Message: "Unable to validate email address: invalid format", Status: http.StatusBadRequest, Code: "validation_failed"}
	}
	if len(password) < minPasswordLength {
		return &models.AuthError{
			Message: fmt.Sprintf("Password should be at least %d characters.", minPasswordLength),
			Status:  http.StatusUnprocessableEntity,
			Code:    "weak_password",
		}
	}
	return nil
}
