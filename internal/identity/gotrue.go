package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zyra-ai/zyra/internal/client"
	"github.com/zyra-ai/zyra/internal/models"
	"github.com/zyra-ai/zyra/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
)

// GoTrueConfig configures the hosted identity provider client.
type GoTrueConfig struct {
	// URL is the auth API base, e.g. https://<project>.supabase.co/auth/v1.
	URL     string
	AnonKey string

	HTTPClient *http.Client
	// SettingsClient fetches the public /settings document; a caching client
	// is expected. When nil, OAuth providers are not validated up front.
	SettingsClient *http.Client

	Storage SessionStorage

	// RefreshMargin is how long before expiry a session is refreshed.
	RefreshMargin time.Duration

	Now func() time.Time
}

// GoTrue is a Provider backed by a GoTrue compatible auth API.
type GoTrue struct {
	cfg GoTrueConfig

	// refreshMu serializes refreshes so a refresh token is only spent once.
	refreshMu sync.Mutex

	listeners listeners
}

// NewGoTrue validates cfg and creates the provider.
func NewGoTrue(cfg GoTrueConfig) (*GoTrue, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("auth URL is required")
	}
	if cfg.Storage == nil {
		return nil, fmt.Errorf("session storage is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.RefreshMargin <= 0 {
		cfg.RefreshMargin = 60 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &GoTrue{cfg: cfg}, nil
}

// apiError is the error body shape of GoTrue; older and newer releases use different keys.
type apiError struct {
	Msg              string `json:"msg"`
	Message          string `json:"message"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	ErrorCode        string `json:"error_code"`
}

func (e apiError) toAuthError(status int) *models.AuthError {
	authErr := &models.AuthError{Status: status, Code: e.ErrorCode}
	for _, msg := range []string{e.Msg, e.ErrorDescription, e.Message, e.Error} {
		if msg != "" {
			authErr.Message = msg
			break
		}
	}
	if authErr.Message == "" {
		authErr.Message = http.StatusText(status)
	}
	if authErr.Code == "" {
		authErr.Code = e.Error
	}
	return authErr
}

// do performs an API call. Non-2xx responses are returned as *models.AuthError.
func (g *GoTrue) do(ctx context.Context, method, path string, query url.Values, bearer string, body, out any) error {
	ctx, span := telemetry.Tracer().Start(ctx, "gotrue "+path, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	endpoint := client.JoinURL(g.cfg.URL, path)
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.cfg.AnonKey != "" {
		req.Header.Set("apikey", g.cfg.AnonKey)
	}
	if bearer == "" {
		bearer = g.cfg.AnonKey
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := g.cfg.HTTPClient.Do(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("auth request failed: %w", err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr apiError
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&apiErr)
		authErr := apiErr.toAuthError(resp.StatusCode)
		span.SetStatus(codes.Error, authErr.Message)
		return authErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode auth response: %w", err)
	}
	return nil
}

// toResult converts a call error into the {data, error} shape.
func toResult(err error) models.AuthResult {
	var authErr *models.AuthError
	if errors.As(err, &authErr) {
		return models.AuthResult{Error: authErr}
	}
	return models.AuthResult{Error: &models.AuthError{Message: err.Error(), Code: "network_error"}}
}

// install completes, persists and announces a session.
func (g *GoTrue) install(session *models.Session, event EventType) error {
	if err := completeSession(session, g.cfg.Now()); err != nil {
		return err
	}
	if err := g.cfg.Storage.Save(session); err != nil {
		return err
	}
	g.listeners.emit(Event{Type: event, Session: session})
	return nil
}

func (g *GoTrue) GetSession(ctx context.Context) (*models.Session, error) {
	session, err := g.cfg.Storage.Load()
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, nil
	}

	if !session.ExpiresWithin(g.cfg.Now(), g.cfg.RefreshMargin) {
		return session, nil
	}

	log.Debug().Time("expiry", session.Expiry()).Msg("stored session needs refresh")

	refreshed, err := g.RefreshSession(ctx)
	if err != nil {
		return nil, err
	}
	return refreshed, nil
}

func (g *GoTrue) SignInWithPassword(ctx context.Context, email, password string) models.AuthResult {
	var session models.Session
	err := g.do(ctx, http.MethodPost, "/token", url.Values{"grant_type": {"password"}}, "",
		map[string]string{"email": email, "password": password}, &session)
	if err != nil {
		return toResult(err)
	}

	if err := g.install(&session, EventSignedIn); err != nil {
		return toResult(err)
	}

	return models.Succeeded(session.Clone())
}

func (g *GoTrue) SignUp(ctx context.Context, email, password string, metadata map[string]any) models.AuthResult {
	var raw json.RawMessage
	err := g.do(ctx, http.MethodPost, "/signup", nil, "",
		map[string]any{"email": email, "password": password, "data": metadata}, &raw)
	if err != nil {
		return toResult(err)
	}

	var session models.Session
	if err := json.Unmarshal(raw, &session); err == nil && session.AccessToken != "" {
		if err := g.install(&session, EventSignedIn); err != nil {
			return toResult(err)
		}
		return models.Succeeded(session.Clone())
	}

	// Email confirmation pending: the API returns the user without a session.
	var user models.Identity
	if err := json.Unmarshal(raw, &user); err != nil {
		return toResult(fmt.Errorf("failed to decode sign-up response: %w", err))
	}
	return models.AuthResult{Data: models.AuthData{Identity: &user}}
}

// settings is the subset of /settings used to validate OAuth providers.
type settings struct {
	External map[string]bool `json:"external"`
}

func (g *GoTrue) providerEnabled(ctx context.Context, provider string) (bool, error) {
	if g.cfg.SettingsClient == nil {
		return true, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, client.JoinURL(g.cfg.URL, "/settings"), nil)
	if err != nil {
		return false, err
	}
	if g.cfg.AnonKey != "" {
		req.Header.Set("apikey", g.cfg.AnonKey)
	}

	resp, err := g.cfg.SettingsClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to fetch auth settings: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("auth settings returned HTTP %d", resp.StatusCode)
	}

	var s settings
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return false, fmt.Errorf("failed to decode auth settings: %w", err)
	}

	return s.External[strings.ToLower(provider)], nil
}

// SignInWithOAuth starts a PKCE authorization code flow. The verifier is kept
// in storage until ExchangeCodeForSession completes the flow.
func (g *GoTrue) SignInWithOAuth(ctx context.Context, provider, redirectTo string) (string, error) {
	enabled, err := g.providerEnabled(ctx, provider)
	if err != nil {
		return "", err
	}
	if !enabled {
		return "", fmt.Errorf("%w: %s", ErrProviderDisabled, provider)
	}

	config := &oauth2.Config{
		Endpoint: oauth2.Endpoint{
			AuthURL: client.JoinURL(g.cfg.URL, "/authorize"),
		},
		RedirectURL: redirectTo,
	}

	verifier := oauth2.GenerateVerifier()
	if err := g.cfg.Storage.SaveVerifier(verifier); err != nil {
		return "", fmt.Errorf("failed to save code verifier: %w", err)
	}

	authURL := config.AuthCodeURL("",
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("provider", provider),
		oauth2.SetAuthURLParam("redirect_to", redirectTo),
	)

	log.Debug().Str("provider", provider).Str("redirectTo", redirectTo).Msg("oauth flow started")

	return authURL, nil
}

// ExchangeCodeForSession completes an OAuth flow from the /auth/callback code.
func (g *GoTrue) ExchangeCodeForSession(ctx context.Context, code string) models.AuthResult {
	verifier, err := g.cfg.Storage.LoadVerifier()
	if err != nil {
		return toResult(err)
	}
	if verifier == "" {
		return toResult(ErrNoCodeVerifier)
	}

	var session models.Session
	err = g.do(ctx, http.MethodPost, "/token", url.Values{"grant_type": {"pkce"}}, "",
		map[string]string{"auth_code": code, "code_verifier": verifier}, &session)
	if err != nil {
		return toResult(err)
	}

	if err := g.cfg.Storage.SaveVerifier(""); err != nil {
		log.Warn().Err(err).Msg("failed to clear code verifier")
	}

	if err := g.install(&session, EventSignedIn); err != nil {
		return toResult(err)
	}

	return models.Succeeded(session.Clone())
}

func (g *GoTrue) SetSession(ctx context.Context, session *models.Session) models.AuthResult {
	if session == nil || session.AccessToken == "" {
		return models.Failed("Auth session missing!", http.StatusBadRequest)
	}

	session = session.Clone()
	if err := g.install(session, EventSignedIn); err != nil {
		return toResult(err)
	}

	return models.Succeeded(session.Clone())
}

// SignOut revokes the session upstream and always clears it locally.
// A session the server no longer knows is not an error.
func (g *GoTrue) SignOut(ctx context.Context) *models.AuthError {
	session, err := g.cfg.Storage.Load()
	if err != nil {
		log.Warn().Err(err).Msg("failed to load session for sign-out")
	}

	var result *models.AuthError
	if session != nil && session.AccessToken != "" {
		err := g.do(ctx, http.MethodPost, "/logout", url.Values{"scope": {"local"}}, session.AccessToken, nil, nil)
		var authErr *models.AuthError
		switch {
		case err == nil:
		case errors.As(err, &authErr) && (authErr.Status == http.StatusUnauthorized ||
			authErr.Status == http.StatusForbidden || authErr.Status == http.StatusNotFound):
			log.Debug().Int("status", authErr.Status).Msg("session already revoked upstream")
		default:
			result = toResult(err).Error
		}
	}

	if err := g.cfg.Storage.Clear(); err != nil {
		log.Warn().Err(err).Msg("failed to clear stored session")
	}

	g.listeners.emit(Event{Type: EventSignedOut})

	return result
}

func (g *GoTrue) Subscribe(fn func(Event)) func() {
	return g.listeners.subscribe(fn)
}
