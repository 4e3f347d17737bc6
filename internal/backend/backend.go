// Package backend proxies sign-in, registration and sign-out through the
// application's own API instead of calling the identity provider directly.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/zyra-ai/zyra/internal/client"
	"github.com/zyra-ai/zyra/internal/models"
	"github.com/zyra-ai/zyra/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Client calls /api/auth/* on the application backend.
type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: baseURL, http: httpClient}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"fullName"`
}

// authResponse is {data: {session, user}} or {error}. The backend sends the
// error either as a string or as an object with a message.
type authResponse struct {
	Data  models.AuthData `json:"data"`
	Error json.RawMessage `json:"error"`
}

// Login proxies a password sign-in.
func (c *Client) Login(ctx context.Context, email, password string) models.AuthResult {
	return c.post(ctx, "/api/auth/login", loginRequest{Email: email, Password: password})
}

// Register proxies a sign-up.
func (c *Client) Register(ctx context.Context, email, password, fullName string) models.AuthResult {
	return c.post(ctx, "/api/auth/register", registerRequest{Email: email, Password: password, FullName: fullName})
}

// Logout tells the backend the session is ending. The response is ignored;
// only transport failures are reported.
func (c *Client) Logout(ctx context.Context, token string) error {
	ctx, span := telemetry.Tracer().Start(ctx, "backend /api/auth/logout", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, client.JoinURL(c.baseURL, "/api/auth/logout"), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("logout request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	return nil
}

func (c *Client) post(ctx context.Context, path string, body any) models.AuthResult {
	ctx, span := telemetry.Tracer().Start(ctx, "backend "+path, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	data, err := json.Marshal(body)
	if err != nil {
		return networkError(fmt.Errorf("failed to marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, client.JoinURL(c.baseURL, path), bytes.NewReader(data))
	if err != nil {
		return networkError(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return networkError(fmt.Errorf("auth proxy request failed: %w", err))
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	var decoded authResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&decoded); err != nil {
		if resp.StatusCode >= 300 {
			return models.Failed(http.StatusText(resp.StatusCode), resp.StatusCode)
		}
		return networkError(fmt.Errorf("failed to decode auth proxy response: %w", err))
	}

	if authErr := decodeError(decoded.Error, resp.StatusCode); authErr != nil {
		return models.AuthResult{Error: authErr}
	}
	if resp.StatusCode >= 300 {
		return models.Failed(http.StatusText(resp.StatusCode), resp.StatusCode)
	}

	if decoded.Data.Session != nil && decoded.Data.Session.User == nil {
		decoded.Data.Session.User = decoded.Data.Identity
	}
	if decoded.Data.Identity == nil && decoded.Data.Session != nil {
		decoded.Data.Identity = decoded.Data.Session.User
	}

	log.Debug().Str("path", path).Bool("session", decoded.Data.Session != nil).Msg("auth proxy call succeeded")

	return models.AuthResult{Data: decoded.Data}
}

func decodeError(raw json.RawMessage, status int) *models.AuthError {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}

	var message string
	if err := json.Unmarshal(raw, &message); err == nil {
		return &models.AuthError{Message: message, Status: status}
	}

	var authErr models.AuthError
	if err := json.Unmarshal(raw, &authErr); err == nil && authErr.Message != "" {
		if authErr.Status == 0 {
			authErr.Status = status
		}
		return &authErr
	}

	return &models.AuthError{Message: string(raw), Status: status}
}

func networkError(err error) models.AuthResult {
	return models.AuthResult{Error: &models.AuthError{Message: err.Error(), Code: "network_error"}}
}
