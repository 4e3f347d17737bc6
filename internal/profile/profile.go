// Package profile fetches the application-level user record from the
// backend's /api/me endpoint.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"github.com/zyra-ai/zyra/internal/client"
	"github.com/zyra-ai/zyra/internal/models"
	"github.com/zyra-ai/zyra/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrUnauthorized is returned when the backend does not accept the token.
// It means "no profile", not a failure.
var ErrUnauthorized = errors.New("profile: unauthorized")

const (
	DefaultTimeout    = 3 * time.Second
	DefaultRetryDelay = 200 * time.Millisecond

	maxAttempts = 2
)

// Client calls the Profile Service.
type Client struct {
	baseURL    string
	http       *http.Client
	timeout    time.Duration
	retryDelay time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithRetryDelay sets the fixed delay before the single retry.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) { c.retryDelay = d }
}

func New(baseURL string, httpClient *http.Client, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	c := &Client{
		baseURL:    baseURL,
		http:       httpClient,
		timeout:    DefaultTimeout,
		retryDelay: DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// envelope accepts both {"user": {...}} and a bare profile.
type envelope struct {
	User *models.AppProfile `json:"user"`
	models.AppProfile
}

// Fetch returns the profile for token. A 401 yields ErrUnauthorized without
// retrying; any other failure is retried once after the retry delay.
func (c *Client) Fetch(ctx context.Context, token string) (*models.AppProfile, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "profile.Fetch", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	operation := func() (*models.AppProfile, error) {
		profile, err := c.fetchOnce(ctx, token)
		if errors.Is(err, ErrUnauthorized) {
			return nil, backoff.Permanent(err)
		}
		return profile, err
	}

	profile, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(c.retryDelay)),
		backoff.WithMaxTries(maxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Debug().Err(err).Dur("next", next).Msg("profile fetch failed, retrying")
		}),
	)
	if err != nil {
		if !errors.Is(err, ErrUnauthorized) {
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.Bool("profile.found", false))
		return nil, err
	}

	span.SetAttributes(attribute.Bool("profile.found", true))
	return profile, nil
}

func (c *Client) fetchOnce(ctx context.Context, token string) (*models.AppProfile, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, client.JoinURL(c.baseURL, "/api/me"), nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("profile request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrUnauthorized
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("profile request returned HTTP %d", resp.StatusCode)
	}

	var body envelope
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode profile: %w", err)
	}

	if body.User != nil {
		return body.User, nil
	}
	if body.ID == "" && body.Email == "" {
		return nil, fmt.Errorf("profile response has no user")
	}
	profile := body.AppProfile
	return &profile, nil
}
