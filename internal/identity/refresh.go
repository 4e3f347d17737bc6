package identity

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"github.com/zyra-ai/zyra/internal/models"
	"github.com/zyra-ai/zyra/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	minRefreshRetry = 5 * time.Second
	maxRefreshRetry = 2 * time.Minute
)

// RefreshSession exchanges the stored refresh token for a new session and
// announces it with EventTokenRefreshed. Transient failures are retried with
// exponential backoff while the session is still usable; a rejected refresh
// token, or running out of time, signs the session out.
func (g *GoTrue) RefreshSession(ctx context.Context) (*models.Session, error) {
	g.refreshMu.Lock()
	defer g.refreshMu.Unlock()

	current, err := g.cfg.Storage.Load()
	if err != nil {
		return nil, err
	}
	if current == nil || current.RefreshToken == "" {
		return nil, ErrNoSession
	}

	now := g.cfg.Now()
	maxElapsed := min(max(current.Expiry().Sub(now), minRefreshRetry), maxRefreshRetry)

	operation := func() (*models.Session, error) {
		var session models.Session
		err := g.do(ctx, http.MethodPost, "/token", url.Values{"grant_type": {"refresh_token"}}, "",
			map[string]string{"refresh_token": current.RefreshToken}, &session)
		if err != nil {
			var authErr *models.AuthError
			if errors.As(err, &authErr) && authErr.Status < 500 && authErr.Status != http.StatusTooManyRequests {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return &session, nil
	}

	session, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(maxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Debug().Err(err).Dur("next", next).Msg("token refresh failed, retrying")
		}),
	)

	metrics := telemetry.GetMetrics()

	if err != nil {
		metrics.TokenRefreshTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "error")))

		var authErr *models.AuthError
		rejected := errors.As(err, &authErr) && authErr.Status < 500
		if rejected || current.IsExpired(g.cfg.Now()) {
			log.Warn().Err(err).Msg("session could not be refreshed, signing out")
			if clearErr := g.cfg.Storage.Clear(); clearErr != nil {
				log.Warn().Err(clearErr).Msg("failed to clear stored session")
			}
			g.listeners.emit(Event{Type: EventSignedOut})
		}
		return nil, err
	}

	metrics.TokenRefreshTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "ok")))

	if err := g.install(session, EventTokenRefreshed); err != nil {
		return nil, err
	}

	return session.Clone(), nil
}

// AutoRefresh refreshes the stored session whenever it gets within the
// refresh margin of expiry. It blocks until ctx is done.
func (g *GoTrue) AutoRefresh(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.refreshIfDue(ctx)
		}
	}
}

func (g *GoTrue) refreshIfDue(ctx context.Context) {
	session, err := g.cfg.Storage.Load()
	if err != nil {
		log.Warn().Err(err).Msg("failed to load session for refresh")
		return
	}
	if session == nil || !session.ExpiresWithin(g.cfg.Now(), g.cfg.RefreshMargin) {
		return
	}

	if _, err := g.RefreshSession(ctx); err != nil {
		log.Warn().Err(err).Msg("automatic token refresh failed")
	}
}
