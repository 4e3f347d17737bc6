package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/zyra-ai/zyra"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Auth action metrics, attribute "outcome" is ok or error
	SignInTotal  metric.Int64Counter
	SignUpTotal  metric.Int64Counter
	SignOutTotal metric.Int64Counter

	// Provider change notifications, attribute "event"
	ProviderEventsTotal metric.Int64Counter

	// Profile fetch metrics, attribute "outcome" is ok, unauthorized, failed or skipped
	ProfileFetchTotal    metric.Int64Counter
	ProfileFetchDuration metric.Float64Histogram

	// Inactivity metrics
	InactivityWarningsTotal metric.Int64Counter
	InactivityLogoutsTotal  metric.Int64Counter

	// Startup metrics, attribute "source" is session_check or watchdog
	LoadingCompletedTotal metric.Int64Counter

	// Token refresh metrics
	TokenRefreshTotal metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

// initMetrics creates and registers all metric instruments
func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	m.SignInTotal, _ = meter.Int64Counter(
		"zyra.auth.sign_in.total",
		metric.WithDescription("Total number of sign-in attempts"),
		metric.WithUnit("{attempt}"),
	)

	m.SignUpTotal, _ = meter.Int64Counter(
		"zyra.auth.sign_up.total",
		metric.WithDescription("Total number of registration attempts"),
		metric.WithUnit("{attempt}"),
	)

	m.SignOutTotal, _ = meter.Int64Counter(
		"zyra.auth.sign_out.total",
		metric.WithDescription("Total number of sign-out calls"),
		metric.WithUnit("{call}"),
	)

	m.ProviderEventsTotal, _ = meter.Int64Counter(
		"zyra.auth.provider_events.total",
		metric.WithDescription("Total number of identity provider change notifications handled"),
		metric.WithUnit("{event}"),
	)

	m.ProfileFetchTotal, _ = meter.Int64Counter(
		"zyra.profile.fetch.total",
		metric.WithDescription("Total number of app profile fetches by outcome"),
		metric.WithUnit("{fetch}"),
	)

	m.ProfileFetchDuration, _ = meter.Float64Histogram(
		"zyra.profile.fetch.duration",
		metric.WithDescription("Duration of app profile fetches including the retry"),
		metric.WithUnit("ms"),
	)

	m.InactivityWarningsTotal, _ = meter.Int64Counter(
		"zyra.inactivity.warnings.total",
		metric.WithDescription("Total number of session expiring warnings shown"),
		metric.WithUnit("{warning}"),
	)

	m.InactivityLogoutsTotal, _ = meter.Int64Counter(
		"zyra.inactivity.logouts.total",
		metric.WithDescription("Total number of inactivity logout timer firings"),
		metric.WithUnit("{logout}"),
	)

	m.LoadingCompletedTotal, _ = meter.Int64Counter(
		"zyra.session.loading_completed.total",
		metric.WithDescription("Total number of initial loading completions by source"),
		metric.WithUnit("{completion}"),
	)

	m.TokenRefreshTotal, _ = meter.Int64Counter(
		"zyra.auth.token_refresh.total",
		metric.WithDescription("Total number of access token refresh attempts"),
		metric.WithUnit("{refresh}"),
	)

	return m
}
