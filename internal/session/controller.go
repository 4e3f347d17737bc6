// Package session implements the controller that owns who is signed in.
//
// The Controller mediates sign-in, sign-up and sign-out against an identity
// provider, keeps the application profile in step with the session, and
// signs the user out after a period of inactivity. All state lives behind
// one mutex; network calls never hold it. Callbacks that complete after
// Stop, or after the session they were started for was replaced, are no-ops.
package session

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/zyra-ai/zyra/internal/client"
	"github.com/zyra-ai/zyra/internal/config"
	"github.com/zyra-ai/zyra/internal/identity"
	"github.com/zyra-ai/zyra/internal/models"
	"github.com/zyra-ai/zyra/internal/notify"
	"github.com/zyra-ai/zyra/internal/profile"
	"github.com/zyra-ai/zyra/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrAlreadyStarted = errors.New("session controller already started")
	ErrStopped        = errors.New("session controller stopped")
)

const backendLogoutTimeout = 5 * time.Second

// ProfileFetcher loads the application profile for a bearer token.
// It returns profile.ErrUnauthorized when the token is not accepted.
type ProfileFetcher interface {
	Fetch(ctx context.Context, token string) (*models.AppProfile, error)
}

// AuthProxy is the backend auth proxy.
type AuthProxy interface {
	Login(ctx context.Context, email, password string) models.AuthResult
	Register(ctx context.Context, email, password, fullName string) models.AuthResult
	Logout(ctx context.Context, token string) error
}

// Config holds the controller settings.
type Config struct {
	// Origin is the application origin used for the OAuth callback URL.
	Origin string
	// SignInPath is where a sign-out redirects to.
	SignInPath string

	InactivityTimeout    time.Duration
	WarningBeforeTimeout time.Duration
	LoadingTimeout       time.Duration
}

// ConfigFromTimings builds a Config from the loaded timing constants.
func ConfigFromTimings(origin string, t config.Timings) Config {
	return Config{
		Origin:               origin,
		InactivityTimeout:    t.InactivityTimeout,
		WarningBeforeTimeout: t.WarningBeforeTimeout,
		LoadingTimeout:       t.LoadingTimeout,
	}
}

func (c Config) withDefaults() Config {
	def := config.DefaultTimings()
	if c.SignInPath == "" {
		c.SignInPath = DefaultSignInPath
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = def.InactivityTimeout
	}
	if c.WarningBeforeTimeout <= 0 || c.WarningBeforeTimeout >= c.InactivityTimeout {
		c.WarningBeforeTimeout = min(def.WarningBeforeTimeout, c.InactivityTimeout/2)
	}
	if c.LoadingTimeout <= 0 {
		c.LoadingTimeout = def.LoadingTimeout
	}
	return c
}

// State is a snapshot of the controller.
type State struct {
	Identity   *models.Identity
	AppProfile *models.AppProfile
	Session    *models.Session

	IsLoading       bool
	IsAuthenticated bool
	IsSigningIn     bool
	IsRegistering   bool
	IsSigningOut    bool

	Inactivity TimerState
}

// Option configures a Controller.
type Option func(*Controller)

func WithClock(clock Clock) Option {
	return func(c *Controller) { c.clock = clock }
}

func WithNotifier(n notify.Notifier) Option {
	return func(c *Controller) { c.notifier = n }
}

func WithNavigator(n notify.Navigator) Option {
	return func(c *Controller) { c.nav = n }
}

// WithAuthProxy enables the *ViaBackend actions.
func WithAuthProxy(p AuthProxy) Option {
	return func(c *Controller) { c.proxy = p }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// Controller is the single source of truth for the signed-in user.
type Controller struct {
	cfg      Config
	provider identity.Provider
	profiles ProfileFetcher
	proxy    AuthProxy
	notifier notify.Notifier
	nav      notify.Navigator
	clock    Clock
	logger   zerolog.Logger
	metrics  *telemetry.Metrics

	mu sync.Mutex

	session  *models.Session
	identity *models.Identity
	profile  *models.AppProfile

	loading     bool
	signingIn   bool
	registering bool
	signingOut  bool

	started bool
	stopped bool
	// epoch changes whenever the signed-in identity changes; profile
	// results for an older epoch are dropped.
	epoch uint64
	// sawEvent is set once a provider event arrives, after which the
	// initial session check no longer writes state.
	sawEvent bool

	timer       *inactivityTimer
	watchdog    Timer
	unsubscribe func()

	subscribers   map[uint64]func(State)
	nextSubscript uint64
	publishMu     sync.Mutex

	ready     chan struct{}
	readyOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a controller. Start must be called before use.
func New(cfg Config, provider identity.Provider, profiles ProfileFetcher, opts ...Option) *Controller {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Controller{
		cfg:         cfg.withDefaults(),
		provider:    provider,
		profiles:    profiles,
		clock:       realClock{},
		logger:      log.Logger,
		metrics:     telemetry.GetMetrics(),
		loading:     true,
		subscribers: make(map[uint64]func(State)),
		ready:       make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.notifier == nil {
		c.notifier = notify.NewTerminal(io.Discard, c.logger)
	}
	if c.nav == nil {
		c.nav = notify.NewLocation("/", io.Discard, c.logger)
	}

	c.timer = newInactivityTimer(c.clock, c.cfg.InactivityTimeout, c.cfg.WarningBeforeTimeout,
		c.onWarningTimer, c.onLogoutTimer)

	return c
}

// Start subscribes to provider changes and runs the initial session check in
// the background. Ready is closed once loading completes, or the loading
// timeout elapses.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.watchdog = c.clock.AfterFunc(c.cfg.LoadingTimeout, c.onLoadingTimeout)
	c.wg.Add(1)
	c.mu.Unlock()

	unsubscribe := c.provider.Subscribe(c.handleEvent)

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		unsubscribe()
		c.wg.Done()
		return ErrStopped
	}
	c.unsubscribe = unsubscribe
	c.mu.Unlock()

	c.logger.Debug().Dur("loadingTimeout", c.cfg.LoadingTimeout).Msg("session controller starting")

	go func() {
		defer c.wg.Done()
		c.initialize(ctx)
	}()

	return nil
}

// Stop tears the controller down: it unsubscribes from the provider, cancels
// all timers and waits for background work. Later callbacks are no-ops.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.timer.detach()
	stopTimer(c.watchdog)
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	c.cancel()
	c.wg.Wait()

	c.logger.Debug().Msg("session controller stopped")
}

// Ready is closed when the initial loading state has ended.
func (c *Controller) Ready() <-chan struct{} {
	return c.ready
}

// State returns a snapshot of the controller state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot()
}

func (c *Controller) snapshot() State {
	return State{
		Identity:        c.identity.Clone(),
		AppProfile:      cloneProfile(c.profile),
		Session:         c.session.Clone(),
		IsLoading:       c.loading,
		IsAuthenticated: c.identity != nil,
		IsSigningIn:     c.signingIn,
		IsRegistering:   c.registering,
		IsSigningOut:    c.signingOut,
		Inactivity:      c.timer.state(),
	}
}

func cloneProfile(p *models.AppProfile) *models.AppProfile {
	if p == nil {
		return nil
	}
	clone := *p
	return &clone
}

// Subscribe registers fn for state changes. fn runs synchronously after the
// change and must not call controller actions from the same goroutine.
func (c *Controller) Subscribe(fn func(State)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextSubscript
	c.nextSubscript++
	c.subscribers[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subscribers, id)
			c.mu.Unlock()
		})
	}
}

// publish delivers the current state to subscribers.
func (c *Controller) publish() {
	c.publishMu.Lock()
	defer c.publishMu.Unlock()

	c.mu.Lock()
	state := c.snapshot()
	fns := make([]func(State), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(state)
	}
}

func (c *Controller) markReady() {
	c.readyOnce.Do(func() { close(c.ready) })
}

// initialize asks the provider for a persisted session.
func (c *Controller) initialize(ctx context.Context) {
	session, err := c.provider.GetSession(ctx)

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}

	var fetchToken string
	switch {
	case c.sawEvent:
		// a provider event already set the state
		c.logger.Debug().Msg("provider event arrived before the session check, keeping it")
	case err != nil:
		c.logger.Warn().Err(err).Msg("failed to restore session, continuing signed out")
		c.setSession(nil)
	default:
		c.setSession(session)
		if session != nil {
			fetchToken = session.AccessToken
		}
	}

	wasLoading := c.loading
	c.loading = false
	stopTimer(c.watchdog)
	epoch := c.epoch
	c.mu.Unlock()

	if wasLoading {
		c.metrics.LoadingCompletedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("source", "session_check")))
	}
	c.logger.Debug().Bool("session", session != nil).Msg("initial session check complete")

	c.markReady()
	c.publish()

	if fetchToken != "" {
		c.fetchInBackground(epoch, fetchToken)
	}
}

func (c *Controller) onLoadingTimeout() {
	c.mu.Lock()
	if c.stopped || !c.loading {
		c.mu.Unlock()
		return
	}
	c.loading = false
	c.mu.Unlock()

	c.metrics.LoadingCompletedTotal.Add(c.ctx, 1, metric.WithAttributes(attribute.String("source", "watchdog")))
	c.logger.Warn().Dur("timeout", c.cfg.LoadingTimeout).Msg("session check did not complete in time")

	c.markReady()
	c.publish()
}

// setSession replaces the session and identity, advancing the epoch when the
// identity changed. Activity tracking follows the identity. Callers hold c.mu.
func (c *Controller) setSession(session *models.Session) {
	var next *models.Identity
	if session != nil {
		next = session.User
	}

	if !sameIdentity(c.identity, next) {
		c.epoch++
		c.profile = nil
	}

	c.session = session
	c.identity = next

	if next == nil {
		c.profile = nil
		c.timer.detach()
		return
	}
	c.timer.attach()
}

func sameIdentity(a, b *models.Identity) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID == b.ID
}

// handleEvent applies an identity provider change notification.
func (c *Controller) handleEvent(ev identity.Event) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}

	c.sawEvent = true
	c.setSession(ev.Session)

	var fetchToken string
	if ev.Type == identity.EventSignedIn && ev.Session != nil && ev.Session.AccessToken != "" {
		fetchToken = ev.Session.AccessToken
	}

	var redirect bool
	if ev.Type == identity.EventSignedOut {
		c.profile = nil
		redirect = !isAuthPath(c.nav.CurrentPath())
	}

	wasLoading := c.loading
	c.loading = false
	stopTimer(c.watchdog)
	epoch := c.epoch
	c.mu.Unlock()

	c.metrics.ProviderEventsTotal.Add(c.ctx, 1, metric.WithAttributes(attribute.String("event", string(ev.Type))))
	c.logger.Debug().Str("event", string(ev.Type)).Bool("session", ev.Session != nil).Msg("identity provider event")

	if wasLoading {
		c.markReady()
	}
	c.publish()

	if fetchToken != "" {
		c.fetchInBackground(epoch, fetchToken)
	}
	if redirect {
		c.nav.Redirect(c.cfg.SignInPath)
	}
}

// fetchInBackground loads the profile for token without blocking the caller.
func (c *Controller) fetchInBackground(epoch uint64, token string) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		profile := c.loadProfile(c.ctx, token)
		if c.applyProfile(epoch, profile) {
			c.publish()
		}
	}()
}

// FetchAppProfile loads and stores the application profile. tokenOverride
// takes precedence over the current session token. Failures leave the
// profile nil; they never surface as errors.
func (c *Controller) FetchAppProfile(ctx context.Context, tokenOverride string) *models.AppProfile {
	c.mu.Lock()
	token := tokenOverride
	if token == "" && c.session != nil {
		token = c.session.AccessToken
	}
	epoch := c.epoch
	c.mu.Unlock()

	profile := c.loadProfile(ctx, token)
	if c.applyProfile(epoch, profile) {
		c.publish()
	}
	return cloneProfile(profile)
}

func (c *Controller) loadProfile(ctx context.Context, token string) *models.AppProfile {
	outcome := "ok"
	started := time.Now()
	defer func() {
		c.metrics.ProfileFetchTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
		if outcome != "skipped" {
			c.metrics.ProfileFetchDuration.Record(ctx, float64(time.Since(started).Milliseconds()))
		}
	}()

	if token == "" || c.profiles == nil {
		outcome = "skipped"
		return nil
	}

	p, err := c.profiles.Fetch(ctx, token)
	switch {
	case errors.Is(err, profile.ErrUnauthorized):
		outcome = "unauthorized"
		c.logger.Debug().Msg("profile service rejected the token, no profile")
		return nil
	case err != nil:
		outcome = "failed"
		c.logger.Warn().Err(err).Msg("profile fetch failed, continuing without profile")
		return nil
	}

	return p
}

// applyProfile stores p if the identity it was fetched for is still signed in.
func (c *Controller) applyProfile(epoch uint64, p *models.AppProfile) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped || epoch != c.epoch {
		return false
	}
	if p != nil && c.session == nil {
		return false
	}
	c.profile = cloneProfile(p)
	return true
}

// SignIn verifies credentials with the identity provider. The provider's
// result is returned unmodified.
func (c *Controller) SignIn(ctx context.Context, email, password string) models.AuthResult {
	c.setFlag(&c.signingIn, true)
	defer c.setFlag(&c.signingIn, false)

	result := c.provider.SignInWithPassword(ctx, email, password)
	c.metrics.SignInTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome(result.Error))))

	return result
}

// SignUp registers a new account, passing displayName as profile metadata.
func (c *Controller) SignUp(ctx context.Context, email, password, displayName string) models.AuthResult {
	c.setFlag(&c.registering, true)
	defer c.setFlag(&c.registering, false)

	result := c.provider.SignUp(ctx, email, password, map[string]any{"full_name": displayName})
	c.metrics.SignUpTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome(result.Error))))

	return result
}

// SignInWithOAuth starts a provider hosted OAuth flow and redirects to it.
func (c *Controller) SignInWithOAuth(ctx context.Context, provider string) *models.AuthError {
	redirectTo := client.JoinURL(c.cfg.Origin, CallbackPath)

	authURL, err := c.provider.SignInWithOAuth(ctx, provider, redirectTo)
	if err != nil {
		c.logger.Warn().Err(err).Str("provider", provider).Msg("failed to start oauth flow")
		return &models.AuthError{Message: err.Error(), Status: http.StatusBadRequest}
	}

	c.nav.Redirect(authURL)
	return nil
}

// SignOut signs out with the identity provider. Clearing state and
// redirecting happen in the provider event that follows.
func (c *Controller) SignOut(ctx context.Context) *models.AuthError {
	c.setFlag(&c.signingOut, true)
	defer c.setFlag(&c.signingOut, false)

	authErr := c.provider.SignOut(ctx)
	c.metrics.SignOutTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome(authErr))))

	return authErr
}

// LoginViaBackend signs in through the backend auth proxy and installs the
// returned session locally.
func (c *Controller) LoginViaBackend(ctx context.Context, email, password string) models.AuthResult {
	if c.proxy == nil {
		return models.Failed("backend auth proxy is not configured", 0)
	}

	c.setFlag(&c.signingIn, true)
	defer c.setFlag(&c.signingIn, false)

	result := c.installProxied(ctx, c.proxy.Login(ctx, email, password))
	c.metrics.SignInTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome(result.Error)), attribute.Bool("backend", true)))

	return result
}

// RegisterViaBackend registers through the backend auth proxy and installs
// the returned session, if any, locally.
func (c *Controller) RegisterViaBackend(ctx context.Context, email, password, fullName string) models.AuthResult {
	if c.proxy == nil {
		return models.Failed("backend auth proxy is not configured", 0)
	}

	c.setFlag(&c.registering, true)
	defer c.setFlag(&c.registering, false)

	result := c.installProxied(ctx, c.proxy.Register(ctx, email, password, fullName))
	c.metrics.SignUpTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome(result.Error)), attribute.Bool("backend", true)))

	return result
}

// installProxied hands a proxied session to the identity provider so its
// change event drives the rest of the flow.
func (c *Controller) installProxied(ctx context.Context, result models.AuthResult) models.AuthResult {
	if result.Error != nil || result.Data.Session == nil {
		return result
	}

	session := result.Data.Session.Clone()
	if session.User == nil {
		session.User = result.Data.Identity.Clone()
	}

	installed := c.provider.SetSession(ctx, session)
	if installed.Error != nil {
		c.logger.Warn().Str("error", installed.Error.Message).Msg("failed to install proxied session")
		return installed
	}

	return result
}

// LogoutViaBackend notifies the backend without waiting for it and signs out
// locally straight away.
func (c *Controller) LogoutViaBackend(ctx context.Context) *models.AuthError {
	c.mu.Lock()
	var token string
	if c.session != nil {
		token = c.session.AccessToken
	}
	notifyBackend := c.proxy != nil && token != "" && !c.stopped
	if notifyBackend {
		c.wg.Add(1)
	}
	c.mu.Unlock()

	if notifyBackend {
		go func() {
			defer c.wg.Done()
			// outlives Stop so a short-lived process still delivers it
			ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), backendLogoutTimeout)
			defer cancel()
			if err := c.proxy.Logout(ctx, token); err != nil {
				c.logger.Debug().Err(err).Msg("backend logout notification failed")
			}
		}()
	}

	return c.SignOut(ctx)
}

// RecordActivity feeds a user interaction to the inactivity timer. The first
// qualifying event after authenticating arms the timers; later ones reset them.
func (c *Controller) RecordActivity(kind ActivityKind) {
	if !kind.Qualifies() {
		return
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	before := c.timer.state()
	accepted := c.timer.record()
	after := c.timer.state()
	c.mu.Unlock()

	if accepted && before != after {
		c.logger.Debug().Str("kind", string(kind)).Stringer("state", after).Msg("inactivity timer armed")
		c.publish()
	}
}

// Navigate moves to an in-app path.
func (c *Controller) Navigate(path string) {
	c.nav.Redirect(path)
}

func (c *Controller) onWarningTimer(cycle uint64) {
	c.mu.Lock()
	if c.stopped || !c.timer.current(cycle) || !c.timer.warn() {
		c.mu.Unlock()
		return
	}
	remaining := c.timer.deadline.Sub(c.clock.Now())
	c.mu.Unlock()

	c.metrics.InactivityWarningsTotal.Add(c.ctx, 1)
	c.logger.Info().Dur("remaining", remaining).Msg("session expiring due to inactivity")

	c.publish()
	c.notifier.SessionExpiring(remaining)
}

func (c *Controller) onLogoutTimer(cycle uint64) {
	c.mu.Lock()
	if c.stopped || !c.timer.current(cycle) {
		c.mu.Unlock()
		return
	}
	c.timer.expire()

	location := c.nav.CurrentPath()
	suppressed := isPasswordResetPath(location)
	if suppressed {
		c.timer.suppress()
	}
	c.mu.Unlock()

	c.metrics.InactivityLogoutsTotal.Add(c.ctx, 1, metric.WithAttributes(attribute.Bool("suppressed", suppressed)))

	if suppressed {
		c.logger.Info().Str("path", pathOnly(location)).Msg("inactivity logout suppressed during password reset")
		c.publish()
		return
	}

	c.logger.Info().Msg("signing out after inactivity")
	c.publish()

	if authErr := c.SignOut(c.ctx); authErr != nil {
		c.logger.Warn().Str("error", authErr.Message).Msg("inactivity sign-out failed")
	}

	// No sign-out event arrived, so the identity is still installed. Release
	// the expired cycle so the next activity arms the timers again.
	c.mu.Lock()
	stillSignedIn := c.identity != nil && !c.stopped
	if stillSignedIn {
		c.timer.suppress()
	}
	c.mu.Unlock()

	if stillSignedIn {
		c.logger.Warn().Msg("provider kept the session after inactivity sign-out")
		c.publish()
		return
	}
	c.notifier.SessionExpired()
}

func (c *Controller) setFlag(flag *bool, value bool) {
	c.mu.Lock()
	*flag = value
	c.mu.Unlock()
	c.publish()
}

func outcome(err *models.AuthError) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
