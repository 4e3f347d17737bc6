package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zyra-ai/zyra/internal/identity"
	"github.com/zyra-ai/zyra/internal/models"
	"github.com/zyra-ai/zyra/internal/profile"
	"golang.org/x/crypto/bcrypt"
)

const (
	testEmail    = "ada@example.com"
	testPassword = "s3cret-pass"
)

type recordingNotifier struct {
	mu       sync.Mutex
	expiring []time.Duration
	expired  int
}

func (n *recordingNotifier) SessionExpiring(remaining time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.expiring = append(n.expiring, remaining)
}

func (n *recordingNotifier) SessionExpired() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.expired++
}

func (n *recordingNotifier) counts() (int, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.expiring), n.expired
}

type recordingNavigator struct {
	mu        sync.Mutex
	path      string
	redirects []string
}

func (n *recordingNavigator) CurrentPath() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.path
}

func (n *recordingNavigator) Redirect(target string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.redirects = append(n.redirects, target)
	if len(target) > 0 && target[0] == '/' {
		n.path = target
	}
}

func (n *recordingNavigator) redirected() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.redirects...)
}

// stubProfiles returns a profile for any token unless fn overrides it.
type stubProfiles struct {
	mu     sync.Mutex
	tokens []string
	fn     func(ctx context.Context, token string) (*models.AppProfile, error)
}

func (s *stubProfiles) Fetch(ctx context.Context, token string) (*models.AppProfile, error) {
	s.mu.Lock()
	s.tokens = append(s.tokens, token)
	fn := s.fn
	s.mu.Unlock()

	if fn != nil {
		return fn(ctx, token)
	}
	return &models.AppProfile{ID: "profile-1", Email: testEmail, FullName: "Ada", Role: "user", Plan: models.PlanPro}, nil
}

func (s *stubProfiles) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tokens...)
}

// blockingProvider holds GetSession until released, standing in for a
// session check that hangs.
type blockingProvider struct {
	*identity.Memory
	release chan struct{}
}

func (p *blockingProvider) GetSession(ctx context.Context) (*models.Session, error) {
	select {
	case <-p.release:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type failingProvider struct {
	*identity.Memory
}

func (p *failingProvider) GetSession(ctx context.Context) (*models.Session, error) {
	return nil, errors.New("storage corrupted")
}

type oauthProvider struct {
	*identity.Memory
	redirectTo string
}

func (p *oauthProvider) SignInWithOAuth(ctx context.Context, provider, redirectTo string) (string, error) {
	p.redirectTo = redirectTo
	return "https://auth.zyra.test/authorize?provider=" + provider, nil
}

type harness struct {
	t        *testing.T
	clock    *fakeClock
	memory   *identity.Memory
	profiles *stubProfiles
	notifier *recordingNotifier
	nav      *recordingNavigator
	ctrl     *Controller
}

func newMemoryProvider(t *testing.T) *identity.Memory {
	t.Helper()
	m, err := identity.NewMemory(identity.WithBcryptCost(bcrypt.MinCost))
	require.NoError(t, err)
	return m
}

// newHarness builds an unstarted controller over an in-memory provider.
// wrap, if set, replaces the provider seen by the controller.
func newHarness(t *testing.T, wrap func(*identity.Memory) identity.Provider, opts ...Option) *harness {
	t.Helper()

	h := &harness{
		t:        t,
		clock:    newFakeClock(),
		memory:   newMemoryProvider(t),
		profiles: &stubProfiles{},
		notifier: &recordingNotifier{},
		nav:      &recordingNavigator{path: "/dashboard"},
	}

	var provider identity.Provider = h.memory
	if wrap != nil {
		provider = wrap(h.memory)
	}

	cfg := Config{
		Origin:               "https://app.zyra.test",
		InactivityTimeout:    30 * time.Minute,
		WarningBeforeTimeout: 5 * time.Minute,
		LoadingTimeout:       5 * time.Second,
	}

	opts = append([]Option{
		WithClock(h.clock),
		WithNotifier(h.notifier),
		WithNavigator(h.nav),
		WithLogger(zerolog.Nop()),
	}, opts...)

	h.ctrl = New(cfg, provider, h.profiles, opts...)
	t.Cleanup(h.ctrl.Stop)

	return h
}

// restoreSession persists a session for testEmail as a previous run would have.
func (h *harness) restoreSession() *models.Session {
	h.t.Helper()
	_, err := h.memory.AddUser(testEmail, testPassword, map[string]any{"full_name": "Ada"})
	require.NoError(h.t, err)
	session, err := h.memory.IssueSession(testEmail)
	require.NoError(h.t, err)
	h.memory.Restore(session)
	return session
}

func (h *harness) start() {
	h.t.Helper()
	require.NoError(h.t, h.ctrl.Start(context.Background()))
	h.waitReady()
}

func (h *harness) waitReady() {
	h.t.Helper()
	select {
	case <-h.ctrl.Ready():
	case <-time.After(2 * time.Second):
		h.t.Fatal("controller did not become ready")
	}
}

func (h *harness) waitForProfile() {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.ctrl.State().AppProfile != nil }, 2*time.Second, 5*time.Millisecond)
}

func TestScenarioA_NoStoredSession(t *testing.T) {
	h := newHarness(t, nil)
	h.start()

	state := h.ctrl.State()
	assert.Nil(t, state.Session)
	assert.Nil(t, state.Identity)
	assert.Nil(t, state.AppProfile)
	assert.False(t, state.IsLoading)
	assert.False(t, state.IsAuthenticated)

	h.ctrl.Stop()
	assert.Empty(t, h.profiles.calls(), "no profile fetch without a session")
}

func TestScenarioB_StoredSessionLoadsProfileAfterLoading(t *testing.T) {
	h := newHarness(t, nil)
	session := h.restoreSession()

	release := make(chan struct{})
	h.profiles.fn = func(ctx context.Context, token string) (*models.AppProfile, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &models.AppProfile{ID: "profile-1", Email: testEmail, Plan: models.PlanGrowth}, nil
	}

	h.start()

	state := h.ctrl.State()
	assert.False(t, state.IsLoading, "loading ends before the profile arrives")
	assert.True(t, state.IsAuthenticated)
	require.NotNil(t, state.Session)
	assert.Equal(t, session.AccessToken, state.Session.AccessToken)
	assert.Equal(t, testEmail, state.Identity.Email)
	assert.Nil(t, state.AppProfile)

	close(release)
	h.waitForProfile()

	assert.Equal(t, models.PlanGrowth, h.ctrl.State().AppProfile.Plan)
	assert.Equal(t, []string{session.AccessToken}, h.profiles.calls())
}

func TestInitializeErrorSignsOut(t *testing.T) {
	h := newHarness(t, func(m *identity.Memory) identity.Provider { return &failingProvider{Memory: m} })
	h.start()

	state := h.ctrl.State()
	assert.False(t, state.IsLoading)
	assert.False(t, state.IsAuthenticated)
	assert.Nil(t, state.Session)
}

func TestP7_LoadingIsBounded(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, func(m *identity.Memory) identity.Provider {
		return &blockingProvider{Memory: m, release: release}
	})
	t.Cleanup(func() { close(release) })

	require.NoError(t, h.ctrl.Start(context.Background()))
	assert.True(t, h.ctrl.State().IsLoading)

	h.clock.Advance(5*time.Second - time.Nanosecond)
	assert.True(t, h.ctrl.State().IsLoading)

	h.clock.Advance(time.Nanosecond)
	assert.False(t, h.ctrl.State().IsLoading)
	h.waitReady()
}

func TestProviderEventBeforeSessionCheckWins(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, func(m *identity.Memory) identity.Provider {
		return &blockingProvider{Memory: m, release: release}
	})
	_, err := h.memory.AddUser(testEmail, testPassword, nil)
	require.NoError(t, err)

	require.NoError(t, h.ctrl.Start(context.Background()))

	result := h.ctrl.SignIn(context.Background(), testEmail, testPassword)
	require.Nil(t, result.Error)
	assert.True(t, h.ctrl.State().IsAuthenticated)
	assert.False(t, h.ctrl.State().IsLoading)

	// the stale check resolves with no session
	close(release)
	require.Eventually(t, func() bool {
		select {
		case <-h.ctrl.Ready():
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	h.ctrl.Stop()
	assert.True(t, h.ctrl.State().IsAuthenticated)
}

func TestP1_ScenarioE_NoArmingWithoutActivity(t *testing.T) {
	h := newHarness(t, nil)
	h.restoreSession()
	h.start()
	h.waitForProfile()

	h.clock.Advance(31 * time.Minute)
	h.clock.Advance(4 * time.Hour)

	state := h.ctrl.State()
	assert.True(t, state.IsAuthenticated)
	assert.Equal(t, Dormant, state.Inactivity)
	assert.Empty(t, h.clock.pending(), "no timer was ever armed")

	warnings, expired := h.notifier.counts()
	assert.Zero(t, warnings)
	assert.Zero(t, expired)
}

func TestP2_ExactTiming(t *testing.T) {
	h := newHarness(t, nil)
	h.restoreSession()
	h.start()

	h.clock.Advance(7 * time.Minute)
	activityAt := h.clock.Now()
	h.ctrl.RecordActivity(ActivityClick)

	assert.Equal(t, Armed, h.ctrl.State().Inactivity)
	assert.Equal(t, []time.Time{activityAt.Add(25 * time.Minute), activityAt.Add(30 * time.Minute)}, h.clock.pending())

	h.clock.Advance(25*time.Minute - time.Nanosecond)
	warnings, _ := h.notifier.counts()
	assert.Zero(t, warnings)

	h.clock.Advance(time.Nanosecond)
	warnings, _ = h.notifier.counts()
	assert.Equal(t, 1, warnings)
	assert.Equal(t, []time.Duration{5 * time.Minute}, h.notifier.expiring)
	assert.Equal(t, Warned, h.ctrl.State().Inactivity)

	h.clock.Advance(5*time.Minute - time.Nanosecond)
	assert.True(t, h.ctrl.State().IsAuthenticated)

	h.clock.Advance(time.Nanosecond)

	state := h.ctrl.State()
	assert.False(t, state.IsAuthenticated)
	assert.Nil(t, state.Session)
	assert.Nil(t, state.AppProfile)
	assert.Equal(t, Dormant, state.Inactivity)

	_, expired := h.notifier.counts()
	assert.Equal(t, 1, expired)
	assert.Equal(t, []string{DefaultSignInPath}, h.nav.redirected())

	session, err := h.memory.GetSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, session, "the provider session was signed out")
}

func TestP3_RapidActivityKeepsOnePair(t *testing.T) {
	h := newHarness(t, nil)
	h.restoreSession()
	h.start()

	var last time.Time
	for range 10 {
		last = h.clock.Now()
		h.ctrl.RecordActivity(ActivityPointerMove)
		h.clock.Advance(10 * time.Second)
	}

	assert.Equal(t, []time.Time{last.Add(25 * time.Minute), last.Add(30 * time.Minute)}, h.clock.pending())

	h.clock.Advance(last.Add(25 * time.Minute).Sub(h.clock.Now()))
	warnings, expired := h.notifier.counts()
	assert.Equal(t, 1, warnings)
	assert.Zero(t, expired)
}

func TestWarningIsShownOncePerCycle(t *testing.T) {
	h := newHarness(t, nil)
	h.restoreSession()
	h.start()

	h.ctrl.RecordActivity(ActivityKeyPress)
	h.clock.Advance(25 * time.Minute)

	h.ctrl.mu.Lock()
	cycle := h.ctrl.timer.cycle
	h.ctrl.mu.Unlock()

	// the timer logic re-entered for the same cycle
	h.ctrl.onWarningTimer(cycle)
	warnings, _ := h.notifier.counts()
	assert.Equal(t, 1, warnings)

	h.ctrl.RecordActivity(ActivityScroll)
	assert.Equal(t, Armed, h.ctrl.State().Inactivity)

	// callbacks from an older cycle are ignored
	h.ctrl.onLogoutTimer(cycle)
	assert.True(t, h.ctrl.State().IsAuthenticated)

	h.clock.Advance(25 * time.Minute)
	warnings, _ = h.notifier.counts()
	assert.Equal(t, 2, warnings)
}

func TestUnqualifiedActivityIsIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.restoreSession()
	h.start()

	h.ctrl.RecordActivity(ActivityKind("focus"))
	assert.Equal(t, Dormant, h.ctrl.State().Inactivity)
	assert.Empty(t, h.clock.pending())
}

func TestActivityWhileSignedOutIsIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.start()

	h.ctrl.RecordActivity(ActivityClick)
	assert.Equal(t, Dormant, h.ctrl.State().Inactivity)
	assert.Empty(t, h.clock.pending())
}

func TestScenarioC_PasswordResetSuppressesLogout(t *testing.T) {
	h := newHarness(t, nil)
	h.restoreSession()
	h.nav.path = "/reset-password?token=abc"
	h.start()

	h.ctrl.RecordActivity(ActivityTouchStart)
	h.clock.Advance(30 * time.Minute)

	state := h.ctrl.State()
	assert.True(t, state.IsAuthenticated)
	assert.Equal(t, Dormant, state.Inactivity)
	assert.Empty(t, h.clock.pending())

	_, expired := h.notifier.counts()
	assert.Zero(t, expired)
	assert.Empty(t, h.nav.redirected())

	// a new activity starts a new cycle
	h.ctrl.RecordActivity(ActivityClick)
	assert.Equal(t, Armed, h.ctrl.State().Inactivity)
}

func TestP4_ProfileFailureKeepsUserSignedIn(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	h := newHarness(t, nil)
	h.ctrl.profiles = profile.New(srv.URL, srv.Client(), profile.WithRetryDelay(time.Millisecond))
	h.restoreSession()
	h.start()

	require.Eventually(t, func() bool { return calls.Load() == 2 }, 2*time.Second, 5*time.Millisecond)

	assert.Nil(t, h.ctrl.FetchAppProfile(context.Background(), ""))
	assert.Equal(t, int32(4), calls.Load(), "each fetch is retried once")

	state := h.ctrl.State()
	assert.True(t, state.IsAuthenticated)
	assert.NotNil(t, state.Identity)
	assert.NotNil(t, state.Session)
	assert.Nil(t, state.AppProfile)
}

func TestP5_UnauthorizedClearsProfileWithoutRetry(t *testing.T) {
	var expiredCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer expired" {
			expiredCalls.Add(1)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"user":{"id":"profile-1","email":"ada@example.com","plan":"pro"}}`))
	}))
	t.Cleanup(srv.Close)

	h := newHarness(t, nil)
	h.ctrl.profiles = profile.New(srv.URL, srv.Client(), profile.WithRetryDelay(time.Millisecond))
	h.restoreSession()
	h.start()
	h.waitForProfile()

	assert.Nil(t, h.ctrl.FetchAppProfile(context.Background(), "expired"))
	assert.Equal(t, int32(1), expiredCalls.Load())

	state := h.ctrl.State()
	assert.Nil(t, state.AppProfile)
	assert.True(t, state.IsAuthenticated)
}

func TestFetchAppProfile_NoTokenSkipsCall(t *testing.T) {
	h := newHarness(t, nil)
	h.start()

	assert.Nil(t, h.ctrl.FetchAppProfile(context.Background(), ""))
	assert.Empty(t, h.profiles.calls())
}

func TestP6_SignOutClearsEverything(t *testing.T) {
	h := newHarness(t, nil)
	h.restoreSession()
	h.start()
	h.waitForProfile()

	h.ctrl.RecordActivity(ActivityClick)
	require.Len(t, h.clock.pending(), 2)

	require.Nil(t, h.ctrl.SignOut(context.Background()))

	state := h.ctrl.State()
	assert.Nil(t, state.Identity)
	assert.Nil(t, state.Session)
	assert.Nil(t, state.AppProfile)
	assert.False(t, state.IsSigningOut)
	assert.Equal(t, Dormant, state.Inactivity)
	assert.Empty(t, h.clock.pending())
	assert.Equal(t, []string{DefaultSignInPath}, h.nav.redirected())
}

func TestSignOutRedirectRules(t *testing.T) {
	tests := []struct {
		path     string
		redirect bool
	}{
		{path: "/dashboard", redirect: true},
		{path: "/products/42", redirect: true},
		{path: "/", redirect: false},
		{path: "/auth", redirect: false},
		{path: "/auth/callback", redirect: false},
		{path: "/reset-password?token=abc", redirect: false},
		{path: "/forgot-password", redirect: false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			h := newHarness(t, nil)
			h.restoreSession()
			h.nav.path = tt.path
			h.start()

			require.Nil(t, h.ctrl.SignOut(context.Background()))

			if tt.redirect {
				assert.Equal(t, []string{DefaultSignInPath}, h.nav.redirected())
			} else {
				assert.Empty(t, h.nav.redirected())
			}
		})
	}
}

func TestScenarioD_SignInErrorIsReturnedUnchanged(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.memory.AddUser(testEmail, testPassword, nil)
	require.NoError(t, err)
	h.start()

	var sawSigningIn atomic.Bool
	h.ctrl.Subscribe(func(s State) {
		if s.IsSigningIn {
			sawSigningIn.Store(true)
		}
	})

	expected := h.memory.SignInWithPassword(context.Background(), testEmail, "wrong")
	result := h.ctrl.SignIn(context.Background(), testEmail, "wrong")

	assert.Equal(t, expected, result)
	require.NotNil(t, result.Error)
	assert.Equal(t, "Invalid login credentials", result.Error.Message)
	assert.True(t, sawSigningIn.Load())

	state := h.ctrl.State()
	assert.False(t, state.IsSigningIn)
	assert.False(t, state.IsAuthenticated)
}

func TestSignInFetchesProfileWithNewToken(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.memory.AddUser(testEmail, testPassword, nil)
	require.NoError(t, err)
	h.start()

	result := h.ctrl.SignIn(context.Background(), testEmail, testPassword)
	require.Nil(t, result.Error)

	state := h.ctrl.State()
	assert.True(t, state.IsAuthenticated)
	assert.Equal(t, Dormant, state.Inactivity, "a fresh sign-in waits for activity")

	h.waitForProfile()
	assert.Equal(t, []string{result.Data.Session.AccessToken}, h.profiles.calls())
}

func TestSignUpPassesDisplayName(t *testing.T) {
	h := newHarness(t, nil)
	h.start()

	var sawRegistering atomic.Bool
	h.ctrl.Subscribe(func(s State) {
		if s.IsRegistering {
			sawRegistering.Store(true)
		}
	})

	result := h.ctrl.SignUp(context.Background(), testEmail, testPassword, "Ada Lovelace")
	require.Nil(t, result.Error)
	assert.True(t, sawRegistering.Load())

	state := h.ctrl.State()
	assert.False(t, state.IsRegistering)
	assert.Equal(t, "Ada Lovelace", state.Identity.FullName())
}

func TestStaleProfileIsDropped(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.memory.AddUser(testEmail, testPassword, nil)
	require.NoError(t, err)

	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(1)
	h.profiles.fn = func(ctx context.Context, token string) (*models.AppProfile, error) {
		started.Done()
		<-release
		return &models.AppProfile{ID: "profile-1"}, nil
	}
	h.start()

	require.Nil(t, h.ctrl.SignIn(context.Background(), testEmail, testPassword).Error)
	started.Wait()

	require.Nil(t, h.ctrl.SignOut(context.Background()))
	close(release)

	h.ctrl.Stop()
	assert.Nil(t, h.ctrl.State().AppProfile)
}

func TestSignInWithOAuthRedirects(t *testing.T) {
	var provider *oauthProvider
	h := newHarness(t, func(m *identity.Memory) identity.Provider {
		provider = &oauthProvider{Memory: m}
		return provider
	})
	h.start()

	require.Nil(t, h.ctrl.SignInWithOAuth(context.Background(), "google"))
	assert.Equal(t, "https://app.zyra.test/auth/callback", provider.redirectTo)
	assert.Equal(t, []string{"https://auth.zyra.test/authorize?provider=google"}, h.nav.redirected())
}

func TestSignInWithOAuthUnsupported(t *testing.T) {
	h := newHarness(t, nil)
	h.start()

	authErr := h.ctrl.SignInWithOAuth(context.Background(), "google")
	require.NotNil(t, authErr)
	assert.Empty(t, h.nav.redirected())
}

func TestStopMakesCallbacksNoOps(t *testing.T) {
	h := newHarness(t, nil)
	h.restoreSession()
	h.start()
	h.waitForProfile()

	h.ctrl.RecordActivity(ActivityClick)
	h.ctrl.Stop()

	assert.Empty(t, h.clock.pending())
	h.clock.Advance(time.Hour)

	require.Nil(t, h.memory.SignOut(context.Background()))

	state := h.ctrl.State()
	assert.True(t, state.IsAuthenticated, "events after Stop are not applied")
	warnings, expired := h.notifier.counts()
	assert.Zero(t, warnings)
	assert.Zero(t, expired)

	assert.ErrorIs(t, h.ctrl.Start(context.Background()), ErrStopped)
}

func TestStartTwice(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	assert.ErrorIs(t, h.ctrl.Start(context.Background()), ErrAlreadyStarted)
}

func TestSubscribeUnsubscribe(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.memory.AddUser(testEmail, testPassword, nil)
	require.NoError(t, err)
	h.start()

	var calls atomic.Int32
	unsubscribe := h.ctrl.Subscribe(func(State) { calls.Add(1) })

	h.ctrl.Navigate("/products")
	require.Nil(t, h.ctrl.SignIn(context.Background(), testEmail, testPassword).Error)
	assert.Positive(t, calls.Load())

	unsubscribe()
	unsubscribe()
	before := calls.Load()
	require.Nil(t, h.ctrl.SignOut(context.Background()))
	h.ctrl.Stop()
	assert.Equal(t, before, calls.Load())
	assert.Equal(t, []string{"/products", DefaultSignInPath}, h.nav.redirected())
}

// blockingProxy holds Logout until released or the context ends.
type blockingProxy struct {
	release chan struct{}
	tokens  chan string
	err     error
}

func (p *blockingProxy) Login(ctx context.Context, email, password string) models.AuthResult {
	return models.Failed("not used", http.StatusNotImplemented)
}

func (p *blockingProxy) Register(ctx context.Context, email, password, fullName string) models.AuthResult {
	return models.Failed("not used", http.StatusNotImplemented)
}

func (p *blockingProxy) Logout(ctx context.Context, token string) error {
	p.tokens <- token
	select {
	case <-p.release:
	case <-ctx.Done():
	}
	return p.err
}

func TestLogoutViaBackendDoesNotWaitForBackend(t *testing.T) {
	proxy := &blockingProxy{
		release: make(chan struct{}),
		tokens:  make(chan string, 1),
		err:     errors.New("backend unavailable"),
	}
	defer close(proxy.release)
	h := newHarness(t, nil, WithAuthProxy(proxy))
	session := h.restoreSession()
	h.start()
	h.waitForProfile()

	h.ctrl.RecordActivity(ActivityKeyPress)
	require.Equal(t, Armed, h.ctrl.State().Inactivity)

	done := make(chan *models.AuthError, 1)
	go func() { done <- h.ctrl.LogoutViaBackend(context.Background()) }()

	select {
	case authErr := <-done:
		assert.Nil(t, authErr)
	case <-time.After(time.Second):
		t.Fatal("LogoutViaBackend waited for the backend")
	}

	state := h.ctrl.State()
	assert.Nil(t, state.Identity)
	assert.Nil(t, state.Session)
	assert.Nil(t, state.AppProfile)
	assert.False(t, state.IsAuthenticated)
	assert.Equal(t, Dormant, state.Inactivity)
	assert.Empty(t, h.clock.pending())

	select {
	case token := <-proxy.tokens:
		assert.Equal(t, session.AccessToken, token)
	case <-time.After(2 * time.Second):
		t.Fatal("backend was not notified")
	}

	// the backend error is dropped
	proxy.release <- struct{}{}
	h.ctrl.Stop()
	assert.False(t, h.ctrl.State().IsAuthenticated)
}

// silentSignOutProvider reports success from SignOut but never emits an event.
type silentSignOutProvider struct {
	*identity.Memory
}

func (p *silentSignOutProvider) SignOut(ctx context.Context) *models.AuthError {
	return nil
}

func TestInactivityRearmsWhenSignOutKeepsSession(t *testing.T) {
	h := newHarness(t, func(m *identity.Memory) identity.Provider {
		return &silentSignOutProvider{Memory: m}
	})
	h.restoreSession()
	h.start()

	h.ctrl.RecordActivity(ActivityClick)
	h.clock.Advance(30 * time.Minute)

	state := h.ctrl.State()
	assert.True(t, state.IsAuthenticated)
	assert.Equal(t, Dormant, state.Inactivity)
	assert.Empty(t, h.clock.pending())

	_, expired := h.notifier.counts()
	assert.Zero(t, expired)

	h.ctrl.RecordActivity(ActivityKeyPress)
	assert.Equal(t, Armed, h.ctrl.State().Inactivity)
	assert.Len(t, h.clock.pending(), 2)
}
