package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/zyra-ai/zyra/internal/backend"
	"github.com/zyra-ai/zyra/internal/client"
	"github.com/zyra-ai/zyra/internal/config"
	"github.com/zyra-ai/zyra/internal/identity"
	"github.com/zyra-ai/zyra/internal/logger"
	"github.com/zyra-ai/zyra/internal/notify"
	"github.com/zyra-ai/zyra/internal/profile"
	"github.com/zyra-ai/zyra/internal/session"
	"github.com/zyra-ai/zyra/internal/telemetry"
)

type Globals struct {
	Debug      bool   `help:"Enable debug mode." env:"ZYRA_DEBUG"`
	APIURL     string `name:"api-url" help:"Application backend URL serving /api/me and /api/auth/*." env:"ZYRA_API_URL"`
	AuthURL    string `name:"auth-url" help:"Identity provider auth API URL." env:"ZYRA_AUTH_URL"`
	AnonKey    string `help:"Identity provider public API key." env:"ZYRA_ANON_KEY"`
	Origin     string `help:"Application origin used for OAuth callbacks." env:"ZYRA_ORIGIN"`
	Provider   string `help:"Identity provider (gotrue or memory)." default:"gotrue" enum:"gotrue,memory" env:"ZYRA_PROVIDER"`
	StateDir   string `help:"Directory holding the persisted session (default ~/.zyra)." type:"path" env:"ZYRA_STATE_DIR"`
	Config     string `help:"YAML file with URL and timing overrides." type:"path" env:"ZYRA_CONFIG"`
	UseBackend bool   `help:"Sign in and out through the backend auth proxy." env:"ZYRA_USE_BACKEND"`
	Telemetry  bool   `help:"Export traces and metrics over OTLP." env:"ZYRA_TELEMETRY"`

	Version string    `kong:"-"`
	Out     io.Writer `kong:"-"`
}

func (g *Globals) stdout() io.Writer {
	if g.Out == nil {
		return os.Stdout
	}
	return g.Out
}

const defaultOrigin = "http://localhost:5173"

// runtime is the composition root shared by every command.
type runtime struct {
	log        zerolog.Logger
	out        io.Writer
	timings    config.Timings
	memory     *identity.Memory
	gotrue     *identity.GoTrue
	location   *notify.Location
	controller *session.Controller
	shutdown   func(context.Context) error
}

func newRuntime(ctx context.Context, globals *Globals) (*runtime, error) {
	log := logger.Setup(globals.Debug)
	zlog.Logger = log

	cfg, err := config.Load(globals.Config)
	if err != nil {
		return nil, err
	}

	defaults := client.DefaultConfig()
	clientConfig := client.Config{
		APIURL:  firstNonEmpty(globals.APIURL, cfg.APIURL, defaults.APIURL),
		AuthURL: firstNonEmpty(globals.AuthURL, cfg.AuthURL, defaults.AuthURL),
		AnonKey: globals.AnonKey,
		Timeout: defaults.Timeout,
		Debug:   globals.Debug,
	}
	origin := firstNonEmpty(globals.Origin, cfg.Origin, defaultOrigin)

	rt := &runtime{
		log:      log,
		out:      globals.stdout(),
		timings:  cfg.Timings,
		shutdown: func(context.Context) error { return nil },
	}

	if globals.Telemetry {
		shutdown, err := telemetry.InitTelemetry(ctx, telemetry.Options{
			ServiceName: "zyra-cli",
			Version:     globals.Version,
			Provider:    globals.Provider,
			APIURL:      clientConfig.APIURL,
			AuthURL:     clientConfig.AuthURL,
			UseBackend:  globals.UseBackend,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without it")
		} else {
			rt.shutdown = shutdown
		}
	}

	httpClient := client.New(clientConfig, log)

	var provider identity.Provider
	switch globals.Provider {
	case "memory":
		rt.memory, err = identity.NewMemory()
		if err != nil {
			return nil, err
		}
		provider = rt.memory
	default:
		storage, err := identity.NewFileStorage(globals.StateDir)
		if err != nil {
			return nil, err
		}
		rt.gotrue, err = identity.NewGoTrue(identity.GoTrueConfig{
			URL:            clientConfig.AuthURL,
			AnonKey:        clientConfig.AnonKey,
			HTTPClient:     httpClient,
			SettingsClient: client.NewCachingHTTPClient(filepath.Join(storage.Dir(), "cache"), log),
			Storage:        storage,
			RefreshMargin:  cfg.Timings.RefreshMargin,
		})
		if err != nil {
			return nil, err
		}
		provider = rt.gotrue
	}

	profiles := profile.New(clientConfig.APIURL, httpClient,
		profile.WithTimeout(cfg.Timings.ProfileTimeout),
		profile.WithRetryDelay(cfg.Timings.ProfileRetryDelay),
	)

	rt.location = notify.NewLocation("/", rt.out, log)

	opts := []session.Option{
		session.WithLogger(log),
		session.WithNotifier(notify.NewTerminal(rt.out, log)),
		session.WithNavigator(rt.location),
	}
	if globals.UseBackend {
		opts = append(opts, session.WithAuthProxy(backend.New(clientConfig.APIURL, httpClient)))
	}

	rt.controller = session.New(session.ConfigFromTimings(origin, cfg.Timings), provider, profiles, opts...)

	log.Debug().
		Str("provider", globals.Provider).
		Str("apiURL", clientConfig.APIURL).
		Str("authURL", clientConfig.AuthURL).
		Bool("backend", globals.UseBackend).
		Msg("runtime configured")

	return rt, nil
}

// start runs the controller and waits for the initial session check.
func (rt *runtime) start(ctx context.Context) error {
	if err := rt.controller.Start(ctx); err != nil {
		return err
	}
	select {
	case <-rt.controller.Ready():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (rt *runtime) close() {
	rt.controller.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.shutdown(ctx); err != nil {
		rt.log.Error().Err(err).Msg("Failed to shutdown telemetry")
	}
}

func (rt *runtime) printState(state session.State) {
	if !state.IsAuthenticated {
		fmt.Fprintln(rt.out, "Not signed in")
		return
	}

	fmt.Fprintf(rt.out, "Signed in as %s", state.Identity.Email)
	if name := state.Identity.FullName(); name != "" {
		fmt.Fprintf(rt.out, " (%s)", name)
	}
	fmt.Fprintln(rt.out)

	if state.Session != nil && !state.Session.Expiry().IsZero() {
		fmt.Fprintf(rt.out, "  session expires: %s\n", state.Session.Expiry().Format(time.RFC3339))
	}

	if state.AppProfile == nil {
		fmt.Fprintln(rt.out, "  profile: unavailable")
		return
	}
	fmt.Fprintf(rt.out, "  profile: %s role=%s plan=%s\n", state.AppProfile.ID, state.AppProfile.Role, state.AppProfile.Plan)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
