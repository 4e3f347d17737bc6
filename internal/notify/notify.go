// Package notify carries the user-visible side effects of the session
// controller: toasts about session expiry and browser-style navigation.
package notify

import (
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Notifier shows non-blocking notifications.
type Notifier interface {
	// SessionExpiring is shown once per arming cycle, remaining before logout.
	SessionExpiring(remaining time.Duration)
	// SessionExpired is shown after an inactivity logout.
	SessionExpired()
}

// Navigator is the controller's view of the current location.
// Implementations must not call back into the session controller.
type Navigator interface {
	// CurrentPath returns the path and query of the current location, e.g. "/reset-password?token=abc".
	CurrentPath() string
	// Redirect moves to target, either an in-app path or an absolute URL.
	Redirect(target string)
}

// Terminal prints notifications to a writer and logs them.
type Terminal struct {
	out    io.Writer
	logger zerolog.Logger
}

func NewTerminal(out io.Writer, logger zerolog.Logger) *Terminal {
	return &Terminal{out: out, logger: logger}
}

func (t *Terminal) SessionExpiring(remaining time.Duration) {
	t.logger.Info().Dur("remaining", remaining).Msg("session expiring")
	fmt.Fprintf(t.out, "Your session will expire in %s due to inactivity.\n", remaining.Round(time.Second))
}

func (t *Terminal) SessionExpired() {
	t.logger.Info().Msg("session expired")
	fmt.Fprintln(t.out, "Your session has expired due to inactivity. You have been logged out.")
}

// Location is an in-memory Navigator. Absolute redirects (OAuth authorize
// URLs) are printed for the user to open and leave the path unchanged.
type Location struct {
	mu     sync.Mutex
	path   string
	out    io.Writer
	logger zerolog.Logger
}

func NewLocation(initial string, out io.Writer, logger zerolog.Logger) *Location {
	if initial == "" {
		initial = "/"
	}
	return &Location{path: initial, out: out, logger: logger}
}

func (l *Location) CurrentPath() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.path
}

func (l *Location) Redirect(target string) {
	u, err := url.Parse(target)
	if err == nil && u.IsAbs() {
		l.logger.Debug().Str("host", u.Host).Msg("external redirect")
		fmt.Fprintf(l.out, "Open this URL in your browser to continue:\n  %s\n", target)
		return
	}

	l.mu.Lock()
	from := l.path
	l.path = target
	l.mu.Unlock()

	l.logger.Debug().Str("from", from).Str("to", target).Msg("redirect")
}

// Navigate sets the current path, as a user following a link would.
func (l *Location) Navigate(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.path = path
}
