package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/zyra-ai/zyra/internal/models"
	"github.com/zyra-ai/zyra/internal/session"
)

type WatchCmd struct {
	Email           string        `help:"Sign in with this account before watching; the memory provider creates it"`
	Password        string        `help:"Account password" env:"ZYRA_PASSWORD"`
	RefreshInterval time.Duration `help:"How often to check whether the session needs a refresh" default:"15s"`

	in io.Reader
}

func (w *WatchCmd) Run(ctx context.Context, globals *Globals) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, globals)
	if err != nil {
		return err
	}
	defer rt.close()

	if err := rt.start(ctx); err != nil {
		return err
	}

	if w.Email != "" {
		if err := w.signIn(ctx, rt); err != nil {
			return err
		}
	}

	current := rt.controller.State()
	printer := &statePrinter{rt: rt, authenticated: current.IsAuthenticated, inactivity: current.Inactivity}
	unsubscribe := rt.controller.Subscribe(printer.update)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	if rt.gotrue != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rt.gotrue.AutoRefresh(ctx, w.RefreshInterval)
		}()
	}

	rt.printState(rt.controller.State())
	fmt.Fprintln(rt.out, "Each line of input counts as a key press. Enter a path such as /dashboard to navigate, or 'logout' to sign out.")

	in := w.in
	if in == nil {
		in = os.Stdin
	}
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- strings.TrimSpace(scanner.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			switch {
			case line == "logout":
				if authErr := rt.controller.SignOut(ctx); authErr != nil {
					rt.log.Warn().Str("error", authErr.Message).Msg("Sign-out failed")
				}
			case strings.HasPrefix(line, "/"):
				rt.controller.Navigate(line)
				rt.controller.RecordActivity(session.ActivityClick)
			default:
				rt.controller.RecordActivity(session.ActivityKeyPress)
			}
		}
	}
}

func (w *WatchCmd) signIn(ctx context.Context, rt *runtime) error {
	if rt.memory != nil {
		_, err := rt.memory.AddUser(w.Email, w.Password, nil)
		var authErr *models.AuthError
		if err != nil && !(errors.As(err, &authErr) && authErr.Code == "user_already_exists") {
			return err
		}
	}

	result := rt.controller.SignIn(ctx, w.Email, w.Password)
	if result.Error != nil {
		return fmt.Errorf("sign-in failed: %s", result.Error.Message)
	}
	return nil
}

// statePrinter reports sign-in and inactivity transitions.
type statePrinter struct {
	mu            sync.Mutex
	rt            *runtime
	authenticated bool
	inactivity    session.TimerState
}

func (p *statePrinter) update(state session.State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if state.IsAuthenticated != p.authenticated {
		p.authenticated = state.IsAuthenticated
		if state.IsAuthenticated {
			fmt.Fprintf(p.rt.out, "Signed in as %s\n", state.Identity.Email)
		} else {
			fmt.Fprintln(p.rt.out, "Signed out")
		}
	}

	if state.Inactivity != p.inactivity {
		p.inactivity = state.Inactivity
		fmt.Fprintf(p.rt.out, "Inactivity timer: %s\n", state.Inactivity)
	}
}
