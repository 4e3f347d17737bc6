package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zyra-ai/zyra/internal/models"
)

type LoginCmd struct {
	Email    string `arg:"" help:"Account email address"`
	Password string `help:"Account password, read from stdin when empty" env:"ZYRA_PASSWORD"`
}

func (l *LoginCmd) Run(ctx context.Context, globals *Globals) error {
	rt, err := newRuntime(ctx, globals)
	if err != nil {
		return err
	}
	defer rt.close()

	if err := rt.start(ctx); err != nil {
		return err
	}

	password, err := passwordOrPrompt(l.Password)
	if err != nil {
		return err
	}

	var result models.AuthResult
	if globals.UseBackend {
		result = rt.controller.LoginViaBackend(ctx, l.Email, password)
	} else {
		result = rt.controller.SignIn(ctx, l.Email, password)
	}
	if result.Error != nil {
		return fmt.Errorf("sign-in failed: %s", result.Error.Message)
	}

	if result.Data.Session != nil {
		rt.controller.FetchAppProfile(ctx, result.Data.Session.AccessToken)
	}
	rt.printState(rt.controller.State())

	return nil
}

type RegisterCmd struct {
	Email    string `arg:"" help:"Account email address"`
	FullName string `help:"Display name stored on the account" required:""`
	Password string `help:"Account password, read from stdin when empty" env:"ZYRA_PASSWORD"`
}

func (r *RegisterCmd) Run(ctx context.Context, globals *Globals) error {
	rt, err := newRuntime(ctx, globals)
	if err != nil {
		return err
	}
	defer rt.close()

	if err := rt.start(ctx); err != nil {
		return err
	}

	password, err := passwordOrPrompt(r.Password)
	if err != nil {
		return err
	}

	var result models.AuthResult
	if globals.UseBackend {
		result = rt.controller.RegisterViaBackend(ctx, r.Email, password, r.FullName)
	} else {
		result = rt.controller.SignUp(ctx, r.Email, password, r.FullName)
	}
	if result.Error != nil {
		return fmt.Errorf("registration failed: %s", result.Error.Message)
	}

	if result.Data.Session == nil {
		fmt.Fprintf(rt.out, "Registered %s, check your email to confirm the account\n", r.Email)
		return nil
	}

	rt.controller.FetchAppProfile(ctx, result.Data.Session.AccessToken)
	rt.printState(rt.controller.State())

	return nil
}

type LogoutCmd struct{}

func (l *LogoutCmd) Run(ctx context.Context, globals *Globals) error {
	rt, err := newRuntime(ctx, globals)
	if err != nil {
		return err
	}
	defer rt.close()

	if err := rt.start(ctx); err != nil {
		return err
	}

	if !rt.controller.State().IsAuthenticated {
		fmt.Fprintln(rt.out, "Not signed in")
		return nil
	}

	var authErr *models.AuthError
	if globals.UseBackend {
		authErr = rt.controller.LogoutViaBackend(ctx)
	} else {
		authErr = rt.controller.SignOut(ctx)
	}
	if authErr != nil {
		// the local session is gone either way
		rt.log.Warn().Str("error", authErr.Message).Msg("Sign-out was not confirmed upstream")
	}

	fmt.Fprintln(rt.out, "Signed out")
	return nil
}

type WhoamiCmd struct{}

func (w *WhoamiCmd) Run(ctx context.Context, globals *Globals) error {
	rt, err := newRuntime(ctx, globals)
	if err != nil {
		return err
	}
	defer rt.close()

	if err := rt.start(ctx); err != nil {
		return err
	}

	if rt.controller.State().IsAuthenticated {
		rt.controller.FetchAppProfile(ctx, "")
	}
	rt.printState(rt.controller.State())

	return nil
}

var errNoPassword = errors.New("password is required")

func passwordOrPrompt(password string) (string, error) {
	if password != "" {
		return password, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", errNoPassword
	}

	password = strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", errNoPassword
	}
	return password, nil
}
