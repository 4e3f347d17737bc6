package commands

import (
	"context"
	"errors"
	"fmt"
)

type OAuthCmd struct {
	Provider string `arg:"" help:"OAuth provider, e.g. google or github"`
}

func (o *OAuthCmd) Run(ctx context.Context, globals *Globals) error {
	rt, err := newRuntime(ctx, globals)
	if err != nil {
		return err
	}
	defer rt.close()

	if err := rt.start(ctx); err != nil {
		return err
	}

	if authErr := rt.controller.SignInWithOAuth(ctx, o.Provider); authErr != nil {
		return fmt.Errorf("oauth sign-in failed: %s", authErr.Message)
	}

	fmt.Fprintln(rt.out, "Then run: zyra oauth-callback <code>")
	return nil
}

type OAuthCallbackCmd struct {
	Code string `arg:"" help:"The code query parameter of the /auth/callback redirect"`
}

func (o *OAuthCallbackCmd) Run(ctx context.Context, globals *Globals) error {
	rt, err := newRuntime(ctx, globals)
	if err != nil {
		return err
	}
	defer rt.close()

	if rt.gotrue == nil {
		return errors.New("oauth is only available with the gotrue provider")
	}

	if err := rt.start(ctx); err != nil {
		return err
	}

	result := rt.gotrue.ExchangeCodeForSession(ctx, o.Code)
	if result.Error != nil {
		return fmt.Errorf("oauth sign-in failed: %s", result.Error.Message)
	}

	rt.controller.FetchAppProfile(ctx, result.Data.Session.AccessToken)
	rt.printState(rt.controller.State())

	return nil
}
