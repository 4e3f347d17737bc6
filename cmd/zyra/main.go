package main

import (
	"context"

	"github.com/alecthomas/kong"
	"github.com/zyra-ai/zyra/cmd/zyra/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		commands.Globals

		Login         commands.LoginCmd         `cmd:"" help:"Sign in with email and password"`
		Register      commands.RegisterCmd      `cmd:"" help:"Create an account"`
		Logout        commands.LogoutCmd        `cmd:"" help:"Sign out"`
		Whoami        commands.WhoamiCmd        `cmd:"" help:"Show the signed in user and profile"`
		OAuth         commands.OAuthCmd         `cmd:"" name:"oauth" help:"Start an OAuth sign-in"`
		OAuthCallback commands.OAuthCallbackCmd `cmd:"" name:"oauth-callback" help:"Complete an OAuth sign-in"`
		Watch         commands.WatchCmd         `cmd:"" help:"Keep the session open with inactivity auto-logout"`
		Version       kong.VersionFlag
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Name("zyra"),
		kong.Description("ZYRA AI session client."),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))

	globals := cli.Globals
	globals.Version = version

	err := cmd.Run(&globals)
	cmd.FatalIfErrorf(err)
}
