package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flags "github.com/jessevdk/go-flags"

	"portal-client/internal/app"
	"portal-client/internal/config"
)

var BuildVersion = "dev"

const (
	exitOK          = 0
	exitFailure     = 1
	exitUsage       = 2
	exitNotLoggedIn = 3
)

func main() {
	rootCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	var opts config.Options
	parser := config.NewParser(&opts)
	env := newCLI(rootCtx, &opts)
	env.register(parser)

	if _, err := parser.Parse(); err != nil {
		var flagErr *flags.Error
		if errors.As(err, &flagErr) && flagErr.Type == flags.ErrHelp {
			os.Exit(exitOK)
		}
		os.Exit(exitUsage)
	}
	os.Exit(exitCode(rootCtx, env.err))
}

func exitCode(ctx context.Context, err error) int {
	switch {
	case err == nil:
		return exitOK
	case ctx.Err() != nil:
		return exitOK
	case errors.Is(err, app.ErrLoggedOut):
		fmt.Fprintln(os.Stderr, "session logged out")
		return exitOK
	case errors.Is(err, app.ErrNotLoggedIn):
		fmt.Fprintln(os.Stderr, "not logged in; run `portal-client login` first")
		return exitNotLoggedIn
	default:
		fmt.Fprintln(os.Stderr, err)
		return exitFailure
	}
}
