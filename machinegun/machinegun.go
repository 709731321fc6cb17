package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/PeladoCollado/machinegun/machinegun/app"
	"github.com/PeladoCollado/machinegun/machinegun/logger"
)

const (
	exitStartup = 1
	exitUsage   = 2
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr, app.RunOptions{})
	cancel()
	os.Exit(code)
}

// run parses args, executes one attack and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer, opts app.RunOptions) int {
	defer logger.Sync()

	cfg, err := app.ParseConfig(args)
	if errors.Is(err, flag.ErrHelp) {
		app.Usage(stdout)
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "Unable to parse configuration: %v\n", err)
		app.Usage(stderr)
		return exitUsage
	}

	if opts.Output == nil {
		opts.Output = stdout
	}
	if _, err := app.Run(ctx, cfg, opts); err != nil {
		var cfgErr *app.ConfigError
		if errors.As(err, &cfgErr) {
			fmt.Fprintf(stderr, "Unable to parse configuration: %v\n", err)
			return exitUsage
		}
		logger.Logger.Error("Unable to start attack: ", err)
		fmt.Fprintf(stderr, "Unable to start attack: %v\n", err)
		return exitStartup
	}
	return 0
}
