// The reverb command runs the voice relay server: it loads configuration,
// stands up the transport and relay, and polls until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/reverb-project/reverb/internal"
	"github.com/reverb-project/reverb/internal/core"
)

func main() {
	app := &cli.App{
		Name:  "reverb",
		Usage: "real-time voice relay server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the directory containing the server config file",
				EnvVars: []string{"REVERB_CONFIG"},
				Value:   "./",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cliCtx *cli.Context) error {
	config, err := core.LoadConfig(cliCtx.String("config"))
	if err != nil {
		return err
	}

	// Bind the controller to one top-level context so that SIGINT and
	// SIGTERM shut the relay down gracefully.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		fmt.Println("shutting down...")
		cancel()
	}()

	controller := &internal.Controller{Config: config}
	return controller.Start(ctx)
}
