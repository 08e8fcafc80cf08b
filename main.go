// Package main is the entry point for the overwatch alarm service.
package main

import (
	"context"
	"fmt"
	"os"

	"overwatch/bootstrap"
	"overwatch/cmd"
)

// run initializes and starts the service, blocking until shutdown.
func run() error {
	ctx := context.Background()

	app, err := bootstrap.NewApp(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	if err := app.Start(ctx); err != nil {
		app.Shutdown()
		return fmt.Errorf("failed to start application: %w", err)
	}

	app.WaitForShutdown()
	app.Shutdown()
	return nil
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "rules" {
		os.Args = append([]string{os.Args[0]}, os.Args[2:]...)
		rulesCmd := cmd.NewRulesCmd()
		if err := rulesCmd.Execute(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}
