package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"poolwatch/internal/app"
	"poolwatch/internal/clock"
	"poolwatch/internal/config"
)

// main starts the blue/green log watcher.
// Params: CLI flags (--config-file or --config-dir, both optional) and environment overrides.
// Returns: exit code 2 on config errors, 1 on init failure or fatal source loss.
func main() {
	var (
		configFile = flag.String("config-file", "", "path to one TOML config file")
		configDir  = flag.String("config-dir", "", "path to directory with TOML config fragments")
	)
	flag.Parse()

	source, err := config.FromCLI(*configFile, *configDir)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}

	service, err := app.NewService(source, clock.RealClock{})
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "service init failed:", err.Error())
		if errors.Is(err, app.ErrInvalidConfig) {
			os.Exit(2)
		}
		os.Exit(1)
	}

	if err := service.Run(context.Background()); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "service run failed:", err.Error())
		os.Exit(1)
	}
}
