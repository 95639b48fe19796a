package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"coopwatch/internal/app"
	"coopwatch/internal/clock"
	"coopwatch/internal/config"
)

// main starts coop monitoring service using file or directory config source.
// Params: CLI flags (--config-file or --config-dir, optional --check).
// Returns: exit 2 on config errors, 1 on init/run errors.
func main() {
	var (
		configFile = flag.String("config-file", "", "path to one TOML config file")
		configDir  = flag.String("config-dir", "", "path to directory with TOML config fragments")
		checkOnly  = flag.Bool("check", false, "validate configuration and exit")
	)
	flag.Parse()

	source, err := config.FromCLI(*configFile, *configDir)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
	cfg, err := config.LoadSnapshot(source)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "config invalid:", err.Error())
		os.Exit(2)
	}
	if *checkOnly {
		_, _ = fmt.Fprintf(os.Stdout, "config ok: store=%s mqtt=%t reminder_slot=%s\n", cfg.Service.Store, cfg.MQTT.Enabled, cfg.Reminder.Slot)
		return
	}

	service, err := app.NewServiceFromConfig(cfg, clock.RealClock{})
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "service init failed:", err.Error())
		os.Exit(1)
	}

	if err := service.Run(context.Background()); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "service run failed:", err.Error())
		os.Exit(1)
	}
}
