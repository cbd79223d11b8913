package main

import (
	"log"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/anicoll/qvantum-integration/cmd"
)

func main() {
	app := &cli.App{
		Name:   "qvantum-controller",
		Usage:  "controller for qvantum heat pumps",
		Action: cmd.ControllerCommand,
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:    "fast-scan-interval",
				EnvVars: []string{"FAST_SCAN_INTERVAL"},
				Value:   5 * time.Second,
			},
			&cli.DurationFlag{
				Name:    "normal-scan-interval",
				EnvVars: []string{"NORMAL_SCAN_INTERVAL"},
				Value:   30 * time.Second,
			},
			&cli.DurationFlag{
				Name:    "inventory-ttl",
				EnvVars: []string{"INVENTORY_TTL"},
				Value:   30 * time.Minute,
			},
			&cli.StringFlag{
				Name:    "migrations-folder",
				EnvVars: []string{"MIGRATIONS_FOLDER"},
				Value:   "migrations",
			},
			&cli.StringFlag{
				Name:    "listen-addr",
				EnvVars: []string{"LISTEN_ADDR"},
				Value:   "0.0.0.0:8000",
			},
			&cli.StringFlag{
				Name:    "log-level",
				EnvVars: []string{"LOG_LEVEL"},
				Value:   "INFO",
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
