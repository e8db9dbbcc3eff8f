package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/mhaberler/adsb-feeder/app"
)

func main() {
	cmd := &cli.Command{
		Name:  "adsb-feeder",
		Usage: "Aggregate SBS-1 feeds and fan them out to TCP/WebSocket subscribers",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Category: "upstream",
				Name:     "upstream.connect",
				Aliases:  []string{"connect"},
				Usage:    "`HOST:PORT` of an upstream feeder to dial (repeatable)",
			},
			&cli.StringFlag{
				Category: "upstream",
				Name:     "upstream.listen",
				Usage:    "`ADDRESS` to accept inbound feeder connections on (optional)",
			},
			&cli.BoolFlag{
				Category: "upstream",
				Name:     "upstream.permanent",
				Usage:    "Start the upstream client group at startup and never stop it, regardless of subscriber count",
			},
			&cli.StringFlag{
				Category: "server",
				Name:     "server.tcp_listen",
				Usage:    "`ADDRESS` for unauthenticated TCP subscribers (optional)",
			},
			&cli.StringFlag{
				Category: "server",
				Name:     "server.http_listen",
				Value:    ":8080",
				Usage:    "`ADDRESS` for the HTTP server (WebSocket handshake, /api/status, /metrics)",
			},
			&cli.StringFlag{
				Category: "security",
				Name:     "security.jwt_secret",
				Sources:  cli.EnvVars("JWT_SECRET"),
				Usage:    "Shared secret for signing/verifying WebSocket session tokens (HS256)",
				Hidden:   true,
			},
			&cli.StringFlag{
				Category: "monitoring",
				Name:     "monitoring.tracing_endpoint",
				Aliases:  []string{"tracing"},
				Usage:    "OpenTelemetry collector `ENDPOINT` for traces",
			},
			&cli.BoolFlag{
				Category: "monitoring",
				Name:     "monitoring.metrics_enabled",
				Value:    true,
				Usage:    "Expose Prometheus metrics on /metrics",
			},
			&cli.BoolFlag{
				Category: "monitoring",
				Name:     "debug",
				Aliases:  []string{"d"},
				Usage:    "Enable debug logging",
			},
		},
		Action: app.Run,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
