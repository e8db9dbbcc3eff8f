// Package app wires every component described in SPEC_FULL.md together
// into one running process: the observation table, the upstream client
// group and server, the subscriber registry and its two transports, the
// fan-out scheduler, and the lifecycle supervisor coupling them.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/urfave/cli/v3"

	"github.com/mhaberler/adsb-feeder/fanout"
	"github.com/mhaberler/adsb-feeder/logging"
	"github.com/mhaberler/adsb-feeder/monitoring"
	"github.com/mhaberler/adsb-feeder/observation"
	"github.com/mhaberler/adsb-feeder/sbs1"
	"github.com/mhaberler/adsb-feeder/security"
	"github.com/mhaberler/adsb-feeder/subscriber"
	"github.com/mhaberler/adsb-feeder/supervisor"
	"github.com/mhaberler/adsb-feeder/upstream"
)

// Run is the CLI action that starts the aggregator and every transport it
// serves, until ctx is cancelled.
func Run(ctx context.Context, c *cli.Command) error {
	logLevel := "info"
	if c.Bool("debug") {
		logLevel = "debug"
	}
	logger := logging.New(logLevel)

	shutdownTracer := monitoring.InitTracer(c.String("monitoring.tracing_endpoint"), "adsb-feeder", logger)
	defer shutdownTracer()

	secret := c.String("security.jwt_secret")
	if secret == "" {
		return fmt.Errorf("security.jwt_secret (JWT_SECRET) must be set: refusing to start without it")
	}
	auth, err := security.NewAuthenticator(secret)
	if err != nil {
		return err
	}

	table, err := observation.NewTable(logger)
	if err != nil {
		return fmt.Errorf("open observation table: %w", err)
	}
	defer table.Close()

	connect := c.StringSlice("upstream.connect")
	group := supervisor.NewGroup(c.Bool("upstream.permanent"), upstreamClientGroup(connect, table, logger), logger)

	registry := subscriber.NewRegistry(group.OnSubscriberCountChanged)
	group.Init(ctx)

	if listen := c.String("upstream.listen"); listen != "" {
		srv := upstream.NewServer(listen, lineHandler(table, logger), logger)
		go func() {
			if err := srv.Run(ctx); err != nil {
				logger.Errorf("upstream server addr=%s exited err=%v", listen, err)
			}
		}()
	}

	if tcpListen := c.String("server.tcp_listen"); tcpListen != "" {
		go serveTCPSubscribers(ctx, tcpListen, registry, logger)
	}

	scheduler := fanout.NewScheduler(table, registry, logger)
	go scheduler.Run(ctx)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(monitoring.ETagMiddleware)
	r.Use(middleware.RequestID)

	// The WebSocket upgrade route stays on the root router, unwrapped by
	// any middleware that would interfere with the hijack gorilla performs
	// during Upgrade.
	r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		sess := subscriber.Upgrade(w, r, auth, logger)
		if sess == nil {
			return
		}
		registry.Register(sess)
		sess.Serve()
		registry.Unregister(sess)
	})

	api := chi.NewRouter()
	api.Use(middleware.Compress(5))
	api.Use(middleware.Timeout(15 * time.Second))
	api.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "no-referrer")
			next.ServeHTTP(w, r)
		})
	})
	api.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
	}))
	api.Use(monitoring.TracingMiddleware)
	api.Use(monitoring.MetricsMiddleware)
	api.Use(monitoring.LoggingMiddleware(logger))

	if c.Bool("monitoring.metrics_enabled") {
		api.Handle("/metrics", monitoring.PrometheusHandler())
	}
	api.Get("/api/status", statusHandler(table, registry))

	r.Mount("/", api)

	listen := c.String("server.http_listen")
	logger.Infof("http server listening on %s", listen)
	srv := &http.Server{
		Addr:              listen,
		Handler:           r,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      20 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Infof("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

// upstreamClientGroup returns the supervised start function for the
// configured upstream client endpoints (§4.8).
func upstreamClientGroup(endpoints []string, table *observation.Table, logger logging.Logger) func(context.Context) {
	return func(ctx context.Context) {
		clients := make([]*upstream.Client, 0, len(endpoints))
		for _, addr := range endpoints {
			clients = append(clients, upstream.NewClient(addr, lineHandler(table, logger), logger))
		}
		for _, client := range clients {
			go client.Run(ctx)
		}
		<-ctx.Done()
	}
}

// lineHandler adapts upstream.LineHandler onto the SBS-1 parser and the
// observation table (§4.2), bumping the parser message metric along the way.
func lineHandler(table *observation.Table, logger logging.Logger) upstream.LineHandler {
	return func(line string, at time.Time) {
		rec, ok := sbs1.Parse(line)
		if !ok {
			return
		}
		monitoring.ParserMessages.WithLabelValues(rec.TransmissionType.String()).Inc()
		table.Ingest(rec, at)
	}
}

// serveTCPSubscribers accepts unauthenticated TCP subscribers (§4.5) until
// ctx is cancelled.
func serveTCPSubscribers(ctx context.Context, addr string, registry *subscriber.Registry, logger logging.Logger) {
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		logger.Errorf("tcp subscriber listener addr=%s failed err=%v", addr, err)
		return
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warnf("tcp subscriber accept failed err=%v", err)
			continue
		}
		sess := subscriber.NewTCPSession(conn, logger)
		registry.Register(sess)
		go func() {
			sess.Serve()
			registry.Unregister(sess)
		}()
	}
}

// statusHandler surfaces per-component counters as JSON (SPEC_FULL.md
// SUPPLEMENTED FEATURES): observation table size and rates, and the
// current subscriber count.
func statusHandler(table *observation.Table, registry *subscriber.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counters := table.Counters()
		snapshot := table.Snapshot()
		monitoring.ObservationTableSize.Set(float64(len(snapshot)))
		monitoring.ObservationMessageRate.Set(counters.MessageRate)
		monitoring.ObservationPresentableRate.Set(counters.ObservationRate)

		resp := struct {
			TableSize       int     `json:"table_size"`
			Messages        int64   `json:"messages"`
			MessageRate     float64 `json:"message_rate"`
			ObservationRate float64 `json:"observation_rate"`
			Subscribers     int     `json:"subscribers"`
		}{
			TableSize:       len(snapshot),
			Messages:        counters.Messages,
			MessageRate:     counters.MessageRate,
			ObservationRate: counters.ObservationRate,
			Subscribers:     registry.Count(),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}
