// Package main runs the tablecast relay: it receives signed events from the
// restaurant backend and pushes them to connected kitchen displays over
// WebSocket, keeping a per-restaurant backlog for displays that were offline.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"github.com/codeGROOVE-dev/tablecast/pkg/config"
	"github.com/codeGROOVE-dev/tablecast/pkg/logger"
	"github.com/codeGROOVE-dev/tablecast/pkg/metrics"
	"github.com/codeGROOVE-dev/tablecast/pkg/security"
	"github.com/codeGROOVE-dev/tablecast/pkg/srv"
	"github.com/codeGROOVE-dev/tablecast/pkg/store"
	"github.com/codeGROOVE-dev/tablecast/pkg/webhook"
)

const (
	readTimeout     = 10 * time.Second
	writeTimeout    = 10 * time.Second
	idleTimeout     = 120 * time.Second
	maxHeaderBytes  = 1 << 20
	shutdownTimeout = 5 * time.Second
)

var envFile = flag.String("env-file", "", "dotenv file to load (default: ./.env if present)")

func main() {
	flag.Parse()
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

//nolint:funlen // wiring
func run() error {
	var files []string
	if *envFile != "" {
		files = append(files, *envFile)
	}
	cfg, err := config.LoadRelay(files...)
	if err != nil {
		return err
	}
	logger.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: config.ParseLevel(cfg.LogLevel)})))
	if len(cfg.Tokens) == 0 {
		logger.Warn(context.Background(), "RELAY_TOKENS is empty: every display connection will be refused", nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backlog, closeBacklog, err := openBacklog(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBacklog()

	reg := metrics.NewRegistry()
	hub := srv.NewHub(reg)
	go hub.Run(ctx)

	limiter := security.NewConnectionLimiter(cfg.MaxConnsPerIP, cfg.MaxConnsTotal)
	defer limiter.Stop()

	auth := srv.StaticTokens(cfg.Tokens)
	ws := srv.NewWebSocketHandler(hub, limiter, auth)
	ws.PingInterval = cfg.PingInterval

	hook := webhook.NewHandler(hub, backlog, cfg.WebhookSecret)
	if err := hook.Validate(); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		if _, err := fmt.Fprintf(w, "tablecast relay is running (%d clients)\n", hub.ClientCount()); err != nil {
			logger.Warn(r.Context(), "failed to write health check response", logger.Fields{"error": err.Error()})
		}
	})
	mux.Handle("/cable", ws)
	mux.Handle("/webhook", hook)
	mux.Handle("/metrics", reg.Handler())
	srv.NewNotificationsHandler(backlog, auth).Register(mux)

	server := &http.Server{
		Addr:           cfg.Addr,
		Handler:        mux,
		ReadTimeout:    readTimeout,
		WriteTimeout:   writeTimeout,
		IdleTimeout:    idleTimeout,
		MaxHeaderBytes: maxHeaderBytes,
	}

	done := make(chan struct{})
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		logger.Info(ctx, "shutting down relay", nil)

		cancel()
		hub.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil { //nolint:contextcheck // parent is already cancelled
			logger.Error(ctx, "server shutdown error", err, nil)
		}
		hub.Wait()
		close(done)
	}()

	if cfg.LetsEncrypt {
		err = serveTLS(ctx, server, cfg)
	} else {
		logger.Warn(ctx, "TLS not enabled; set RELAY_LETSENCRYPT for production", logger.Fields{"addr": cfg.Addr})
		err = server.ListenAndServe()
	}
	if !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}

	<-done
	logger.Info(ctx, "relay stopped", nil)
	return nil
}

func serveTLS(ctx context.Context, server *http.Server, cfg *config.Relay) error {
	if err := os.MkdirAll(cfg.LECacheDir, 0o700); err != nil {
		return fmt.Errorf("create Let's Encrypt cache directory: %w", err)
	}
	m := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(cfg.LEDomains...),
		Cache:      autocert.DirCache(cfg.LECacheDir),
		Email:      cfg.LEEmail,
	}
	server.Addr = ":443"
	server.TLSConfig = &tls.Config{
		GetCertificate: m.GetCertificate,
		MinVersion:     tls.VersionTLS13,
	}

	go func() {
		acme := &http.Server{
			Addr:         ":80",
			Handler:      m.HTTPHandler(nil),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  idleTimeout,
		}
		logger.Info(ctx, "serving ACME challenges on :80", nil)
		if err := acme.ListenAndServe(); err != nil {
			logger.Error(ctx, "ACME server failed; certificate renewal may fail", err, nil)
		}
	}()

	logger.Info(ctx, "serving HTTPS with Let's Encrypt", logger.Fields{"domains": cfg.LEDomains})
	return server.ListenAndServeTLS("", "")
}

func openBacklog(ctx context.Context, cfg *config.Relay) (store.Backlog, func(), error) {
	if cfg.Backlog != "postgres" {
		return store.NewMemory(cfg.BacklogSize), func() {}, nil
	}
	pool, err := store.Connect(ctx, cfg.DatabaseURL, 16)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	pg, err := store.NewPostgres(pool)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := pg.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return pg, pool.Close, nil
}
