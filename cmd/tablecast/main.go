// Package main is a kitchen display client: it connects to the restaurant's
// notification relay and prints order and inventory events as they arrive.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/codeGROOVE-dev/tablecast/pkg/cable"
	"github.com/codeGROOVE-dev/tablecast/pkg/config"
	"github.com/codeGROOVE-dev/tablecast/pkg/credentials"
	"github.com/codeGROOVE-dev/tablecast/pkg/metrics"
	"github.com/codeGROOVE-dev/tablecast/pkg/netwatch"
	"github.com/codeGROOVE-dev/tablecast/pkg/notify"
	"github.com/codeGROOVE-dev/tablecast/pkg/realtime"
	"github.com/codeGROOVE-dev/tablecast/pkg/security"
	"github.com/codeGROOVE-dev/tablecast/pkg/store"
)

// Version is set at build time.
var Version = "dev"

const shutdownTimeout = 5 * time.Second

func run() error {
	var (
		envFile    = flag.String("env-file", "", "dotenv file to load (default: ./.env if present)")
		apiURL     = flag.String("api", "", "notification API base URL (overrides TABLECAST_API_URL)")
		restaurant = flag.String("restaurant", "", "restaurant id to follow (overrides TABLECAST_RESTAURANT_ID)")
		token      = flag.String("token", "", "bearer token (overrides TABLECAST_TOKEN)")
		outputJSON = flag.Bool("json", false, "print events as JSON records")
		verbose    = flag.Bool("verbose", false, "log at debug level")
	)
	flag.Parse()

	var files []string
	if *envFile != "" {
		files = append(files, *envFile)
	}
	if *apiURL != "" {
		if err := os.Setenv("TABLECAST_API_URL", *apiURL); err != nil {
			return fmt.Errorf("set api url: %w", err)
		}
	}
	cfg, err := config.LoadClient(files...)
	if err != nil {
		return err
	}
	if *restaurant != "" {
		cfg.RestaurantID = *restaurant
	}
	if *outputJSON {
		cfg.Output = "json"
	}
	if *verbose {
		cfg.LogLevel = "debug"
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: config.ParseLevel(cfg.LogLevel)}))

	creds := credentials.Chain{
		credentials.Static(*token),
		credentials.Static(cfg.Token),
		credentials.File(cfg.TokenFile),
		credentials.AuthState(cfg.AuthStateFile),
	}
	if creds.Token() == "" {
		return errors.New("no token: set -token, TABLECAST_TOKEN, TABLECAST_TOKEN_FILE or TABLECAST_AUTH_STATE")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, closeStore, err := openStore(ctx, cfg, creds, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	var reg *metrics.Registry
	if cfg.MetricsAddr != "" {
		reg = metrics.NewRegistry()
		go serveMetrics(ctx, cfg.MetricsAddr, reg, logger)
	}

	var network cable.NetworkMonitor
	if cfg.ProbeAddress != "" {
		mon := netwatch.New(netwatch.Config{Address: cfg.ProbeAddress, Logger: logger.With("component", "netwatch")})
		go mon.Run(ctx)
		network = mon
	}

	header := http.Header{}
	header.Set("User-Agent", "tablecast/"+Version)
	svc, err := realtime.New(realtime.Config{
		Logger:  logger,
		Metrics: reg,
		Connection: cable.Config{
			Transport:            &cable.WebSocketTransport{Header: header},
			Credentials:          creds,
			Network:              network,
			BaseURL:              cfg.BaseURL,
			PageURL:              cfg.PageURL,
			Channels:             cfg.Channels,
			HeartbeatInterval:    cfg.HeartbeatInterval,
			MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		},
		Notifications: notify.Config{Store: st},
	})
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	p := &printer{w: os.Stdout, json: cfg.Output == "json"}
	for _, kind := range notify.Kinds {
		svc.RegisterHandler(kind, p.print, "cli")
	}
	svc.SetAdminContext(cfg.Admin)

	fatal := make(chan error, 1)
	svc.RegisterStatusHandler(func(s cable.Status) {
		attrs := []any{"state", s.State.String()}
		if s.Attempt > 0 {
			attrs = append(attrs, "attempt", s.Attempt)
		}
		if s.Err != nil {
			attrs = append(attrs, "error", s.Err)
		}
		logger.Info("connection status", attrs...)
		if s.State == cable.Errored && cable.IsTerminal(s.Err) {
			select {
			case fatal <- s.Err:
			default:
			}
		}
	})

	logger.Info("starting tablecast",
		"version", Version,
		"restaurant_id", cfg.RestaurantID,
		"api", security.RedactURL(cfg.BaseURL),
		"store", cfg.Store)
	svc.Initialize(cfg.RestaurantID)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	var runErr error
	select {
	case sig := <-interrupt:
		logger.Info("signal received, shutting down", "signal", sig.String())
	case runErr = <-fatal:
	}

	done := make(chan struct{})
	go func() {
		svc.Cleanup()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timeout exceeded")
	}
	return runErr
}

func openStore(ctx context.Context, cfg *config.Client, creds credentials.Source, logger *slog.Logger) (store.Store, func(), error) {
	switch cfg.Store {
	case "memory":
		return store.NewMemory(0), func() {}, nil
	case "postgres":
		pool, err := store.Connect(ctx, cfg.DatabaseURL, 4)
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
	default:
		base := cfg.BaseURL
		if base == "" {
			base = cfg.PageURL
		}
		st, err := store.NewHTTP(store.HTTPConfig{
			BaseURL:     base,
			Credentials: creds,
			Logger:      logger.With("component", "store"),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("notification API: %w", err)
		}
		return st, func() {}, nil
	}
}

func serveMetrics(ctx context.Context, addr string, reg *metrics.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	s := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		_ = s.Close() //nolint:errcheck // shutting down
	}()
	logger.Info("serving metrics", "addr", addr)
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server failed", "error", err)
	}
}

// printer writes one line per event.
type printer struct {
	w    io.Writer
	mu   sync.Mutex
	json bool
}

func (p *printer) print(ev notify.Event) {
	at := ev.ReceivedAt
	if at.IsZero() {
		at = time.Now()
	}
	rec := notify.NewRecord(ev, notify.DefaultID(ev), at)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.json {
		b, err := json.Marshal(rec)
		if err != nil {
			log.Printf("failed to marshal event: %v", err)
			return
		}
		fmt.Fprintln(p.w, string(b)) //nolint:errcheck // stdout
		return
	}
	line := fmt.Sprintf("%s  %-13s  %s", rec.CreatedAt.Format(time.TimeOnly), rec.Type, rec.Title)
	if rec.Body != "" {
		line += "  (" + rec.Body + ")"
	}
	fmt.Fprintln(p.w, strings.TrimSpace(line)) //nolint:errcheck // stdout
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
