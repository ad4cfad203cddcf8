package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sipcore/sipcore/internal/api"
	"github.com/sipcore/sipcore/internal/api/middleware"
	"github.com/sipcore/sipcore/internal/config"
	"github.com/sipcore/sipcore/internal/database"
	"github.com/sipcore/sipcore/internal/hostapi"
	"github.com/sipcore/sipcore/internal/identity"
	"github.com/sipcore/sipcore/internal/media"
	"github.com/sipcore/sipcore/internal/metrics"
	"github.com/sipcore/sipcore/internal/phone"
	"github.com/sipcore/sipcore/internal/reload"
	"github.com/sipcore/sipcore/internal/sip"
)

const userAgent = "sipcore/1.0"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "hash-password" {
		if err := hashPassword(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("sipcore exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	startTime := time.Now()
	slog.Info("starting sipcore",
		"http_port", cfg.HTTPPort,
		"data_dir", cfg.DataDir,
		"host_url", cfg.HostURL,
		"config_file", cfg.ConfigFile,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	prefs, err := database.NewPreferenceRepository(ctx, db)
	if err != nil {
		return fmt.Errorf("loading preferences: %w", err)
	}
	history := database.NewCallHistoryRepository(db)

	source, watch, err := configSource(cfg, logger)
	if err != nil {
		return err
	}

	principal := cfg.Principal
	if principal == "" {
		principal, err = identity.PrincipalFromToken(cfg.Token)
		if err != nil {
			return fmt.Errorf("deriving principal from token: %w", err)
		}
	}

	tracer := sip.NewMessageTracer(logger, sip.ParseTraceLevel(cfg.SIPTrace))
	factory := sip.NewFactory(sip.FactoryOptions{
		Logger:     logger,
		ListenAddr: cfg.SIPListenAddr,
		UserAgent:  userAgent,
		Tracer:     tracer,
	})

	var collector *metrics.Collector
	ph, err := phone.New(phone.Options{
		Source:      source,
		Principal:   principal,
		Factory:     factory,
		Sink:        media.NewHeadlessSink(logger),
		Devices:     media.NewDevices(media.SystemBackend{}, logger),
		Preferences: prefs,
		History:     &historyLog{repo: history},
		Logger:      logger,
		OnReload: func(result string) {
			collector.ObserveReload(result)
		},
	})
	if err != nil {
		return err
	}
	defer ph.Close()

	collector = metrics.NewCollector(ph, history, startTime, logger)
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collector,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if err := ph.Start(ctx); err != nil {
		return fmt.Errorf("starting phone: %w", err)
	}

	// Background watchers hint the reload coordinator; they never block it.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := watch(ctx, ph.HintReload); err != nil {
			slog.Error("config watcher stopped", "error", err)
		}
	}()
	if cfg.PollInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pollConfig(ctx, cfg.PollInterval, ph.HintReload)
		}()
	}

	jwtSecret, err := cfg.JWTSecretBytes()
	if err != nil {
		return err
	}
	if cfg.APIPasswordHash != "" {
		if _, err := database.ParsePasswordHash(cfg.APIPasswordHash); err != nil {
			return fmt.Errorf("api-password-hash: %w", err)
		}
	}

	handler := api.NewServer(api.Options{
		Phone:        ph,
		History:      history,
		Tracer:       tracer,
		Metrics:      promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		PasswordHash: cfg.APIPasswordHash,
		JWTSecret:    jwtSecret,
		CORSOrigins:  middleware.ParseCORSOrigins(cfg.CORSOrigins),
		StartTime:    startTime,
		Logger:       logger,
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		handler.Run(ctx)
	}()

	// WriteTimeout stays unset; the event stream clears its own deadline and
	// every other handler answers quickly.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("received shutdown signal")
	case serveErr = <-errCh:
		slog.Error("http server error", "error", serveErr)
		stop()
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}
	ph.Close()
	wg.Wait()

	slog.Info("sipcore stopped")
	return serveErr
}

// watchFunc blocks until ctx ends, calling hint when the configuration may
// have changed.
type watchFunc func(ctx context.Context, hint func(reason string)) error

// configSource builds the configuration source and its change watcher.
func configSource(cfg *config.Config, logger *slog.Logger) (reload.Source, watchFunc, error) {
	if cfg.ConfigFile != "" {
		fs := hostapi.NewFileSource(cfg.ConfigFile, logger)
		return fs, fs.Watch, nil
	}

	client := hostapi.NewClient(cfg.HostURL, cfg.Token)
	stream, err := hostapi.NewEventStream(cfg.HostURL, cfg.Token, cfg.EventType, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("creating host event stream: %w", err)
	}
	return client, stream.Run, nil
}

// pollConfig hints a reload every interval until ctx ends.
func pollConfig(ctx context.Context, interval time.Duration, hint func(reason string)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hint("poll")
		}
	}
}

// hashPassword prints the argon2id hash for SIPCORE_API_PASSWORD_HASH. The
// password comes from the first argument or the first line of stdin.
func hashPassword(args []string) error {
	var password string
	if len(args) > 0 {
		password = args[0]
	} else {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("reading password from stdin: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}
	if password == "" {
		return errors.New("password must not be empty")
	}

	hash, err := database.HashPassword(password)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}
