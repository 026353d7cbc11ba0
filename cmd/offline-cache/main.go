package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/pkg/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// this is set by goreleaser
var version string

func init() {
	if version == "" {
		version = "DEV"
	}
}

func main() {
	config, err := loadConfig(os.Args[1:], os.Stderr)
	if err != nil {
		os.Exit(2)
	}

	// set log level
	logLevel := zerolog.DebugLevel
	if config.Trace {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if config.LogFile != "" {
		if logFileOutput, err := os.OpenFile(config.LogFile, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	if err := run(config); err != nil {
		log.Error().Err(err).Msg("Exiting")
		os.Exit(1)
	}
}

// run serves until SIGINT or SIGTERM. It returns once both servers have
// stopped and the worker is closed.
func run(config Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "offline-cache", version)
	if err != nil {
		return fmt.Errorf("set up tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	manifest, err := config.Manifest()
	if err != nil {
		return fmt.Errorf("cache configuration: %w", err)
	}
	originURL, originHost, err := config.OriginURL()
	if err != nil {
		return fmt.Errorf("origin: %w", err)
	}
	storage, err := config.openStorage(ctx)
	if err != nil {
		return fmt.Errorf("open %s storage: %w", config.Storage, err)
	}

	worker, err := offlinecache.CreateWorker(offlinecache.Config{
		Storage:         storage,
		Manifest:        manifest,
		Classify:        config.Classify,
		OriginURL:       originURL,
		OriginHost:      originHost,
		DeferActivation: config.DeferActivation,
		Logger:          &log.Logger,
	})
	if err != nil {
		return fmt.Errorf("create worker: %w", err)
	}
	defer worker.Close()

	go func() {
		if err := worker.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Worker did not activate, proxying without cache")
		}
	}()

	servers := []*http.Server{{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: worker,
	}}
	if config.AdminAddr != "" {
		servers = append(servers, &http.Server{
			Addr:    config.AdminAddr,
			Handler: worker.AdminHandler(),
		})
		log.Info().Msgf("Serving %s on %s", offlinecache.AdminPrefix, config.AdminAddr)
	}
	log.Info().Msgf("Proxying port %v to %s (with hostname '%s')", config.Port, originURL.String(), originHost)

	g, gctx := errgroup.WithContext(ctx)
	for _, server := range servers {
		g.Go(func() error {
			if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen on %s: %w", server.Addr, err)
			}
			return nil
		})
	}
	// Shutdown returns only after in-flight requests are done, so the
	// worker is not closed under a running handler.
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		var errs []error
		for _, server := range servers {
			if err := server.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("shut down %s: %w", server.Addr, err))
			}
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}
