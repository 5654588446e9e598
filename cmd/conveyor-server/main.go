// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// conveyor-server runs the orchestrator: the HTTP control API, the
// stage trigger cascade, the worker lifecycle controller, and both
// surfaces of the streaming broker.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/conveyor/api"
	"github.com/bureau-foundation/conveyor/broker"
	"github.com/bureau-foundation/conveyor/cascade"
	"github.com/bureau-foundation/conveyor/lib/clock"
	"github.com/bureau-foundation/conveyor/lib/config"
	"github.com/bureau-foundation/conveyor/lib/credential"
	"github.com/bureau-foundation/conveyor/lib/process"
	"github.com/bureau-foundation/conveyor/lib/schema"
	"github.com/bureau-foundation/conveyor/lib/sealed"
	"github.com/bureau-foundation/conveyor/lib/version"
	"github.com/bureau-foundation/conveyor/lifecycle"
	"github.com/bureau-foundation/conveyor/store"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		showVersion bool
	)
	flags := pflag.NewFlagSet("conveyor-server", pflag.ContinueOnError)
	flags.StringVar(&configPath, "config", "", "path to conveyor.yaml (default: $CONVEYOR_CONFIG)")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}
	if showVersion {
		version.Print("conveyor-server")
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	durations, err := cfg.Durations()
	if err != nil {
		return err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}
	logger, err := process.NewLogger(cfg.Log.Level)
	if err != nil {
		return err
	}
	workerBinary, err := cfg.WorkerBinaryPath()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()

	records, err := store.Open(ctx, store.Config{
		Path:   cfg.Paths.Database,
		Clock:  clk,
		Logger: logger.With("component", "store"),
	})
	if err != nil {
		return err
	}
	defer records.Close()

	masterSecret, err := credential.LoadOrCreateMasterSecret(cfg.Server.MasterSecretFile)
	if err != nil {
		return err
	}
	issuer, err := credential.NewIssuer(masterSecret, records, clk)
	if err != nil {
		return err
	}

	secrets, err := openSecrets(cfg, logger)
	if err != nil {
		return err
	}

	streams := broker.New(broker.Config{
		HistoryLimit: cfg.Broker.HistoryLimit,
		ClientQueue:  cfg.Broker.ClientQueue,
		Clock:        clk,
		Logger:       logger.With("component", "broker"),
	})
	defer streams.Close()

	// Workers outlive the server; a restarted server rediscovers their
	// units, so shutdown does not wait for them.
	driver, err := lifecycle.NewLocalDriver(lifecycle.LocalConfig{
		Root:   cfg.Paths.Units,
		Binary: workerBinary,
		Clock:  clk,
		Logger: logger.With("component", "local-driver"),
	})
	if err != nil {
		return err
	}

	controller, err := lifecycle.New(lifecycle.Config{
		Store:           records,
		Driver:          driver,
		Credentials:     issuer,
		LogRoot:         cfg.Paths.Logs,
		APIURL:          cfg.Server.PublicAPIURL,
		BrokerAddress:   cfg.Server.PublicSourceAddress,
		BuildRoot:       cfg.Worker.BuildRoot,
		BufferLimit:     cfg.Worker.BufferLimit,
		SweepInterval:   durations.SweepInterval,
		WatchRetryStart: durations.WatchRetryStart,
		WatchRetryMax:   durations.WatchRetryMax,
		OnFinalized: func(job schema.JobInstance) {
			streams.ReleaseAfter(ctx, job.ID, durations.BrokerRetention)
		},
		Clock:  clk,
		Logger: logger.With("component", "lifecycle"),
	})
	if err != nil {
		return err
	}

	orchestrator, err := cascade.New(cascade.Config{
		Store:          records,
		Spawner:        controller,
		WebhookTimeout: durations.WebhookTimeout,
		Clock:          clk,
		Logger:         logger.With("component", "cascade"),
	})
	if err != nil {
		return err
	}

	apiConfig := api.Config{
		Store:        records,
		Orchestrator: orchestrator,
		Canceller:    controller,
		Streams:      streams,
		Verifier:     issuer,
		Logger:       logger.With("component", "api"),
	}
	if secrets != nil {
		apiConfig.Secrets = secrets
	}
	server, err := api.New(apiConfig)
	if err != nil {
		return err
	}

	apiListener, err := net.Listen("tcp", cfg.Server.APIListen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Server.APIListen, err)
	}
	sourceListener, err := net.Listen("tcp", cfg.Server.SourceListen)
	if err != nil {
		apiListener.Close()
		return fmt.Errorf("listening on %s: %w", cfg.Server.SourceListen, err)
	}
	clientListener, err := net.Listen("tcp", cfg.Server.ClientListen)
	if err != nil {
		apiListener.Close()
		sourceListener.Close()
		return fmt.Errorf("listening on %s: %w", cfg.Server.ClientListen, err)
	}

	logger.Info("conveyor server starting",
		"version", version.Info(),
		"api", apiListener.Addr().String(),
		"sources", sourceListener.Addr().String(),
		"clients", clientListener.Addr().String(),
		"worker", workerBinary,
	)

	// Any component returning early takes the others down with it.
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := fn(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("component stopped", "component", name, "error", err)
				cancel(fmt.Errorf("%s: %w", name, err))
				return
			}
			cancel(nil)
		}()
	}
	start("broker-sources", func(ctx context.Context) error { return streams.ServeSources(ctx, sourceListener) })
	start("broker-clients", func(ctx context.Context) error { return streams.ServeClients(ctx, clientListener) })
	start("lifecycle", controller.Run)
	start("cascade", orchestrator.Run)
	start("api", func(ctx context.Context) error { return server.Serve(ctx, apiListener) })

	<-ctx.Done()
	logger.Info("shutting down")
	wg.Wait()

	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config:\n%w", err)
	}
	return cfg, nil
}

// openSecrets returns nil when no identity has been generated yet;
// workers then cannot fetch secrets.
func openSecrets(cfg *config.Config, logger *slog.Logger) (*sealed.Store, error) {
	if _, err := os.Stat(cfg.Secrets.IdentityFile); errors.Is(err, os.ErrNotExist) {
		logger.Warn("no secrets identity; secret fetches will fail",
			"identity_file", cfg.Secrets.IdentityFile,
			"hint", "run 'conveyor secret keygen'")
		return nil, nil
	}
	return sealed.OpenStore(cfg.Secrets.Directory, cfg.Secrets.IdentityFile)
}
