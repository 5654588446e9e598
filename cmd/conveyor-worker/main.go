// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// conveyor-worker runs one job inside the compute unit the lifecycle
// controller created for it. It reads the job payload, streams
// everything it does to the broker, reports job state through the
// API, and exits 0 when every task group succeeded.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/conveyor/api"
	"github.com/bureau-foundation/conveyor/breakpoint"
	"github.com/bureau-foundation/conveyor/broker"
	"github.com/bureau-foundation/conveyor/lib/clock"
	"github.com/bureau-foundation/conveyor/lib/process"
	"github.com/bureau-foundation/conveyor/lib/schema"
	"github.com/bureau-foundation/conveyor/lib/version"
	"github.com/bureau-foundation/conveyor/lifecycle"
	"github.com/bureau-foundation/conveyor/taskgroup"
)

// flushTimeout bounds how long a finished worker waits for the broker
// to take its buffered events.
const flushTimeout = 30 * time.Second

// errJobFailed makes the process exit 1 without a second error line.
var errJobFailed = errors.New("job failed")

func main() {
	if err := run(); err != nil {
		if errors.Is(err, errJobFailed) {
			os.Exit(1)
		}
		process.Fatal(err)
	}
}

// workerEnv is what the lifecycle controller hands every worker.
type workerEnv struct {
	apiURL        string
	brokerAddress string
	token         string
	payloadPath   string
	buildRoot     string
	bufferLimit   int
}

func readEnv() (workerEnv, error) {
	env := workerEnv{
		apiURL:        os.Getenv(lifecycle.EnvAPIURL),
		brokerAddress: os.Getenv(lifecycle.EnvBrokerAddress),
		token:         os.Getenv(lifecycle.EnvToken),
		payloadPath:   os.Getenv(lifecycle.EnvPayload),
		buildRoot:     os.Getenv(lifecycle.EnvBuildRoot),
	}
	var missing []string
	for name, value := range map[string]string{
		lifecycle.EnvAPIURL:        env.apiURL,
		lifecycle.EnvBrokerAddress: env.brokerAddress,
		lifecycle.EnvToken:         env.token,
		lifecycle.EnvPayload:       env.payloadPath,
	} {
		if value == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return workerEnv{}, fmt.Errorf("missing environment: %s", strings.Join(missing, ", "))
	}
	if limit := os.Getenv(lifecycle.EnvBufferLimit); limit != "" {
		parsed, err := strconv.Atoi(limit)
		if err != nil {
			return workerEnv{}, fmt.Errorf("%s: %w", lifecycle.EnvBufferLimit, err)
		}
		env.bufferLimit = parsed
	}
	return env, nil
}

func readPayload(path string) (*schema.JobPayload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading payload: %w", err)
	}
	var payload schema.JobPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("parsing payload %s: %w", path, err)
	}
	if payload.JobInstanceID == "" || payload.StageID == "" || payload.JobID == "" {
		return nil, fmt.Errorf("payload %s is missing its job identity", path)
	}
	return &payload, nil
}

// taskEnviron is the worker's own environment without its credential.
func taskEnviron() []string {
	var env []string
	for _, entry := range os.Environ() {
		if strings.HasPrefix(entry, lifecycle.EnvToken+"=") {
			continue
		}
		env = append(env, entry)
	}
	return env
}

func run() error {
	var (
		logLevel    string
		showVersion bool
	)
	flags := pflag.NewFlagSet("conveyor-worker", pflag.ContinueOnError)
	flags.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}
	if showVersion {
		version.Print("conveyor-worker")
		return nil
	}

	logger, err := process.NewLogger(logLevel)
	if err != nil {
		return err
	}
	env, err := readEnv()
	if err != nil {
		return err
	}
	payload, err := readPayload(env.payloadPath)
	if err != nil {
		return err
	}
	logger = logger.With("job_instance_id", payload.JobInstanceID)

	if env.buildRoot != "" {
		if err := os.MkdirAll(env.buildRoot, 0o755); err != nil {
			return fmt.Errorf("creating build root: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	jobCtx, stopJob := context.WithCancel(ctx)
	defer stopJob()

	clk := clock.Real()
	client := api.NewClient(env.apiURL, env.token)
	reporter := stateReporter{api: client, jobInstanceID: payload.JobInstanceID}

	// The source is created before the coordinator it routes resumes
	// to, so the control handler is bound late.
	var control *controller
	source := broker.NewSource(broker.SourceConfig{
		Address: env.brokerAddress,
		Metadata: broker.Announce{
			JobInstanceID:      payload.JobInstanceID,
			PipelineID:         payload.Pipeline.ID,
			PipelineInstanceID: payload.PipelineInstanceID,
			StageID:            payload.StageID,
			JobID:              payload.JobID,
		},
		BufferLimit: env.bufferLimit,
		OnControl:   func(message broker.Message) { control.handle(message) },
		Clock:       clk,
		Logger:      logger.With("component", "source"),
	})
	events := &streamer{source: source, clock: clk}
	coordinator := breakpoint.New(breakpoint.Config{
		Reporter: reporter,
		Notifier: events,
		Clock:    clk,
		Logger:   logger.With("component", "breakpoint"),
	})
	control = newController(ctx, coordinator, events, stopJob, logger)

	sourceCtx, stopSource := context.WithCancel(context.Background())
	sourceDone := make(chan error, 1)
	go func() { sourceDone <- source.Run(sourceCtx) }()
	defer func() {
		stopSource()
		source.Close()
		<-sourceDone
	}()

	scheduler, err := taskgroup.New(taskgroup.Config{
		Pipeline:    &payload.Pipeline,
		StageID:     payload.StageID,
		JobID:       payload.JobID,
		BuildRoot:   env.buildRoot,
		BaseEnv:     taskEnviron(),
		Secrets:     client,
		Breakpoints: coordinator,
		Runner:      taskgroup.ShellRunner{},
		Observer:    events,
		Clock:       clk,
		Logger:      logger.With("component", "scheduler"),
	})
	if err != nil {
		reportFinal(ctx, reporter, schema.JobFailed, logger)
		flush(source, logger)
		return err
	}

	if err := reporter.ReportState(ctx, schema.JobBuilding); err != nil {
		logger.Error("reporting building failed", "error", err)
	}
	logger.Info("job started",
		"pipeline_id", payload.Pipeline.ID,
		"pipeline_instance_id", payload.PipelineInstanceID,
		"stage_id", payload.StageID,
		"job_id", payload.JobID,
	)

	result, runErr := scheduler.Run(jobCtx)
	succeeded := runErr == nil && result.Succeeded()

	switch {
	case control.wasStopped():
		// The server records the cancellation itself.
		logger.Info("job stopped")
	case succeeded:
		reportFinal(ctx, reporter, schema.JobFinished, logger)
	default:
		reportFinal(ctx, reporter, schema.JobFailed, logger)
	}
	flush(source, logger)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	if !succeeded {
		logger.Info("job failed")
		return errJobFailed
	}
	logger.Info("job finished")
	return nil
}

// reportFinal reports a terminal state. It uses its own deadline so a
// signal that ended the job does not also swallow the report.
func reportFinal(ctx context.Context, reporter stateReporter, state schema.JobState, logger *slog.Logger) {
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	defer cancel()
	if err := reporter.ReportState(reportCtx, state); err != nil {
		logger.Error("reporting final state failed", "state", state, "error", err)
	}
}

func flush(source *broker.Source, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := source.Flush(ctx); err != nil {
		logger.Warn("events not delivered before exit", "buffered", source.Buffered(), "error", err)
	}
}
