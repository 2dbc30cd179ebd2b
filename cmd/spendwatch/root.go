package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/nexus-trading/spendwatch/internal/audit"
	"github.com/nexus-trading/spendwatch/internal/config"
	"github.com/nexus-trading/spendwatch/internal/detector"
	"github.com/nexus-trading/spendwatch/internal/ledger"
	"github.com/nexus-trading/spendwatch/internal/observability"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const serviceName = "spendwatch"

type options struct {
	configPath string
	degree     int
	window     int
	sigma      float64
	strategy   string
	logLevel   string
	logFormat  string
	metricsOut string
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "spendwatch <batch_log> <stream_log> <flagged_out>",
		Short: "Flag purchases far above what a user's social network spends",
		Long: "spendwatch loads a batch log of friendships and purchases, then replays a stream log,\n" +
			"flagging each purchase that exceeds the mean of the network's last T purchases by\n" +
			"more than sigma standard deviations. Flagged purchases are appended to flagged_out.",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) < 3 {
				return fmt.Errorf("expected 3 file arguments (batch, stream, flagged output), got %d", len(args))
			}
			return nil
		},
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return run(cmd, opts, args, stderr)
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	f := cmd.Flags()
	f.StringVar(&opts.configPath, "config", "", "path to a YAML config file")
	f.IntVar(&opts.degree, "degree", 0, "network degree D (overrides the batch header)")
	f.IntVar(&opts.window, "window", 0, "purchase window T (overrides the batch header)")
	f.Float64Var(&opts.sigma, "sigma", 0, "standard deviations above the mean that flag a purchase")
	f.StringVar(&opts.strategy, "strategy", "", "window strategy: scan|merge")
	f.StringVar(&opts.logLevel, "log-level", "", "log level (debug|info|warn|error)")
	f.StringVar(&opts.logFormat, "log-format", "", "log format (json|text)")
	f.StringVar(&opts.metricsOut, "metrics-out", "", "write metrics in text exposition format to this file")

	return cmd
}

func run(cmd *cobra.Command, opts *options, args []string, logOut io.Writer) error {
	start := time.Now()

	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	setupLogging(cfg.General, logOut)

	if len(args) > 3 {
		log.Warn().Strs("ignored", args[3:]).Msg("Extra arguments ignored")
	}
	batchPath, streamPath, flaggedPath := args[0], args[1], args[2]

	strategy, err := ledger.ParseStrategy(cfg.Detector.Strategy)
	if err != nil {
		return err
	}

	batch, err := os.Open(batchPath)
	if err != nil {
		return fmt.Errorf("open batch log: %w", err)
	}
	defer batch.Close()

	stream, err := os.Open(streamPath)
	if err != nil {
		return fmt.Errorf("open stream log: %w", err)
	}
	defer stream.Close()

	flagged, err := os.OpenFile(flaggedPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open flagged output: %w", err)
	}
	defer flagged.Close()

	out := bufio.NewWriter(flagged)
	trail := audit.NewTrail(out, cfg.Detector.BufferSize)
	trail.SetPrecision(cfg.Detector.Precision)

	registry := observability.DetectorMetrics()
	sessionOpts := []detector.Option{detector.WithRegistry(registry)}
	if cmd.Flags().Changed("degree") {
		sessionOpts = append(sessionOpts, detector.WithPinnedDegree(opts.degree))
	}
	if cmd.Flags().Changed("window") {
		sessionOpts = append(sessionOpts, detector.WithPinnedWindow(opts.window))
	}

	session := detector.NewSession(detector.Settings{
		Degree:     cfg.Detector.Degree,
		Window:     cfg.Detector.Window,
		Sigma:      cfg.Detector.Sigma,
		MinSamples: cfg.Detector.MinSamples,
		Strategy:   strategy,
	}, trail, sessionOpts...)

	log.Info().
		Str("session", session.ID()).
		Str("batch", batchPath).
		Str("stream", streamPath).
		Str("flagged", flaggedPath).
		Str("strategy", string(strategy)).
		Float64("sigma", cfg.Detector.Sigma).
		Msg("spendwatch starting")

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	runErr := session.LoadBatch(ctx, batch)
	if runErr == nil {
		runErr = session.ProcessStream(ctx, stream)
	}
	if err := out.Flush(); err != nil && runErr == nil {
		runErr = fmt.Errorf("flush flagged output: %w", err)
	}

	summary := session.Summary()
	log.Info().
		Int64("events", summary.Events).
		Int64("purchases", summary.Purchases).
		Int("users", summary.Users).
		Int("friendships", summary.Friendships).
		Int64("evaluated", summary.Evaluated).
		Int64("flagged", summary.Flagged).
		Int64("malformed", summary.Malformed).
		Int64("rejected", summary.Rejected).
		Dur("elapsed", time.Since(start)).
		Msg("spendwatch finished")

	if cfg.Metrics.Enabled {
		if err := writeMetrics(registry, cfg.Metrics.OutputPath); err != nil {
			log.Error().Err(err).Str("path", cfg.Metrics.OutputPath).Msg("Failed to write metrics")
			if runErr == nil {
				runErr = err
			}
		}
	}
	return runErr
}

// loadConfig resolves configuration: flags > YAML file > defaults. The batch
// header sits between flags and file for D and T and is applied later.
func loadConfig(cmd *cobra.Command, opts *options) (*config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("degree") {
		cfg.Detector.Degree = opts.degree
	}
	if flags.Changed("window") {
		cfg.Detector.Window = opts.window
	}
	if flags.Changed("sigma") {
		cfg.Detector.Sigma = opts.sigma
	}
	if flags.Changed("strategy") {
		cfg.Detector.Strategy = opts.strategy
	}
	if flags.Changed("log-level") {
		cfg.General.LogLevel = opts.logLevel
	}
	if flags.Changed("log-format") {
		cfg.General.LogFormat = opts.logFormat
	}
	if flags.Changed("metrics-out") {
		cfg.Metrics.Enabled = true
		cfg.Metrics.OutputPath = opts.metricsOut
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func writeMetrics(registry *observability.Registry, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create metrics file: %w", err)
	}
	if _, err := observability.NewTextExporter(registry).WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("write metrics: %w", err)
	}
	return f.Close()
}

func setupLogging(general config.GeneralConfig, w io.Writer) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	level, err := zerolog.ParseLevel(general.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if general.LogFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: w}).
			With().Timestamp().Str("service", serviceName).
			Str("instance", general.InstanceID).Logger()
	} else {
		log.Logger = zerolog.New(w).
			With().Timestamp().Str("service", serviceName).
			Str("instance", general.InstanceID).Logger()
	}
}
