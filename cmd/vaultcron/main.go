// Package main is the entry point for the vaultcron binary.
//
// Startup sequence (start/serve):
//  1. Parse CLI flags / environment variables
//  2. Build the logger
//  3. Load and validate the YAML config
//  4. Wire destination registry, rotation engine, job registry, notifier
//  5. Dispatch to the Run Controller (start: once; serve: on every
//     config-driven schedule, plus an HTTP /metrics listener)
//  6. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/vaultcron/vaultcron/internal/clock"
	"github.com/vaultcron/vaultcron/internal/config"
	"github.com/vaultcron/vaultcron/internal/destination"
	"github.com/vaultcron/vaultcron/internal/jobs"
	"github.com/vaultcron/vaultcron/internal/notification"
	"github.com/vaultcron/vaultcron/internal/rotation"
	"github.com/vaultcron/vaultcron/internal/runctx"
	"github.com/vaultcron/vaultcron/internal/runner"
	"github.com/vaultcron/vaultcron/internal/scheduler"
	"github.com/vaultcron/vaultcron/internal/telemetry"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type rootConfig struct {
	configPath string
	logLevel   string
	testOnly   bool
	showVer    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &rootConfig{}

	root := &cobra.Command{
		Use:   "vaultcron",
		Short: "vaultcron — scheduled, rotated, multi-destination backup orchestrator",
		Long: `vaultcron produces scheduled, rotated, multi-destination backups of
heterogeneous sources (databases, file trees, externally-produced dumps)
and places the resulting artifacts into one or more remote or local
repositories under per-destination retention policies.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.showVer {
				printVersion()
				return nil
			}
			if cfg.testOnly {
				_, err := config.Load(cfg.configPath)
				if err != nil {
					return err
				}
				fmt.Println("config OK:", cfg.configPath)
				return nil
			}
			return cmd.Help()
		},
	}

	root.PersistentFlags().StringVarP(&cfg.configPath, "config", "c", envOrDefault("VAULTCRON_CONFIG", defaultConfigPath()), "path to the YAML config file")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("VAULTCRON_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	root.Flags().BoolVarP(&cfg.testOnly, "test", "t", false, "load and validate the config, then exit")
	root.Flags().BoolVarP(&cfg.showVer, "version", "v", false, "print version information")

	root.AddCommand(newStartCmd(cfg))
	root.AddCommand(newServeCmd(cfg))
	root.AddCommand(newGenerateCmd())
	root.AddCommand(newVersionCmd())

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			printVersion()
		},
	}
}

func printVersion() {
	fmt.Printf("vaultcron %s (commit: %s, built: %s)\n", version, commit, date)
}

// newStartCmd runs the Run Controller once for the given selector
// ("all"|"files"|"databases"|"external"|<job_name>, default "all") and
// exits, per §6's `<prog> start [-c PATH] [<job_name>|all|files|databases|external]`.
func newStartCmd(root *rootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "start [job_name|all|files|databases|external]",
		Short: "Run one job, one block, or every job once",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			selector := "all"
			if len(args) == 1 {
				selector = args[0]
			}

			logger, _, controller, _, err := wireController(root)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return controller.Run(ctx, selector)
		},
	}
}

// newServeCmd starts the in-process scheduler (SPEC_FULL.md's §6 addition):
// each config.Job with a schedule: is ticked by gocron through the same
// Run Controller path `start` uses, and the prometheus registry is exposed
// over HTTP while the process is alive.
func newServeCmd(root *rootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run as a long-lived daemon, dispatching jobs on their configured schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, cfg, controller, reg, err := wireController(root)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			sched, err := scheduler.New(cfg, controller, logger)
			if err != nil {
				return err
			}
			if err := sched.Start(ctx); err != nil {
				return err
			}

			metricsAddr := cfg.Main.MetricsAddr
			if metricsAddr == "" {
				metricsAddr = ":9119"
			}
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			httpSrv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

			go func() {
				logger.Info("metrics listener started", zap.String("addr", metricsAddr))
				if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("metrics listener failed", zap.Error(err))
				}
			}()

			<-ctx.Done()
			logger.Info("shutting down")

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			_ = httpSrv.Shutdown(shutdownCtx)

			return sched.Stop()
		},
	}
}

// wireController loads config and assembles everything the Run Controller
// needs, shared by start and serve. The returned *prometheus.Registry is the
// one telemetry.Registry registers into, so serve's /metrics handler and
// vaultcron's own collectors are always the same registry.
func wireController(root *rootConfig) (*zap.Logger, *config.Config, *runner.Controller, *prometheus.Registry, error) {
	logger, err := buildLogger(root.logLevel)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to build logger: %w", err)
	}

	cfg, err := config.Load(root.configPath)
	if err != nil {
		return logger, nil, nil, nil, err
	}

	reg := prometheus.NewRegistry()
	rc := &runctx.RunContext{
		Logger:    logger,
		Clock:     clock.Real{},
		Anchors:   clock.DefaultAnchors(),
		Metrics:   telemetry.NewRegistry(reg),
		Registry:  destination.NewRegistry(),
		StartedAt: time.Now(),
	}
	rc.Rotation = rotation.NewEngine(rc.Registry, rc.Anchors)

	jobRegistry := jobs.NewRegistry()
	notifier := notification.NewService(&cfg.Main, logger)

	controller := runner.New(cfg, rc, jobRegistry, notifier, "")
	return logger, cfg, controller, reg, nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config
	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func defaultConfigPath() string {
	return "/etc/vaultcron/vaultcron.yaml"
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// newGenerateCmd scaffolds a starter job block for one backup type across
// one or more storages, per §6's `generate -T <backup_type> -S <storage>
// [<storage> …] -P <output_path>`.
func newGenerateCmd() *cobra.Command {
	var (
		backupType string
		storages   []string
		outputPath string
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Scaffold a starter job definition for a backup type and one or more storages",
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := config.JobKind(backupType)
			job := config.Job{
				Name:             fmt.Sprintf("%s-example", backupType),
				Kind:             kind,
				TmpDir:           fmt.Sprintf("/tmp/vaultcron/%s", backupType),
				IncMonthsToStore: 12,
			}
			for _, s := range storages {
				job.Destinations = append(job.Destinations, config.Destination{
					Kind:      config.DestinationKind(s),
					Enable:    true,
					BackupDir: fmt.Sprintf("/var/backups/%s", backupType),
					Retention: config.Retention{Days: 7, Weeks: 4, Months: 6},
				})
			}

			doc := struct {
				Jobs []config.Job `yaml:"jobs"`
			}{Jobs: []config.Job{job}}

			out, err := yaml.Marshal(doc)
			if err != nil {
				return fmt.Errorf("failed to render job stub: %w", err)
			}

			if outputPath == "" || outputPath == "-" {
				_, err = os.Stdout.Write(out)
				return err
			}
			return os.WriteFile(outputPath, out, 0o644)
		},
	}

	cmd.Flags().StringVarP(&backupType, "type", "T", "", "backup type (mysql, postgresql, mongodb, redis, desc_files, inc_files, external, ...)")
	cmd.Flags().StringSliceVarP(&storages, "storage", "S", nil, "one or more destination kinds (local, scp, ftp, smb, nfs, webdav, s3)")
	cmd.Flags().StringVarP(&outputPath, "output", "P", "", "output path (default: stdout)")
	cmd.MarkFlagRequired("type") //nolint:errcheck

	return cmd
}
