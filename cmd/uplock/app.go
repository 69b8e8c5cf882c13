package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"
	"pkt.systems/uplock"
	"pkt.systems/uplock/internal/pathutil"
)

// DefaultSweepEvery is how often the janitor sweeps when no interval is
// configured.
const DefaultSweepEvery = 30 * time.Second

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("UPLOCK_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "uplock")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			baseLogger.Error("command failed", "error", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(logger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "uplock",
		Short: "Stale upload-lock janitor for shared storage roots",
		Long: `uplock sweeps the lock directory of a resumable-upload storage root and
reclaims artifacts abandoned by crashed server processes. Run it alongside
the upload server instances sharing the root, or with --once from cron.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if level, ok := pslog.ParseLevel(strings.TrimSpace(viper.GetString("log-level"))); ok {
				logger = logger.LogLevel(level)
			}
			cfg, err := buildConfig()
			if err != nil {
				return err
			}
			return runJanitor(cmd.Context(), logger, cfg, viper.GetDuration("interval"), viper.GetBool("once"))
		},
	}

	flags := cmd.Flags()
	flags.StringP("storage", "s", "", "upload storage root shared with the upload server")
	flags.DurationP("interval", "i", DefaultSweepEvery, "delay between sweeps")
	flags.Bool("once", false, "run a single sweep and exit")
	flags.Duration("stale-age", uplock.DefaultStaleAge, "artifact age before an unheld lock is reclaimed")
	flags.String("log-level", "info", "minimum log level (trace|debug|info|warn|error)")
	bindFlags(flags)
	return cmd
}

func bindFlags(flags *pflag.FlagSet) {
	flags.VisitAll(func(flag *pflag.Flag) {
		// BindPFlag only fails on a nil flag, which VisitAll cannot produce.
		_ = viper.BindPFlag(flag.Name, flag)
	})
	viper.SetEnvPrefix("UPLOCK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func buildConfig() (uplock.Config, error) {
	root, err := pathutil.ExpandStorageRoot(viper.GetString("storage"))
	if err != nil {
		return uplock.Config{}, fmt.Errorf("resolve storage root: %w", err)
	}
	if root == "" {
		return uplock.Config{}, fmt.Errorf("--storage is required")
	}
	return uplock.Config{
		StorageRoot: root,
		StaleAge:    viper.GetDuration("stale-age"),
	}, nil
}

func runJanitor(ctx context.Context, logger pslog.Logger, cfg uplock.Config, interval time.Duration, once bool) error {
	if interval <= 0 {
		interval = DefaultSweepEvery
	}
	svc, err := uplock.NewLockingService(cfg, uplock.WithLogger(logger))
	if err != nil {
		return err
	}
	defer svc.Close()
	defer uplock.ReleaseAllLocks()

	logger.Info("janitor started",
		"storage", cfg.StorageRoot,
		"stale_age", cfg.StaleAge.String(),
		"interval", interval.String(),
		"once", once,
	)
	if err := svc.CleanupStaleLocks(ctx); err != nil {
		if once || errors.Is(err, context.Canceled) {
			return err
		}
		logger.Warn("sweep.failed", "error", err)
	}
	if once {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("janitor stopped")
			return nil
		case <-ticker.C:
			if err := svc.CleanupStaleLocks(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				logger.Warn("sweep.failed", "error", err)
			}
		}
	}
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
