package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"evcache/config"
	"evcache/internal/logging"
	"evcache/internal/metrics"
)

var (
	cfgFile  string
	cfg      *config.Config
	rootDir  string
	logLevel string
	logger   *zap.Logger

	// metrics exporter, running for the lifetime of a command when enabled
	stopMetrics context.CancelFunc
	metricsDone *errgroup.Group
)

var rootCmd = &cobra.Command{
	Use:   "evcache",
	Short: "Evidence cache - match opinions to cached viewpoints and their evidence",
	Long: `evcache classifies an opinion, matches it against cached keywords and
viewpoints by embedding similarity, and returns scored evidence passages.
Close rephrasings reuse stored evidence; new viewpoints trigger a fresh
search and scoring pass.

Example usage:
  evcache process -q "AI improves medical diagnostics"
  evcache seed ./opinions          # Process every opinion file in a directory
  evcache status                   # Compare indices with the store
  evcache rebuild all              # Re-embed every index from the store`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error

		if rootDir == "" {
			rootDir, err = os.Getwd()
			if err != nil {
				return fmt.Errorf("failed to get working directory: %w", err)
			}
		}

		if cfgFile != "" {
			cfg, err = config.Load(cfgFile)
		} else {
			cfg, err = config.LoadFromDir(rootDir)
		}
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}

		logger, err = logging.New(cfg.Logging)
		if err != nil {
			return fmt.Errorf("failed to build logger: %w", err)
		}

		if cfg.Metrics.Enabled {
			startMetrics(cfg.Metrics.Listen)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if logger != nil {
			_ = logger.Sync()
		}
		if stopMetrics == nil {
			return nil
		}
		stopMetrics()
		return metricsDone.Wait()
	},
}

func startMetrics(listen string) {
	ctx, cancel := context.WithCancel(context.Background())
	stopMetrics = cancel
	metricsDone = &errgroup.Group{}
	metricsDone.Go(func() error {
		return metrics.Serve(ctx, listen)
	})
	logger.Info("serving metrics", zap.String("listen", listen))
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./evcache.yaml)")
	rootCmd.PersistentFlags().StringVarP(&rootDir, "dir", "d", "", "root directory (default is current directory)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")
}

func GetConfig() *config.Config {
	return cfg
}

func GetRootDir() string {
	return rootDir
}

// GetLogger returns the logger built from configuration.
func GetLogger() *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

// commandContext returns the command's context carrying the logger.
func commandContext(cmd *cobra.Command) context.Context {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return logging.WithContext(ctx, GetLogger())
}
