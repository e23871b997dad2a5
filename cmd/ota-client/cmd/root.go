package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/ota-client/internal/config"
	"github.com/oshokin/ota-client/internal/logger"
	"github.com/oshokin/ota-client/internal/version"
)

var (
	errUnknownLogLevel = errors.New("unknown log level")

	// configPath to the configuration YAML file.
	configPath string

	// logLevel overrides the configured log level when set.
	logLevel string

	// settings is loaded before every subcommand runs.
	settings *config.Config

	// rootCmd represents the base command of the OTA client.
	rootCmd = &cobra.Command{
		Use:           "ota-client",
		Short:         "Query, update and roll back an OSTree based system",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadSettings(cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}

			if logLevel != "" {
				cfg.LogLevel = logLevel
			}

			if err = setupLogger(cfg); err != nil {
				return err
			}

			settings = cfg

			return nil
		},
	}
)

// Execute runs the ota-client CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	// Setup graceful shutdown handling.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)

		stop()
		os.Exit(1) //nolint:gocritic // stop is called explicitly above.
	}
}

// loadSettings reads the configuration file. A missing default file means defaults.
func loadSettings(explicit bool) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err == nil {
		return cfg, nil
	}

	if !explicit && errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}

	return nil, err
}

// setupLogger installs the global logger described by cfg.
func setupLogger(cfg *config.Config) error {
	level, ok := logger.ParseLogLevel(cfg.LogLevel)
	if !ok {
		return fmt.Errorf("%w: %q", errUnknownLogLevel, cfg.LogLevel)
	}

	logger.SetLogger(logger.NewWithFile(level, logger.FileOptions{
		Path:      cfg.LogFile,
		MaxSizeMB: cfg.LogMaxSizeMB,
	}))

	return nil
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Setup command flags with consistent naming and descriptions.
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultConfigFilename, "path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	rootCmd.AddCommand(initCmd, fetchCmd, updateCmd, rollbackCmd, watchCmd, remoteCmd)
}
