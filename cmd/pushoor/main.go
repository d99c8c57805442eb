package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/pushoor/internal/agent"
	"github.com/ethpandaops/pushoor/internal/version"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pushoor",
		Short: "Push process metrics to a Prometheus Pushgateway",
		Long: `pushoor periodically pushes process and runtime metrics to a
Prometheus Pushgateway and deletes its group again on shutdown.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	cmd.PersistentFlags().StringVar(
		&cfgFile, "config", "",
		"path to config file (required)",
	)
	cmd.PersistentFlags().StringVar(
		&logLevel, "log-level", "",
		"override log level (debug, info, warn, error)",
	)

	cmd.AddCommand(deleteCmd(), versionCmd())

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.FullWithPlatform())
		},
	}
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete",
		Short: "Delete the configured group from the pushgateway",
		Long: `delete removes the group this configuration pushes under. Use it
when a previous run could not clean up after itself.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, cfg, err := setup()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.DisposeTimeout)
			defer cancel()

			id, err := agent.DeleteGroup(ctx, log, cfg)
			if err != nil {
				return fmt.Errorf("deleting group: %w", err)
			}

			log.WithFields(id.Fields()).Info("Deleted group")

			return nil
		},
	}
}

func setup() (*logrus.Logger, *agent.Config, error) {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	if cfgFile == "" {
		return nil, nil, fmt.Errorf("--config is required")
	}

	cfg, err := agent.LoadConfig(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	// CLI flag overrides config file.
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing log level %q: %w", cfg.LogLevel, err)
	}

	log.SetLevel(level)

	return log, cfg, nil
}

func run(cmd *cobra.Command, args []string) error {
	log, cfg, err := setup()
	if err != nil {
		return err
	}

	// A panic on this goroutine is logged at Fatal, which runs the
	// registered exit handlers and deletes the pushed group.
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Fatal("Unrecoverable error")
		}
	}()

	ctx, cancel := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer cancel()

	a, err := agent.New(log, cfg)
	if err != nil {
		return fmt.Errorf("creating agent: %w", err)
	}

	log.WithField("version", version.Full()).Info("Starting pushoor agent")

	if err := a.Start(ctx); err != nil {
		if stopErr := a.Stop(); stopErr != nil {
			log.WithError(stopErr).Error("Error during cleanup")
		}

		return fmt.Errorf("starting agent: %w", err)
	}

	<-ctx.Done()

	log.Info("Shutting down pushoor agent")

	if err := a.Stop(); err != nil {
		log.WithError(err).Error("Error during shutdown")
		return fmt.Errorf("stopping agent: %w", err)
	}

	log.Info("Shutdown complete")

	return nil
}
