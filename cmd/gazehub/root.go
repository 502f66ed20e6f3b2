package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gazehub/gazehub/bus"
	"github.com/gazehub/gazehub/errors"
	"github.com/gazehub/gazehub/logrelay"
	"github.com/gazehub/gazehub/metric"
	"github.com/gazehub/gazehub/pluginregistry"
	"github.com/gazehub/gazehub/supervisor"
	"github.com/gazehub/gazehub/worker"
)

func newRootCmd() *cobra.Command {
	var logLevel, logFormat string

	root := &cobra.Command{
		Use:           appName,
		Short:         "Eye-tracking process supervisor and message bus",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"Log level: debug|info|warn|error")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "text",
		"Log format: text|json")

	root.AddCommand(
		newSupervisorCmd(&logLevel, &logFormat),
		newWorkerCmd(&logLevel),
		newVersionCmd(),
	)
	return root
}

func defaultUserDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "gazehub_settings"
	}
	return filepath.Join(home, "gazehub_settings")
}

func newSupervisorCmd(logLevel, logFormat *string) *cobra.Command {
	var (
		appMode string
		userDir string
		recDir  string
	)

	cmd := &cobra.Command{
		Use:   "supervisor",
		Short: "Run the launcher: bus endpoints plus process control loop",
		RunE: func(_ *cobra.Command, _ []string) error {
			logger := setupLogger(*logLevel, *logFormat)
			slog.SetDefault(logger)

			sup, err := supervisor.New(supervisor.Config{
				UserDir: userDir,
				Version: Version,
				AppMode: appMode,
				RecDir:  recDir,
			}, logger, metric.NewRegistry())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(),
				os.Interrupt, syscall.SIGTERM)
			defer stop()
			return sup.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&appMode, "app", supervisor.AppCapture,
		"Application mode: capture|service|player")
	cmd.Flags().StringVar(&userDir, "user-dir", defaultUserDir(),
		"Directory for session settings, logs and recordings")
	cmd.Flags().StringVar(&recDir, "rec-dir", "",
		"Recording to open, player mode only")
	return cmd
}

// newWorkerCmd builds the hidden subcommand the supervisor re-executes
// this binary with. Operators never invoke it directly.
func newWorkerCmd(logLevel *string) *cobra.Command {
	var (
		role     string
		eyeID    int
		pubURL   string
		subURL   string
		pushURL  string
		timebase float64
		userDir  string
		recDir   string
		version  string
	)

	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run one managed worker process",
		Hidden: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg := worker.Config{
				Role:  role,
				EyeID: eyeID,
				Endpoints: bus.Endpoints{
					PubURL:  pubURL,
					SubURL:  subURL,
					PushURL: pushURL,
				},
				Timebase: timebase,
				UserDir:  userDir,
				RecDir:   recDir,
				Version:  version,
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			client, err := bus.NewClient(cfg.Identity(), cfg.Endpoints)
			if err != nil {
				return err
			}
			connectCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := client.Connect(connectCtx); err != nil {
				return errors.Wrap(err, "Worker", "main", "connect to bus")
			}
			defer client.Close()

			// All worker log records flow to the supervisor's sink.
			logger := slog.New(logrelay.NewHandler(client, parseLevel(*logLevel)))
			slog.SetDefault(logger)

			registry, err := pluginregistry.Builtin(pluginregistry.Deps{})
			if err != nil {
				return err
			}

			rt, err := worker.New(cfg, client, registry, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(),
				os.Interrupt, syscall.SIGTERM)
			defer stop()
			return rt.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "Worker role: eye|world|player|service")
	cmd.Flags().IntVar(&eyeID, "eye-id", 0, "Eye id for the eye role")
	cmd.Flags().StringVar(&pubURL, "pub-url", "", "Publish-sink endpoint")
	cmd.Flags().StringVar(&subURL, "sub-url", "", "Subscribe-source endpoint")
	cmd.Flags().StringVar(&pushURL, "push-url", "", "Push-sink endpoint")
	cmd.Flags().Float64Var(&timebase, "timebase", 0, "Shared timebase, unix seconds")
	cmd.Flags().StringVar(&userDir, "user-dir", "", "User data directory")
	cmd.Flags().StringVar(&recDir, "rec-dir", "", "Recording to open, player role only")
	cmd.Flags().StringVar(&version, "app-version", Version, "Resolved application version")
	_ = cmd.MarkFlagRequired("role")
	_ = cmd.MarkFlagRequired("pub-url")
	_ = cmd.MarkFlagRequired("sub-url")
	_ = cmd.MarkFlagRequired("push-url")
	_ = cmd.MarkFlagRequired("user-dir")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("%s version %s (built %s)\n", appName, Version, BuildTime)
		},
	}
}
