package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"rollcall/internal/app"
	"rollcall/internal/config"
)

// FUNCTIONAL DISCOVERY: Main entry point with comprehensive error handling and signal management
func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

type globalOptions struct {
	configFile string
}

func (o *globalOptions) addFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.configFile, "config", "", "config file (YAML or JSON); ROLLCALL_* environment variables override it")
}

func (o *globalOptions) load() (*config.Config, error) {
	return config.Load(o.configFile)
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "rollcall",
		Short:         "Live attendance session coordinator",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	opts.addFlags(root.PersistentFlags())

	root.AddCommand(newServeCommand(opts), newSeedCommand(opts), newTokenCommand(opts))
	return root
}

func newServeCommand(opts *globalOptions) *cobra.Command {
	var shutdownTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket coordinator and ops HTTP surface",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, shutdownTimeout)
		},
	}
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "grace period for in-flight requests on shutdown")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, shutdownTimeout time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := cfg.Log.NewLogger()

	application, err := app.NewApplication(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = application.Stop(shutdownCtx)
		return fmt.Errorf("failed to start application: %w", err)
	}

	<-ctx.Done()
	logger.Info("received shutdown signal, shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return application.Stop(shutdownCtx)
}
