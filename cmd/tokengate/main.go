package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tokengate-io/tokengate/internal/app"
)

func main() {
	root := &cobra.Command{
		Use:   "tokengate",
		Short: "Metering reverse proxy for LLM APIs",
		Long:  "tokengate fronts OpenAI- and Anthropic-style upstreams with opaque metered API keys, per-model pricing, and prepaid or rate-limited budgets.",
	}
	root.SilenceUsage = true
	root.SilenceErrors = true

	var configPath string
	root.PersistentFlags().StringVar(&configPath, "config", "", "Config YAML path (default: $TOKENGATE_CONFIG or config.yaml)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return app.RunServer(ctx, configPath)
		},
	}
	root.AddCommand(serveCmd)

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.Migrate(cmd.Context(), configPath)
		},
	}
	root.AddCommand(migrateCmd)

	if err := root.Execute(); err != nil {
		log.WithError(err).Error("tokengate exited with error")
		os.Exit(1)
	}
}
