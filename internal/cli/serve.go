package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"options-dekho/internal/api"
)

func newServeCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			cfg, err := app.Config()
			if err != nil {
				return err
			}
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				cfg.Server.Addr = addr
			}

			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			stack, err := BuildStack(ctx, cfg, app.Logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := stack.Close(); err != nil {
					app.Logger.Warn().Err(err).Msg("Error closing resources")
				}
			}()

			if cfg.IsSimulated() {
				output.SimulatedBanner()
			}
			output.Info("Listening on %s (store: %s)", cfg.Server.Addr, cfg.Store.Driver)

			server := api.NewServer(api.Deps{
				Auth:      stack.Auth,
				Tokens:    stack.Tokens,
				Pricing:   stack.Pricing,
				Watchlist: stack.Watchlist,
				Broker:    stack.Source,
				Breaker:   stack.Breaker,
				Metrics:   stack.Metrics,
				Logger:    app.Logger,
			}, api.Options{
				Addr:          cfg.Server.Addr,
				ReadTimeout:   cfg.Server.ReadTimeout,
				WriteTimeout:  cfg.Server.WriteTimeout,
				IdleTimeout:   cfg.Server.IdleTimeout,
				CORSOrigins:   cfg.Server.CORSOrigins,
				BrokerTimeout: cfg.Kite.Timeout,
			})
			return server.Start(ctx)
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	return cmd
}

// commandContext returns cmd's context, or Background when run outside Execute.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
