// Package cli provides the options-dekho command-line interface.
package cli

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"options-dekho/internal/config"
	"options-dekho/internal/logging"
	"options-dekho/internal/security"
)

// Version information
const (
	Version   = "0.3.0"
	BuildDate = "2024-12-20"
)

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(logger zerolog.Logger) *cobra.Command {
	app := &App{Logger: logger}

	rootCmd := &cobra.Command{
		Use:   "options-dekho",
		Short: "Option premium and yield lookup backed by Zerodha Kite",
		Long: `options-dekho resolves NSE option contracts from the Kite instrument master,
fetches live quotes and reports the premium and yield for a given lot count.

Run 'options-dekho serve' to start the HTTP API used by the web UI.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			app.ConfigDir, _ = cmd.Flags().GetString("config")
			app.Debug, _ = cmd.Flags().GetBool("debug")
			if app.Debug {
				logging.SetDebugLevel()
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/options-dekho)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	rootCmd.AddCommand(newServeCmd(app))
	rootCmd.AddCommand(newLookupCmd(app))
	rootCmd.AddCommand(newTokenCmd(app))

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			} else {
				output.Printf("options-dekho v%s\n", Version)
				output.Dim("Build date: %s", BuildDate)
			}
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and validate application configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			cfg, err := app.Config()
			if err != nil {
				return err
			}
			masked := maskSecrets(*cfg)
			if output.IsJSON() {
				return output.JSON(masked)
			}
			showConfig(output, &masked)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration directory path",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			dir := app.ConfigDir
			if dir == "" {
				dir = config.DefaultConfigDir()
			}
			if output.IsJSON() {
				output.JSON(map[string]string{"path": dir})
			} else {
				output.Println(dir)
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration files",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if _, err := app.Config(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				output.JSON(map[string]bool{"valid": true})
			} else {
				output.Success("✓ Configuration is valid")
			}
			return nil
		},
	})

	return cmd
}

func maskSecrets(cfg config.Config) config.Config {
	cfg.Kite.APISecret = security.MaskCredential(cfg.Kite.APISecret)
	cfg.Auth.JWTSecret = security.MaskCredential(cfg.Auth.JWTSecret)
	cfg.Security.EncryptionKey = security.MaskCredential(cfg.Security.EncryptionKey)
	cfg.Redis.Password = security.MaskCredential(cfg.Redis.Password)
	cfg.Store.DSN = maskDSN(cfg.Store.DSN, cfg.Store.Driver)
	return cfg
}

// maskDSN hides postgres DSNs entirely; they usually embed a password.
func maskDSN(dsn, driver string) string {
	if driver == "postgres" && dsn != "" {
		return security.MaskCredential(dsn)
	}
	return dsn
}

func showConfig(output *Output, cfg *config.Config) {
	output.Bold("Data Source")
	mode := cfg.DataSource.Mode
	if cfg.IsSimulated() {
		mode = output.Yellow(mode + " (synthetic prices)")
	}
	output.Printf("  Mode:            %s\n", mode)
	output.Printf("  Kite API Key:    %s\n", cfg.Kite.APIKey)
	output.Printf("  Kite API Secret: %s\n", cfg.Kite.APISecret)
	output.Printf("  Segment:         %s\n", cfg.Kite.Segment)
	output.Printf("  Kite Timeout:    %s\n", cfg.Kite.Timeout)
	output.Printf("  Quote Rate:      %.1f/s (burst %d)\n", cfg.Kite.QuoteRate, cfg.Kite.QuoteBurst)
	output.Printf("  Breaker:         %d failures, %s cooldown\n", cfg.Kite.BreakerFailures, cfg.Kite.BreakerCooldown)
	output.Println()

	output.Bold("Catalog")
	output.Printf("  Refresh:         %s\n", cfg.Catalog.RefreshInterval)
	output.Printf("  Match Strategy:  %s\n", cfg.Catalog.MatchStrategy)
	output.Printf("  Redis Shared:    %v\n", cfg.Redis.Enabled)
	output.Println()

	output.Bold("Broker Tokens")
	output.Printf("  Cutover Hour:    %02d:00 IST\n", cfg.Tokens.CutoverHour)
	output.Printf("  Expiring Soon:   %s\n", cfg.Tokens.ExpiringSoon)
	output.Println()

	output.Bold("Server")
	output.Printf("  Address:         %s\n", cfg.Server.Addr)
	output.Printf("  CORS Origins:    %v\n", cfg.Server.CORSOrigins)
	output.Printf("  Store:           %s %s\n", cfg.Store.Driver, cfg.Store.DSN)
	output.Printf("  Audit Log:       %v\n", cfg.Audit.Enabled)
}
