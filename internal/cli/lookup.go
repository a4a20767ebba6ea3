package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	apperrors "options-dekho/internal/errors"
	"options-dekho/internal/models"
	"options-dekho/internal/pricing"
)

func newLookupCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lookup <SYMBOL> <STRIKE> <EXPIRY>",
		Short: "Resolve a contract and show its premium and yield",
		Long: `Runs the full lookup for a user whose broker session is already stored:
catalog, contract resolution, live quote and premium.

Example:
  options-dekho lookup NIFTY 24000 2024-12-26 --user 7f9c... --lots 2`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			userID, _ := cmd.Flags().GetString("user")
			lots, _ := cmd.Flags().GetInt("lots")
			typ, _ := cmd.Flags().GetString("type")
			if strings.TrimSpace(userID) == "" {
				return apperrors.NewValidationError("user", userID, "--user is required")
			}
			if lots < 1 {
				return apperrors.NewValidationError("lots", lots, "--lots must be at least 1")
			}

			query, err := pricing.ParseQuery(args[0], args[1], args[2], typ)
			if err != nil {
				return err
			}

			cfg, err := app.Config()
			if err != nil {
				return err
			}
			ctx := commandContext(cmd)
			stack, err := BuildStack(ctx, cfg, app.Logger)
			if err != nil {
				return err
			}
			defer stack.Close()

			quote, err := stack.Pricing.Lookup(ctx, userID, query, lots)
			if err != nil {
				if apperrors.Classify(err) == apperrors.KindAuthRequired {
					output.Warning("Broker session missing or expired; log in through the web UI again.")
				}
				return err
			}
			if output.IsJSON() {
				return output.JSON(quote)
			}
			printPremium(output, quote)
			return nil
		},
	}
	cmd.Flags().String("user", "", "user id whose broker session to use")
	cmd.Flags().Int("lots", 1, "number of lots")
	cmd.Flags().String("type", "PE", "option type (PE or CE)")
	return cmd
}

func printPremium(output *Output, q models.PremiumQuote) {
	if q.Simulated {
		output.SimulatedBanner()
	}
	c := q.Contract
	output.Bold("%s  (%s %s %s)", c.Tradingsymbol, c.Underlying, FormatStrike(c.Strike), c.OptionType)
	output.Printf("  %s %s\n", PadRight("Expiry:", 14), c.Expiry)
	output.Printf("  %s %d\n", PadRight("Lot size:", 14), c.LotSize)
	if q.Spot > 0 {
		output.Printf("  %s %s\n", PadRight("Spot:", 14), FormatIndianCurrency(q.Spot))
	}

	if q.Status != models.QuoteOK || q.Premium == nil {
		output.Warning("  No live price for %s", c.Identifier())
	} else {
		p := q.Premium
		output.Printf("  %s %s\n", PadRight("Last price:", 14), FormatIndianCurrency(p.LastPrice))
		output.Printf("  %s %s\n", PadRight("Premium:", 14), output.Green(FormatIndianCurrency(p.TotalPremium))+
			fmt.Sprintf(" for %d lot(s)", p.Lots))
		output.Printf("  %s %s\n", PadRight("Yield:", 14), FormatYield(p.YieldPct))
	}

	for _, w := range q.Warnings {
		output.Warning("  ! %s", w)
	}
}

func newTokenCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Inspect or revoke stored broker sessions",
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show a user's broker session state",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			userID, _ := cmd.Flags().GetString("user")
			if strings.TrimSpace(userID) == "" {
				return apperrors.NewValidationError("user", userID, "--user is required")
			}

			cfg, err := app.Config()
			if err != nil {
				return err
			}
			ctx := commandContext(cmd)
			stack, err := BuildStack(ctx, cfg, app.Logger)
			if err != nil {
				return err
			}
			defer stack.Close()

			st, err := stack.Tokens.State(ctx, userID)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(st)
			}
			printTokenStatus(output, st, time.Now())
			return nil
		},
	}
	status.Flags().String("user", "", "user id")

	disconnect := &cobra.Command{
		Use:   "disconnect",
		Short: "Delete a user's stored broker session",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			userID, _ := cmd.Flags().GetString("user")
			if strings.TrimSpace(userID) == "" {
				return apperrors.NewValidationError("user", userID, "--user is required")
			}

			cfg, err := app.Config()
			if err != nil {
				return err
			}
			ctx := commandContext(cmd)
			stack, err := BuildStack(ctx, cfg, app.Logger)
			if err != nil {
				return err
			}
			defer stack.Close()

			if err := stack.Tokens.Invalidate(ctx, userID, "disconnected"); err != nil {
				return err
			}
			output.Success("Broker session removed for %s", userID)
			return nil
		},
	}
	disconnect.Flags().String("user", "", "user id")

	cmd.AddCommand(status, disconnect)
	return cmd
}

func printTokenStatus(output *Output, st models.TokenStatus, now time.Time) {
	switch st.State {
	case models.TokenAbsent:
		output.Warning("No broker session. Log in through the web UI.")
		return
	case models.TokenExpiringSoon:
		output.Warning("Broker session expiring soon")
	default:
		output.Success("Broker session valid")
	}
	if st.KiteUserID != "" {
		output.Printf("  %s %s\n", PadRight("Kite user:", 12), st.KiteUserID)
	}
	if st.ExpiresAt != nil {
		output.Printf("  %s %s (in %s)\n", PadRight("Expires:", 12), FormatDateTime(*st.ExpiresAt), FormatDuration(st.ExpiresAt.Sub(now)))
	}
}
