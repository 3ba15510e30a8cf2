package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/impetus/internal/breakglass"
)

var (
	bgReason   string
	bgRegion   string
	bgDuration time.Duration
)

func init() {
	rootCmd.AddCommand(breakGlassCmd)
	breakGlassCmd.AddCommand(breakGlassListCmd)
	breakGlassCmd.AddCommand(breakGlassRevokeCmd)
	breakGlassCmd.Flags().StringVar(&bgReason, "reason", "", "Mandatory reason for break-glass (required)")
	breakGlassCmd.Flags().StringVar(&bgRegion, "region", "", "Limit the token to one locked region")
	breakGlassCmd.Flags().DurationVar(&bgDuration, "duration", breakglass.DefaultDuration, "Token validity period (max 1h)")
}

var breakGlassCmd = &cobra.Command{
	Use:   "break-glass",
	Short: "Issue a break-glass token to unlock a region",
	Long: "Creates a time-limited, single-use token that allows one locked region\n" +
		"to be reverted with `impetus unlock`. Every use is audited.",
	RunE: runBreakGlassCreate,
}

var breakGlassListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all break-glass tokens",
	RunE:  runBreakGlassList,
}

var breakGlassRevokeCmd = &cobra.Command{
	Use:   "revoke [token-id]",
	Short: "Revoke a break-glass token",
	Args:  cobra.ExactArgs(1),
	RunE:  runBreakGlassRevoke,
}

func openTokenStore() (*breakglass.Store, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	store, err := breakglass.NewStore(breakglassDir(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to create breakglass store: %w", err)
	}
	return store, nil
}

func runBreakGlassCreate(cmd *cobra.Command, args []string) error {
	if bgReason == "" {
		return fmt.Errorf("--reason is required")
	}
	store, err := openTokenStore()
	if err != nil {
		return err
	}

	token, err := store.Create(bgReason, bgRegion, bgDuration)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Break-glass token issued: %s\n", token.ID)
	fmt.Fprintf(out, "Reason:  %s\n", token.Reason)
	if token.RegionID != "" {
		fmt.Fprintf(out, "Region:  %s\n", token.RegionID)
	}
	fmt.Fprintf(out, "Expires: %s\n", token.ExpiresAt.Format(time.RFC3339))
	fmt.Fprintln(out)
	fmt.Fprintln(out, "This token unlocks ONE region, then expires:")
	fmt.Fprintf(out, "  impetus unlock <file> <region> --token %s\n", token.ID)
	return nil
}

func tokenStatus(t breakglass.Token, now time.Time) string {
	switch {
	case t.UsedAt != nil:
		return "used"
	case t.RevokedAt != nil:
		return "revoked"
	case !t.IsActive(now):
		return "expired"
	default:
		return "active"
	}
}

func runBreakGlassList(cmd *cobra.Command, args []string) error {
	store, err := openTokenStore()
	if err != nil {
		return err
	}
	tokens, err := store.List()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(tokens) == 0 {
		fmt.Fprintln(out, "No break-glass tokens.")
		return nil
	}

	now := time.Now()
	fmt.Fprintf(out, "%-20s %-10s %-16s %-30s %-25s\n", "ID", "STATUS", "REGION", "REASON", "EXPIRES")
	for _, t := range tokens {
		reason := t.Reason
		if len([]rune(reason)) > 28 {
			reason = string([]rune(reason)[:28]) + ".."
		}
		region := t.RegionID
		if region == "" {
			region = "*"
		}
		fmt.Fprintf(out, "%-20s %-10s %-16s %-30s %-25s\n",
			t.ID, tokenStatus(t, now), region, reason, t.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

func runBreakGlassRevoke(cmd *cobra.Command, args []string) error {
	store, err := openTokenStore()
	if err != nil {
		return err
	}
	if err := store.Revoke(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Revoked token %s\n", args[0])
	return nil
}
