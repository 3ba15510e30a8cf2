package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/impetus/internal/journal"
)

var historyLimit int

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of recent sessions to list")
	rootCmd.AddCommand(historyCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history [session-id]",
	Short: "Show past sessions or the interventions of one session",
	Long:  "Reads the session journal (storage.journal in the config).",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistory,
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Storage.Journal == "" {
		return fmt.Errorf("no journal configured: set storage.journal")
	}
	store, err := journal.Open(cfg.Storage.Journal)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer store.Close()

	out := cmd.OutOrStdout()
	if len(args) == 1 {
		ivs, err := store.Interventions(args[0])
		if err != nil {
			return err
		}
		if len(ivs) == 0 {
			fmt.Fprintln(out, "No interventions.")
			return nil
		}
		fmt.Fprintf(out, "%-20s %-8s %-8s %-12s %s\n", "APPLIED", "KIND", "SOURCE", "SPAN", "TEXT")
		for _, iv := range ivs {
			text := iv.Content
			if iv.Removed != "" {
				text = "-" + iv.Removed
			}
			fmt.Fprintf(out, "%-20s %-8s %-8s %-12s %q\n",
				iv.AppliedAt.Local().Format("2006-01-02 15:04:05"), iv.Kind, iv.Source,
				fmt.Sprintf("[%d,%d)", iv.Span.From, iv.Span.To), text)
		}
		return nil
	}

	sessions, err := store.Sessions(historyLimit)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No sessions.")
		return nil
	}
	fmt.Fprintf(out, "%-40s %-8s %-20s %-10s %s\n", "SESSION", "MODE", "STARTED", "DURATION", "DOCUMENT")
	for _, s := range sessions {
		duration := "running"
		if s.EndedAt != nil {
			duration = s.EndedAt.Sub(s.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(out, "%-40s %-8s %-20s %-10s %s\n",
			s.ID, s.Mode, s.StartedAt.Local().Format("2006-01-02 15:04:05"), duration, s.Document)
	}
	return nil
}
