package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var watchMode string

func init() {
	watchCmd.Flags().StringVar(&watchMode, "mode", "", "Override the configured mode (primary|chaotic|off)")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch <file>",
	Short: "Write in a file while impetus intervenes",
	Long: `Watches a document while you edit it in any editor. When you stall,
impetus appends a provocation you cannot delete; in chaotic mode it also
erases your last sentence at random moments. Edits that touch locked text
are rolled back on disk.

The decision service must be running (impetus serve).`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	logger := slog.Default()
	fs, err := openFileSession(args[0], watchMode, cmd.ErrOrStderr(), logger)
	if err != nil {
		return err
	}
	defer fs.Close()

	st := fs.Engine().Status()
	fmt.Fprintf(cmd.ErrOrStderr(), "impetus watching %s (mode %s, session %s, %d locks)\n",
		fs.Path(), st.Mode, st.SessionID, st.Locks)

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return fs.Run(ctx)
}

// commandContext returns cmd's context, or Background when run outside Execute.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
