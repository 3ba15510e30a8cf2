package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/ppiankov/impetus/internal/model"
)

var unlockToken string

func init() {
	unlockCmd.Flags().StringVar(&unlockToken, "token", "", "Break-glass token id (required)")
	unlockCmd.MarkFlagRequired("token")
	rootCmd.AddCommand(unlockCmd)
}

var unlockCmd = &cobra.Command{
	Use:   "unlock <file> <region>",
	Short: "Revert a locked region with a break-glass token",
	Long: "Removes the lock on one region of a document. The text stays; it just\n" +
		"stops being protected. Consumes the token and records the revert in the\n" +
		"audit log and journal.",
	Args: cobra.ExactArgs(2),
	RunE: runUnlock,
}

func runUnlock(cmd *cobra.Command, args []string) error {
	fs, err := openFileSession(args[0], string(model.ModeOff), cmd.ErrOrStderr(), slog.Default())
	if err != nil {
		return err
	}
	defer fs.Close()

	if err := fs.Engine().RevertLock(args[1], unlockToken); err != nil {
		return fmt.Errorf("unlock %s: %w", args[1], err)
	}
	if err := fs.WriteBack(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Unlocked region %s in %s\n", args[1], fs.Path())
	return nil
}
