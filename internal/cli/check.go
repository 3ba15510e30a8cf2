package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/ppiankov/impetus/internal/guard"
	"github.com/ppiankov/impetus/internal/lock"
	"github.com/ppiankov/impetus/internal/model"
)

var (
	checkFrom   int
	checkTo     int
	checkText   string
	checkFormat string
)

// errBlocked makes check exit non-zero after printing its verdict.
var errBlocked = errors.New("edit blocked")

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().IntVar(&checkFrom, "from", 0, "Start offset in runes of the stripped text")
	checkCmd.Flags().IntVar(&checkTo, "to", -1, "End offset in runes (default: same as --from)")
	checkCmd.Flags().StringVar(&checkText, "text", "", "Replacement text")
	checkCmd.Flags().StringVarP(&checkFormat, "format", "f", "text", "Output format (text|json)")
}

var checkCmd = &cobra.Command{
	Use:   "check <file>",
	Short: "Ask whether an edit to a document would be allowed",
	Long: "Loads the lock markers of a document and runs the proposed edit through\n" +
		"the mutation guard without changing anything.\n\n" +
		"Exit code 0 if the edit is allowed, 1 if a locked region blocks it.",
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read document: %w", err)
	}
	reg := lock.NewRegistry()
	clean, spans, skipped, err := lock.Load(string(data), reg)
	if err != nil {
		return err
	}

	to := checkTo
	if to < 0 {
		to = checkFrom
	}
	if n := utf8.RuneCountInString(clean); checkFrom < 0 || to < checkFrom || to > n {
		return fmt.Errorf("range [%d, %d) outside document of %d runes", checkFrom, to, n)
	}

	v := guard.New(reg).Check(model.Replace(checkFrom, to, checkText), spans)

	out := cmd.OutOrStdout()
	switch checkFormat {
	case "json":
		body, err := json.MarshalIndent(map[string]any{
			"allowed":   v.Allowed,
			"region_id": v.RegionID,
			"reason":    v.Reason,
			"rule":      v.Rule,
			"locks":     reg.Len(),
			"skipped":   skipped,
		}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(body))
	default:
		if v.Allowed {
			fmt.Fprintf(out, "ALLOWED: [%d, %d) touches none of %d locked regions\n", checkFrom, to, reg.Len())
		} else {
			fmt.Fprintf(out, "BLOCKED by %s: region %s (%s)\n", v.Rule, v.RegionID, v.Reason)
		}
		if skipped > 0 {
			fmt.Fprintf(out, "warning: %d malformed lock markers ignored\n", skipped)
		}
	}

	if !v.Allowed {
		return errBlocked
	}
	return nil
}
