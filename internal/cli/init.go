package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ppiankov/impetus/internal/config"
)

var initForce bool

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration",
	Long: `Creates the impetus directory with a default config.yaml and the
break-glass token directory.

Default location: ~/.impetus/ (or the path given with --config)`,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	path := resolvedConfigPath()
	cfg := config.DefaultConfig()

	data, err := cfg.Marshal()
	if err != nil {
		return fmt.Errorf("render default config: %w", err)
	}
	header := "# impetus configuration.\n" +
		"# mode: primary (intervene when stuck), chaotic (random timer) or off.\n" +
		"# Changes are picked up by `impetus serve` without a restart.\n\n"

	var created []string
	if wrote, err := writeIfMissing(path, header+string(data)); err != nil {
		return err
	} else if wrote {
		created = append(created, path)
	}

	bgDir := cfg.Storage.Breakglass
	if configPath != "" {
		bgDir = filepath.Join(filepath.Dir(path), "breakglass")
	}
	if err := os.MkdirAll(bgDir, 0o700); err != nil {
		return fmt.Errorf("create breakglass directory: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "impetus init complete.")
	fmt.Fprintln(out)
	if len(created) > 0 {
		fmt.Fprintln(out, "Created:")
		for _, p := range created {
			fmt.Fprintf(out, "  %s\n", p)
		}
	} else {
		fmt.Fprintln(out, "Config already exists (use --force to overwrite).")
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Start the decision service:")
	fmt.Fprintln(out, "  impetus serve")
	fmt.Fprintln(out, "Then write:")
	fmt.Fprintln(out, "  impetus watch draft.md")
	return nil
}

// writeIfMissing writes content to path if it doesn't exist or --force is set.
// Returns true if the file was written.
func writeIfMissing(path, content string) (bool, error) {
	if !initForce {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return false, fmt.Errorf("create directory %s: %w", dir, err)
	}

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
