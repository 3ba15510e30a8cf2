package cli

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	impetusmcp "github.com/ppiankov/impetus/internal/mcp"
)

var mcpMode string

func init() {
	mcpCmd.Flags().StringVar(&mcpMode, "mode", "", "Override the configured mode (primary|chaotic|off)")
	rootCmd.AddCommand(mcpCmd)
}

var mcpCmd = &cobra.Command{
	Use:   "mcp <file>",
	Short: "Start MCP tool server for a document",
	Long: "Runs impetus as an MCP (Model Context Protocol) server over stdio while\n" +
		"watching a document. Exposes tools: impetus_status, impetus_check_edit,\n" +
		"impetus_trigger, impetus_locks.",
	Args: cobra.ExactArgs(1),
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	logger := slog.Default()
	// stdout carries the protocol; feedback goes to stderr.
	fs, err := openFileSession(args[0], mcpMode, os.Stderr, logger)
	if err != nil {
		return err
	}
	defer fs.Close()

	srv := impetusmcp.New(fs.Engine(), version, logger)

	ctx, stop := signal.NotifyContext(commandContext(cmd), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	fmt.Fprintf(os.Stderr, "impetus MCP server running on stdio (document %s)\n", fs.Path())

	g.Go(func() error {
		defer stop()
		return srv.Run(ctx)
	})
	g.Go(func() error {
		return fs.Run(ctx)
	})
	return g.Wait()
}
