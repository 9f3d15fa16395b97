// Command mcpstream serves a demo handler set over the streaming HTTP
// transport, or over stdin/stdout with the stdio subcommand.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newRootCmd(cfg Config) *cobra.Command {
	root := &cobra.Command{
		Use:           "mcpstream",
		Short:         "Streaming JSON-RPC server over HTTP or stdio",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(cfg), newStdioCmd(cfg))
	return root
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(cfg).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
