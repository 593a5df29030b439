// Command offlined runs the offline-first caching layer in front of an
// origin and serves the push API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "offlined",
	Short:         "Offline-first caching proxy and push backend",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx = clog.WithLogger(ctx, clog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
