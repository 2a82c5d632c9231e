package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/orchard/internal/ptyd"
)

var daemonAddr string

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the PTY daemon",
	Long: `Run the terminal session daemon. It owns pseudo-terminal subprocesses and
serves the frame protocol over a WebSocket endpoint that control planes and
UIs connect to.

Example:
  orchard daemon                     # listen on the configured address
  orchard daemon --addr :5000        # listen on port 5000`,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&daemonAddr, "addr", "", "listen address (default from config)")
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	addr := daemonAddr
	if addr == "" {
		addr = cfg.DaemonAddr
	}

	daemon := ptyd.NewDaemon()
	server := ptyd.NewServer(daemon, addr)

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}
