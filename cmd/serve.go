package cmd

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the broker API and health monitor",
	Long: `Serves the HTTP API (files, exec, workspace lifecycle and terminal
WebSocket) and runs the health monitor in the foreground until interrupted.

Can be wrapped in a systemd service for persistent operation.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var serveListen string

func init() {
	serveCmd.Flags().StringVarP(&serveListen, "listen", "l", "", "Listen address (overrides server.listen)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if serveListen != "" {
		a.Config.Server.Listen = serveListen
	}
	if a.Config.Server.Token == "" {
		logWarning("No API token configured; the API is unauthenticated")
	}
	if len(a.Backends) == 0 {
		logWarning("No compute backend available; workspaces cannot be provisioned")
	}

	srv := api.New(a.Config, a.Registry, a.Provisioner, a.Broker, a.Terminal, api.WithBackends(a.Backends))

	logInfo("Serving on %s (health interval: %s, auto-recover: %v)",
		a.Config.Server.Listen, a.Config.Provision.ProbeInterval, a.Config.Provision.AutoRecover)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(gctx) })
	g.Go(func() error { return a.Monitor.Run(gctx) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		return err
	}
	logInfo("Broker stopped")
	return nil
}
