package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/health"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/workspace"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show detailed status of a workspace",
	Args:  cobra.NoArgs,
	RunE:  runInfo,
}

var infoOwner ownerFlags

func init() {
	infoOwner.register(infoCmd)
	rootCmd.AddCommand(infoCmd)
}

func runInfo(cmd *cobra.Command, args []string) error {
	owner, err := infoOwner.owner()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	ws, err := a.Registry.Lookup(ctx, owner)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Workspace: %s\n", ws.ID)
	fmt.Fprintf(out, "Owner: %s\n", ws.Owner.Key())
	fmt.Fprintf(out, "Namespace: %s\n", ws.Namespace)
	fmt.Fprintf(out, "Kind: %s\n", ws.Kind)
	fmt.Fprintf(out, "Status: %s\n", ws.State)
	if ws.Image != "" {
		fmt.Fprintf(out, "Image: %s\n", ws.Image)
	}
	fmt.Fprintf(out, "Data: %s\n", ws.Data.Name)
	fmt.Fprintf(out, "Created: %s\n", ws.CreatedAt.Format("2006-01-02 15:04:05"))
	if ws.Exposure.AccessURL != "" {
		fmt.Fprintf(out, "Access URL: %s\n", ws.Exposure.AccessURL)
	}

	if ws.State != workspace.StateRunning && ws.State != workspace.StateDegraded {
		return nil
	}
	fmt.Fprintln(out)

	result := health.Check(ctx, a.Provisioner, ws)
	fmt.Fprintln(out, "Health:")
	fmt.Fprintf(out, "  Status: %s\n", formatStatus(result.Status))
	if result.Phase != "" {
		fmt.Fprintf(out, "  Phase: %s\n", result.Phase)
	}
	if result.Message != "" {
		fmt.Fprintf(out, "  Message: %s\n", result.Message)
	}
	if result.Restarts > 0 {
		fmt.Fprintf(out, "  Restarts: %d\n", result.Restarts)
	}
	fmt.Fprintf(out, "  Age: %s\n", result.Age)
	if result.Err != nil {
		fmt.Fprintf(out, "  Error: %v\n", result.Err)
		return nil
	}

	if result.State != workspace.StateRunning {
		return nil
	}
	transports, err := a.Broker.Transports(ws)
	if err == nil {
		names := make([]string, len(transports))
		for i, t := range transports {
			names[i] = t.Name()
		}
		fmt.Fprintf(out, "  Transports: %v\n", names)
	}
	if app, err := a.Broker.AppStatus(ctx, ws); err == nil && app.Port != 0 {
		fmt.Fprintf(out, "  App port %d: %s\n", app.Port, boolStatus(app.Running))
	}
	return nil
}

func boolStatus(b bool) string {
	if b {
		return "✓"
	}
	return "✗"
}
