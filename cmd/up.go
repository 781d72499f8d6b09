package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/errors"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/logging"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/workspace"
)

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Create a workspace if needed and bring it to running",
	Long: `Resolves the workspace for a project or conversation, creating it when
none exists, and waits until its compute is running and reachable.

Running up again for the same owner is a no-op that prints the same
workspace.`,
	Args: cobra.NoArgs,
	RunE: runUp,
}

var (
	upOwner ownerFlags
	upKind  string
	upImage string
)

func init() {
	upOwner.register(upCmd)
	upCmd.Flags().StringVarP(&upKind, "kind", "k", "", "Backing kind for a new workspace (kubernetes or docker)")
	upCmd.Flags().StringVar(&upImage, "image", "", "Container image for a new workspace")
	rootCmd.AddCommand(upCmd)
}

func runUp(cmd *cobra.Command, args []string) error {
	owner, err := upOwner.owner()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	kindName := upKind
	if kindName == "" {
		kindName = a.Config.Workspace.DefaultKind
	}
	kind, err := workspace.ParseKind(kindName)
	if err != nil {
		return errors.InvalidArgument(err.Error())
	}

	logging.Debug("resolving workspace", "owner", owner.Key(), "kind", kind)

	ws, err := a.Registry.ResolveOrCreate(ctx, owner, kind, upImage)
	if err != nil {
		return err
	}
	if ws.Kind != kind && upKind != "" {
		logWarning("Workspace %s already exists on %s; --kind ignored", ws.Namespace, ws.Kind)
	}

	if ws.State != workspace.StateRunning {
		logInfo("Provisioning %s on %s...", ws.Namespace, ws.Kind)
	}
	ws, err = a.Provisioner.EnsureRunning(ctx, ws)
	if err != nil {
		return err
	}

	logSuccess("Workspace %s is %s", ws.Namespace, ws.State)
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Namespace: %s\n", ws.Namespace)
	if ws.Exposure.AccessURL != "" {
		fmt.Fprintf(out, "Access URL: %s\n", ws.Exposure.AccessURL)
	}
	logInfo("Attach with: forage-broker attach %s", ownerArgs(owner))
	return nil
}
