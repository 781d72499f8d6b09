package cmd

import (
	"github.com/spf13/cobra"

	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/logging"
)

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Tear down a workspace",
	Long: `Removes the compute behind a workspace and marks it deleted.

The /workspace data volume is kept so a later up for the same owner
starts with the same files. Pass --purge to release the data as well.`,
	Args: cobra.NoArgs,
	RunE: runDown,
}

var (
	downOwner ownerFlags
	downPurge bool
)

func init() {
	downOwner.register(downCmd)
	downCmd.Flags().BoolVar(&downPurge, "purge", false, "Also delete the workspace data volume")
	rootCmd.AddCommand(downCmd)
}

func runDown(cmd *cobra.Command, args []string) error {
	owner, err := downOwner.owner()
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

	logging.Debug("removing workspace", "namespace", ws.Namespace, "purge", downPurge)
	logInfo("Removing workspace %s...", ws.Namespace)

	if _, err := a.Registry.Delete(ctx, ws.ID, !downPurge); err != nil {
		return err
	}

	if downPurge {
		logSuccess("Removed workspace %s and its data", ws.Namespace)
	} else {
		logSuccess("Removed workspace %s (data kept in %s)", ws.Namespace, ws.Data.Name)
	}
	return nil
}
