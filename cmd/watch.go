package cmd

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/tui"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Interactive workspace status board",
	Long: `Shows every workspace grouped by backing kind with live health, refreshed
from the registry on an interval.

Keys: enter attaches a terminal (requires a running serve), d tears the
selected workspace down keeping its data, q quits.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

var watchInterval time.Duration

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 2*time.Second, "Refresh interval")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := tui.Run(loadRows(a, false), watchInterval)
	if err != nil {
		return err
	}

	switch result.Action {
	case tui.ActionAttach:
		ws := result.Workspace
		reason, err := attachTerminal(ctx, serverURL(a.Config), a.Config.Server.Token, ws.Owner, os.Stdin, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		logInfo("Session closed: %s", reason)

	case tui.ActionDown:
		ws := result.Workspace
		logInfo("Removing workspace %s...", ws.Namespace)
		if _, err := a.Registry.Delete(ctx, ws.ID, true); err != nil {
			return err
		}
		logSuccess("Removed workspace %s (data kept in %s)", ws.Namespace, ws.Data.Name)
	}
	return nil
}
