package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/audit"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/workspace"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Display the lifecycle events of a workspace",
	Long: `Prints the audit trail of a workspace: provisioning, readiness, health
changes, exec calls, terminal sessions and teardown. Events outlive the
workspace record, so deleted workspaces can still be inspected.`,
	Args: cobra.NoArgs,
	RunE: runEvents,
}

var (
	eventsOwner ownerFlags
	eventsJSON  bool
)

func init() {
	eventsOwner.register(eventsCmd)
	eventsCmd.Flags().BoolVar(&eventsJSON, "jsonl", false, "Output events as JSON lines")
	rootCmd.AddCommand(eventsCmd)
}

func runEvents(cmd *cobra.Command, args []string) error {
	owner, err := eventsOwner.owner()
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// The namespace is derived from the owner so deleted workspaces resolve too.
	ns := workspace.Namespace(cfg.Workspace.NamespacePrefix, owner)

	events, err := audit.NewLogger(cfg).Events(ns)
	if err != nil {
		return fmt.Errorf("failed to read audit log: %w", err)
	}

	if len(events) == 0 {
		logInfo("No events found for workspace %s", ns)
		return nil
	}

	out := cmd.OutOrStdout()
	for _, e := range events {
		if eventsJSON {
			data, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("failed to marshal event: %w", err)
			}
			fmt.Fprintln(out, string(data))
			continue
		}
		ts := e.Timestamp.Local().Format("2006-01-02 15:04:05")
		if e.Details != "" {
			fmt.Fprintf(out, "[%s] %-12s %s (%s)\n", ts, e.Type, e.Namespace, e.Details)
		} else {
			fmt.Fprintf(out, "[%s] %-12s %s\n", ts, e.Type, e.Namespace)
		}
	}

	return nil
}
