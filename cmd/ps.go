package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/errors"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/health"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/tui"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/workspace"
)

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List workspaces",
	Args:  cobra.NoArgs,
	RunE:  runPs,
}

var (
	psAll    bool
	psOutput string
)

func init() {
	psCmd.Flags().BoolVarP(&psAll, "all", "a", false, "Include deleted workspaces")
	psCmd.Flags().StringVarP(&psOutput, "output", "o", "table", "Output format: table, json or yaml")
	rootCmd.AddCommand(psCmd)
}

// psEntry is the machine-readable form of a ps row.
type psEntry struct {
	ID        string          `json:"id" yaml:"id"`
	Namespace string          `json:"namespace" yaml:"namespace"`
	Owner     string          `json:"owner" yaml:"owner"`
	Kind      workspace.Kind  `json:"backing_kind" yaml:"backing_kind"`
	State     workspace.State `json:"status" yaml:"status"`
	Health    health.Status   `json:"health" yaml:"health"`
	Age       string          `json:"age" yaml:"age"`
	AccessURL string          `json:"access_url,omitempty" yaml:"access_url,omitempty"`
	Detail    string          `json:"detail,omitempty" yaml:"detail,omitempty"`
}

func runPs(cmd *cobra.Command, args []string) error {
	switch psOutput {
	case "table", "json", "yaml":
	default:
		return errors.InvalidArgument(fmt.Sprintf("unknown output format %q (must be table, json or yaml)", psOutput))
	}

	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	rows, err := loadRows(a, psAll)(ctx)
	if err != nil {
		return fmt.Errorf("failed to list workspaces: %w", err)
	}

	return writeRows(cmd.OutOrStdout(), rows, psOutput)
}

func writeRows(w io.Writer, rows []tui.Row, format string) error {
	if format == "table" {
		if len(rows) == 0 {
			logInfo("No workspaces found. Create one with: forage-broker up --project <id>")
			return nil
		}
		_, err := fmt.Fprintln(w, tui.RenderTable(rows))
		return err
	}

	entries := make([]psEntry, 0, len(rows))
	for _, r := range rows {
		ws := r.Workspace
		entries = append(entries, psEntry{
			ID:        ws.ID,
			Namespace: ws.Namespace,
			Owner:     ws.Owner.Key(),
			Kind:      ws.Kind,
			State:     ws.State,
			Health:    r.Status,
			Age:       r.Age,
			AccessURL: ws.Exposure.AccessURL,
			Detail:    r.Detail,
		})
	}

	if format == "yaml" {
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(entries)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}
