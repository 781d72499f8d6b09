package cmd

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/app"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/config"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/errors"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/health"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/registry"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/tui"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/workspace"
)

// appOptions are passed to every app.New call. Tests use it to inject
// backends and databases.
var appOptions []app.Option

// loadConfig loads and validates the config selected by --config.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, errors.ConfigError("failed to load config", err)
	}
	return cfg, nil
}

// openApp loads the config and wires the broker. Callers must Close it.
func openApp(ctx context.Context) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, appOptions...)
}

// ownerFlags holds the --project / --conversation pair shared by commands
// that act on one workspace.
type ownerFlags struct {
	project      string
	conversation string
}

func (o *ownerFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.project, "project", "p", "", "Project ID owning the workspace")
	cmd.Flags().StringVar(&o.conversation, "conversation", "", "Conversation ID owning the workspace")
	cmd.MarkFlagsMutuallyExclusive("project", "conversation")
}

func (o *ownerFlags) owner() (workspace.Owner, error) {
	owner := workspace.Owner{ProjectID: o.project, ConversationID: o.conversation}
	if err := owner.Validate(); err != nil {
		return owner, errors.InvalidArgument("--project or --conversation: " + err.Error())
	}
	return owner, nil
}

// ownerArgs renders owner as flags for a follow-up command hint.
func ownerArgs(owner workspace.Owner) string {
	if owner.ProjectID != "" {
		return "--project " + owner.ProjectID
	}
	return "--conversation " + owner.ConversationID
}

func formatStatus(status health.Status) string {
	return tui.StatusIcon(status) + " " + string(status)
}

// loadRows lists workspaces and probes the live ones.
func loadRows(a *app.App, includeDeleted bool) tui.Loader {
	return func(ctx context.Context) ([]tui.Row, error) {
		list, err := a.Registry.List(ctx, registry.Filter{IncludeDeleted: includeDeleted})
		if err != nil {
			return nil, err
		}

		now := time.Now()
		rows := make([]tui.Row, 0, len(list))
		for _, ws := range list {
			row := tui.Row{
				Workspace: ws,
				Status:    health.Summarize(ws, nil),
				Age:       health.Age(ws.CreatedAt, now),
			}
			if ws.State == workspace.StateRunning || ws.State == workspace.StateDegraded {
				result := health.Check(ctx, a.Provisioner, ws)
				ws.State = result.State
				row.Status = result.Status
				row.Detail = result.Message
				if result.Err != nil {
					row.Detail = result.Err.Error()
				}
			}
			rows = append(rows, row)
		}
		return rows, nil
	}
}

// serverURL returns the base URL of the API served by `serve` for cfg.
func serverURL(cfg *config.Config) string {
	listen := cfg.Server.Listen
	if strings.HasPrefix(listen, ":") {
		listen = "127.0.0.1" + listen
	}
	return "http://" + listen
}
