package tui

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/health"
)

var tableHeaders = []string{"NAMESPACE", "OWNER", "KIND", "STATE", "HEALTH", "AGE", "ACCESS"}

const healthColumn = 4

var (
	tableHeaderStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	tableCellStyle   = lipgloss.NewStyle().Padding(0, 1)

	statusColors = map[health.Status]lipgloss.Color{
		health.StatusHealthy:   lipgloss.Color("42"),
		health.StatusStarting:  lipgloss.Color("39"),
		health.StatusUnhealthy: lipgloss.Color("214"),
		health.StatusStopped:   lipgloss.Color("241"),
		health.StatusUnknown:   lipgloss.Color("196"),
	}
)

// RenderTable renders rows as a bordered table for non-interactive output.
func RenderTable(rows []Row) string {
	cells := make([][]string, 0, len(rows))
	statuses := make([]health.Status, 0, len(rows))
	for _, r := range rows {
		ws := r.Workspace
		if ws == nil {
			continue
		}
		cells = append(cells, []string{
			ws.Namespace,
			ws.Owner.Key(),
			string(ws.Kind),
			string(ws.State),
			StatusIcon(r.Status) + " " + string(r.Status),
			r.Age,
			orDash(ws.Exposure.AccessURL),
		})
		statuses = append(statuses, r.Status)
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("241"))).
		Headers(tableHeaders...).
		Rows(cells...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return tableHeaderStyle
			}
			if col == healthColumn && row >= 0 && row < len(statuses) {
				return tableCellStyle.Foreground(statusColors[statuses[row]])
			}
			return tableCellStyle
		})

	return t.Render()
}
