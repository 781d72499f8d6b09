package tui

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/health"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/workspace"
)

// Action represents the action to take after the board exits
type Action int

const (
	ActionNone Action = iota
	ActionAttach
	ActionDown
	ActionQuit
)

// Row is one workspace line on the board.
type Row struct {
	Workspace *workspace.Workspace
	Status    health.Status
	Age       string
	Detail    string
}

// Loader fetches the current rows. It is called on every refresh.
type Loader func(ctx context.Context) ([]Row, error)

// Result holds the outcome of a board session
type Result struct {
	Action    Action
	Workspace *workspace.Workspace
}

// workspaceItem implements list.Item for workspace display
type workspaceItem struct {
	row Row
}

func (i workspaceItem) Title() string {
	return i.row.Workspace.Namespace
}

func (i workspaceItem) Description() string {
	ws := i.row.Workspace
	desc := fmt.Sprintf("%s %s | %s | %s | %s",
		StatusIcon(i.row.Status),
		ws.State,
		ws.Owner.Key(),
		i.row.Age,
		truncate(orDash(ws.Exposure.AccessURL), 40),
	)
	if i.row.Detail != "" {
		desc += " | " + truncate(i.row.Detail, 30)
	}
	return desc
}

func (i workspaceItem) FilterValue() string {
	return i.row.Workspace.Namespace + " " + i.row.Workspace.Owner.Key()
}

// StatusIcon returns the glyph shown next to a health status.
func StatusIcon(s health.Status) string {
	switch s {
	case health.StatusHealthy:
		return "✓"
	case health.StatusStarting:
		return "◌"
	case health.StatusUnhealthy:
		return "⚠"
	case health.StatusStopped:
		return "●"
	default:
		return "?"
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39")).
			MarginBottom(1)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			MarginTop(1)

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))
)

type rowsMsg struct {
	rows []Row
	err  error
	at   time.Time
}

type tickMsg time.Time

// loadTimeout bounds a single refresh.
const loadTimeout = 10 * time.Second

// Model is the bubbletea model for the workspace board
type Model struct {
	list     list.Model
	spinner  spinner.Model
	load     Loader
	interval time.Duration
	loading  bool
	err      error
	updated  time.Time
	result   Result
	quitting bool
}

// NewBoard creates a board that refreshes from load every interval.
func NewBoard(load Loader, interval time.Duration) Model {
	l := list.New(nil, newGroupedDelegate(), 80, 20)
	l.Title = "Firefly Forage - Workspaces"
	l.SetShowStatusBar(true)
	l.SetFilteringEnabled(true)
	l.Styles.Title = titleStyle

	s := spinner.New()
	s.Spinner = spinner.Dot

	if interval <= 0 {
		interval = 2 * time.Second
	}

	return Model{
		list:     l,
		spinner:  s,
		load:     load,
		interval: interval,
		loading:  true,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetch())
}

func (m Model) fetch() tea.Cmd {
	load := m.load
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
		defer cancel()
		rows, err := load(ctx)
		return rowsMsg{rows: rows, err: err, at: time.Now()}
	}
}

func (m Model) schedule() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.list.SetSize(msg.Width, msg.Height-4)
		return m, nil

	case rowsMsg:
		m.loading = false
		m.err = msg.err
		if msg.err == nil {
			m.updated = msg.at
			cmd := m.list.SetItems(buildGroupedItems(msg.rows))
			skipHeaders(&m.list, 1)
			return m, tea.Batch(cmd, m.schedule())
		}
		return m, m.schedule()

	case tickMsg:
		if m.quitting {
			return m, nil
		}
		m.loading = true
		return m, m.fetch()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		if m.list.FilterState() == list.Filtering {
			break
		}

		switch msg.String() {
		case "enter":
			if item, ok := m.list.SelectedItem().(workspaceItem); ok {
				return m.finish(Result{Action: ActionAttach, Workspace: item.row.Workspace})
			}
			return m, nil

		case "d":
			if item, ok := m.list.SelectedItem().(workspaceItem); ok {
				return m.finish(Result{Action: ActionDown, Workspace: item.row.Workspace})
			}
			return m, nil

		case "r":
			if !m.loading {
				m.loading = true
				return m, m.fetch()
			}
			return m, nil

		case "q", "esc":
			return m.finish(Result{Action: ActionQuit})
		}

		var cmd tea.Cmd
		m.list, cmd = m.list.Update(msg)
		if isHeaderSelected(&m.list) {
			skipHeaders(&m.list, navigationDirection(msg))
		}
		return m, cmd
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m Model) finish(r Result) (tea.Model, tea.Cmd) {
	m.result = r
	m.quitting = true
	return m, tea.Quit
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	status := ""
	switch {
	case m.loading:
		status = m.spinner.View() + " refreshing"
	case !m.updated.IsZero():
		status = "updated " + m.updated.Format("15:04:05")
	}
	if m.err != nil {
		status += "  " + errorStyle.Render(m.err.Error())
	}

	help := helpStyle.Render("[enter] Attach  [d] Down  [r] Refresh  [/] Filter  [q] Quit")

	return m.list.View() + "\n" + status + "\n" + help
}

// Result returns the board result
func (m Model) Result() Result {
	return m.result
}

// Run runs the interactive board until the user picks an action or quits.
func Run(load Loader, interval time.Duration) (Result, error) {
	p := tea.NewProgram(NewBoard(load, interval), tea.WithAltScreen())

	finalModel, err := p.Run()
	if err != nil {
		return Result{}, err
	}

	return finalModel.(Model).Result(), nil
}
