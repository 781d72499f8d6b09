package tui

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/health"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/workspace"
)

func testRow(projectID string, kind workspace.Kind, status health.Status) Row {
	ns := workspace.Namespace("forage-", workspace.ProjectOwner(projectID))
	return Row{
		Workspace: &workspace.Workspace{
			ID:        "id-" + projectID,
			Owner:     workspace.ProjectOwner(projectID),
			Namespace: ns,
			Kind:      kind,
			State:     workspace.StateRunning,
			Exposure:  workspace.Exposure{AccessURL: "http://127.0.0.1:30000"},
		},
		Status: status,
		Age:    "2h 30m",
	}
}

func staticLoader(rows []Row, err error) Loader {
	return func(context.Context) ([]Row, error) { return rows, err }
}

// loaded returns a board that has already received rows.
func loaded(t *testing.T, rows ...Row) Model {
	t.Helper()
	m := NewBoard(staticLoader(rows, nil), time.Hour)
	next, _ := m.Update(rowsMsg{rows: rows, at: time.Now()})
	return next.(Model)
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		s      string
		maxLen int
		want   string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"http://127.0.0.1:30000/very/long", 20, "http://127.0.0.1:..."},
		{"", 10, ""},
	}

	for _, tt := range tests {
		t.Run(tt.s, func(t *testing.T) {
			got := truncate(tt.s, tt.maxLen)
			if got != tt.want {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.s, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestWorkspaceItemMethods(t *testing.T) {
	item := workspaceItem{row: testRow("42", workspace.KindDocker, health.StatusHealthy)}

	if got := item.Title(); got != "forage-project-42" {
		t.Errorf("Title() = %q, want %q", got, "forage-project-42")
	}
	if got := item.FilterValue(); !strings.Contains(got, "project:42") {
		t.Errorf("FilterValue() = %q, want owner key", got)
	}

	desc := item.Description()
	for _, want := range []string{"✓", "running", "project:42", "2h 30m", "127.0.0.1:30000"} {
		if !strings.Contains(desc, want) {
			t.Errorf("Description() = %q, missing %q", desc, want)
		}
	}

	t.Run("no access url", func(t *testing.T) {
		r := testRow("7", workspace.KindDocker, health.StatusStopped)
		r.Workspace.Exposure = workspace.Exposure{}
		r.Detail = "container exited"
		desc := workspaceItem{row: r}.Description()
		if !strings.Contains(desc, "| - |") {
			t.Errorf("Description() = %q, want dash for missing url", desc)
		}
		if !strings.Contains(desc, "container exited") {
			t.Errorf("Description() = %q, missing detail", desc)
		}
	})
}

func TestStatusIcon(t *testing.T) {
	tests := []struct {
		status health.Status
		icon   string
	}{
		{health.StatusHealthy, "✓"},
		{health.StatusStarting, "◌"},
		{health.StatusUnhealthy, "⚠"},
		{health.StatusStopped, "●"},
		{health.StatusUnknown, "?"},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := StatusIcon(tt.status); got != tt.icon {
				t.Errorf("StatusIcon(%q) = %q, want %q", tt.status, got, tt.icon)
			}
		})
	}
}

func TestModelInit(t *testing.T) {
	m := NewBoard(staticLoader(nil, nil), time.Second)
	if cmd := m.Init(); cmd == nil {
		t.Error("Init() should start the spinner and the first load")
	}
	if !m.loading {
		t.Error("board should start in loading state")
	}
}

func TestModelFetch(t *testing.T) {
	rows := []Row{testRow("42", workspace.KindDocker, health.StatusHealthy)}
	m := NewBoard(staticLoader(rows, nil), time.Second)

	msg, ok := m.fetch()().(rowsMsg)
	if !ok {
		t.Fatal("fetch() should produce a rowsMsg")
	}
	if len(msg.rows) != 1 || msg.err != nil {
		t.Errorf("fetch() = %d rows, err %v; want 1 row", len(msg.rows), msg.err)
	}
}

func TestModelRows(t *testing.T) {
	t.Run("rows replace items and select first workspace", func(t *testing.T) {
		m := loaded(t,
			testRow("b", workspace.KindDocker, health.StatusHealthy),
			testRow("a", workspace.KindKubernetes, health.StatusStarting),
		)

		if m.loading {
			t.Error("loading should be cleared")
		}
		if got := len(m.list.Items()); got != 4 {
			t.Fatalf("items = %d, want 4", got)
		}
		if isHeaderSelected(&m.list) {
			t.Error("cursor should skip the leading header")
		}
	})

	t.Run("load error keeps previous rows", func(t *testing.T) {
		m := loaded(t, testRow("a", workspace.KindDocker, health.StatusHealthy))
		next, cmd := m.Update(rowsMsg{err: errors.New("registry unavailable")})
		model := next.(Model)

		if got := len(model.list.Items()); got != 2 {
			t.Errorf("items = %d, want 2", got)
		}
		if cmd == nil {
			t.Error("should schedule another refresh after an error")
		}
		if !strings.Contains(model.View(), "registry unavailable") {
			t.Error("View should show the load error")
		}
	})

	t.Run("tick triggers a reload", func(t *testing.T) {
		m := loaded(t)
		next, cmd := m.Update(tickMsg(time.Now()))
		if !next.(Model).loading {
			t.Error("tick should set loading")
		}
		if cmd == nil {
			t.Error("tick should return a fetch command")
		}
	})
}

func TestModelKeyHandling(t *testing.T) {
	row := testRow("42", workspace.KindDocker, health.StatusHealthy)

	t.Run("quit with q", func(t *testing.T) {
		m := loaded(t, row)
		next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
		model := next.(Model)

		if model.result.Action != ActionQuit {
			t.Errorf("Action = %v, want ActionQuit", model.result.Action)
		}
		if !model.quitting {
			t.Error("Model should be quitting")
		}
		if cmd == nil {
			t.Error("Should return tea.Quit command")
		}
	})

	t.Run("quit with esc", func(t *testing.T) {
		m := loaded(t, row)
		next, _ := m.Update(tea.KeyMsg{Type: tea.KeyEsc})
		if got := next.(Model).result.Action; got != ActionQuit {
			t.Errorf("Action = %v, want ActionQuit", got)
		}
	})

	t.Run("attach with enter", func(t *testing.T) {
		m := loaded(t, row)
		next, _ := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
		result := next.(Model).Result()

		if result.Action != ActionAttach {
			t.Errorf("Action = %v, want ActionAttach", result.Action)
		}
		if result.Workspace == nil || result.Workspace.Namespace != "forage-project-42" {
			t.Errorf("Workspace = %+v, want forage-project-42", result.Workspace)
		}
	})

	t.Run("down with d", func(t *testing.T) {
		m := loaded(t, row)
		next, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'d'}})
		if got := next.(Model).Result().Action; got != ActionDown {
			t.Errorf("Action = %v, want ActionDown", got)
		}
	})

	t.Run("enter on empty board does nothing", func(t *testing.T) {
		m := loaded(t)
		next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
		if got := next.(Model).Result().Action; got != ActionNone {
			t.Errorf("Action = %v, want ActionNone", got)
		}
		if cmd != nil {
			t.Error("enter on empty board should not return a command")
		}
	})

	t.Run("refresh with r", func(t *testing.T) {
		m := loaded(t, row)
		next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'r'}})
		if !next.(Model).loading {
			t.Error("r should start a refresh")
		}
		if cmd == nil {
			t.Error("r should return a fetch command")
		}
	})
}

func TestModelView(t *testing.T) {
	t.Run("normal view contains help", func(t *testing.T) {
		m := loaded(t, testRow("42", workspace.KindDocker, health.StatusHealthy))
		view := m.View()

		for _, want := range []string{"[enter] Attach", "[d] Down", "[q] Quit", "updated"} {
			if !strings.Contains(view, want) {
				t.Errorf("View should contain %q", want)
			}
		}
	})

	t.Run("quitting view is empty", func(t *testing.T) {
		m := loaded(t)
		m.quitting = true
		if view := m.View(); view != "" {
			t.Errorf("Quitting view should be empty, got %q", view)
		}
	})
}

func TestActionConstants(t *testing.T) {
	actions := []Action{ActionNone, ActionAttach, ActionDown, ActionQuit}
	seen := make(map[Action]bool)

	for _, a := range actions {
		if seen[a] {
			t.Errorf("Duplicate action value: %v", a)
		}
		seen[a] = true
	}
}
