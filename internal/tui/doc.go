// Package tui provides terminal user interface components for forage-broker.
//
// This package uses the Bubble Tea framework for the interactive workspace
// board behind `forage-broker watch`, and lipgloss tables for `ps`.
//
// # Workspace Board
//
// The board lists workspaces grouped by backing kind and refreshes itself
// from a Loader on a fixed interval:
//
//	result, err := tui.Run(loader, 2*time.Second)
//	switch result.Action {
//	case tui.ActionAttach:
//	    // Open a terminal to result.Workspace
//	case tui.ActionDown:
//	    // Tear down result.Workspace
//	case tui.ActionQuit:
//	    // Exit
//	}
//
// # Board Features
//
//   - Groups workspaces by backing kind, headers auto-skipped
//   - Keyboard navigation (j/k or arrows) and filtering (/)
//   - Quick actions: Enter (attach), d (down), r (refresh), q (quit)
//   - Color-coded health indicators and a refresh spinner
//
// # Dependencies
//
// Uses the Charm libraries:
//   - github.com/charmbracelet/bubbletea - TUI framework
//   - github.com/charmbracelet/bubbles - list and spinner components
//   - github.com/charmbracelet/lipgloss - styling and tables
package tui
