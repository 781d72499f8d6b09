package tui

import (
	"strings"
	"testing"

	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/health"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/workspace"
)

func TestRenderTable(t *testing.T) {
	t.Run("headers only", func(t *testing.T) {
		out := RenderTable(nil)
		for _, h := range tableHeaders {
			if !strings.Contains(out, h) {
				t.Errorf("RenderTable() missing header %q", h)
			}
		}
	})

	t.Run("rows", func(t *testing.T) {
		k8s := testRow("42", workspace.KindKubernetes, health.StatusHealthy)
		docker := testRow("7", workspace.KindDocker, health.StatusStopped)
		docker.Workspace.State = workspace.StateDegraded
		docker.Workspace.Exposure = workspace.Exposure{}

		out := RenderTable([]Row{k8s, docker, {Status: health.StatusUnknown}})

		for _, want := range []string{
			"forage-project-42", "project:42", "kubernetes", "healthy",
			"forage-project-7", "degraded", "stopped", "http://127.0.0.1:30000",
		} {
			if !strings.Contains(out, want) {
				t.Errorf("RenderTable() missing %q\n%s", want, out)
			}
		}
		if got := strings.Count(out, "forage-project-"); got != 2 {
			t.Errorf("RenderTable() rendered %d workspaces, want 2", got)
		}
	})
}
