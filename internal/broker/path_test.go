package broker

import (
	"testing"

	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/errors"
)

func TestCleanPath(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		want     string
		wantKind errors.Kind
	}{
		{name: "empty is root", input: "", want: "/workspace"},
		{name: "dot is root", input: ".", want: "/workspace"},
		{name: "relative", input: "src/main.go", want: "/workspace/src/main.go"},
		{name: "root prefixed", input: "/workspace/src/main.go", want: "/workspace/src/main.go"},
		{name: "root itself", input: "/workspace", want: "/workspace"},
		{name: "inner dotdot", input: "src/../lib/a.go", want: "/workspace/lib/a.go"},
		{name: "backslashes", input: `src\util\a.go`, want: "/workspace/src/util/a.go"},
		{name: "duplicate slashes", input: "src//a.go", want: "/workspace/src/a.go"},
		{name: "parent escape", input: "../etc/passwd", wantKind: errors.KindPathEscape},
		{name: "nested escape", input: "src/../../etc/passwd", wantKind: errors.KindPathEscape},
		{name: "escape after root prefix", input: "/workspace/../etc/passwd", wantKind: errors.KindPathEscape},
		{name: "absolute outside root", input: "/etc/passwd", wantKind: errors.KindPathEscape},
		{name: "root name prefix", input: "/workspace-other/a", wantKind: errors.KindPathEscape},
		{name: "backslash escape", input: `..\..\etc`, wantKind: errors.KindPathEscape},
		{name: "bare dotdot", input: "..", wantKind: errors.KindPathEscape},
		{name: "nul byte", input: "a\x00b", wantKind: errors.KindInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CleanPath("/workspace", tt.input)
			if tt.wantKind != "" {
				if !errors.HasKind(err, tt.wantKind) {
					t.Errorf("CleanPath(%q) = %q, %v; want %s", tt.input, got, err, tt.wantKind)
				}
				return
			}
			if err != nil {
				t.Fatalf("CleanPath(%q) error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("CleanPath(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestRelPath(t *testing.T) {
	tests := []struct {
		abs  string
		want string
	}{
		{"/workspace", ""},
		{"/workspace/a", "a"},
		{"/workspace/a/b.txt", "a/b.txt"},
	}

	for _, tt := range tests {
		if got := RelPath("/workspace/", tt.abs); got != tt.want {
			t.Errorf("RelPath(%q) = %q, want %q", tt.abs, got, tt.want)
		}
	}
}
