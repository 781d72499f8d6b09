package broker

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/errors"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/runtime"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/workspace"
)

// Node types in a file tree.
const (
	NodeFile      = "file"
	NodeDirectory = "directory"
)

// Node is one entry of a workspace file tree. Path is relative to the
// workspace root.
type Node struct {
	Name     string  `json:"name"`
	Type     string  `json:"type"`
	Path     string  `json:"path"`
	Children []*Node `json:"children,omitempty"`
}

// SkippedDirs are never descended into or listed.
var SkippedDirs = []string{".git", "node_modules", "__pycache__", ".venv"}

// Shell fragments. Paths always arrive as positional parameters.
const (
	missingCheck = `[ -e "$1" ] || [ -L "$1" ] || { echo "$1: No such file or directory" >&2; exit 1; }`

	writeScript = `mkdir -p -- "$(dirname -- "$1")" && cat > "$1"`

	deleteRecursiveScript = missingCheck + `
rm -rf -- "$1"`

	deleteScript = missingCheck + `
if [ -d "$1" ] && [ ! -L "$1" ]; then rmdir -- "$1"; else rm -f -- "$1"; fi`

	renameScript = missingCheck + `
if [ -e "$2" ] || [ -L "$2" ]; then echo "$2: File exists" >&2; exit 1; fi
mkdir -p -- "$(dirname -- "$2")" && mv -- "$1" "$2"`
)

func treeScript() string {
	var prune []string
	for _, d := range SkippedDirs {
		prune = append(prune, "-name "+d)
	}
	return `cd -- "$1" || exit 1
find . -mindepth 1 -maxdepth "$2" \( ` + strings.Join(prune, " -o ") + ` \) -prune -o \( -type d -exec printf 'd %s\n' {} + \) -o -exec printf 'f %s\n' {} +`
}

// resultError maps a failed shell command to an error kind.
func resultError(op, rel string, res *runtime.ExecResult) error {
	if res.ExitCode == 0 {
		return nil
	}
	msg := strings.TrimSpace(res.Stderr)
	switch {
	case strings.Contains(msg, "Directory not empty"):
		return errors.DirectoryNotEmpty(rel)
	case strings.Contains(msg, "File exists"):
		return errors.InvalidArgument(fmt.Sprintf("destination already exists: %s", rel))
	case strings.Contains(msg, "No such file or directory"), strings.Contains(msg, "can't cd"):
		return errors.FileNotFound(rel)
	}
	if msg == "" {
		msg = fmt.Sprintf("exit status %d", res.ExitCode)
	}
	return errors.CommandFailed(fmt.Sprintf("%s %s failed", op, rel), fmt.Errorf("%s", msg))
}

// ListTree returns the tree under dir, bounded by the configured depth.
func (b *Broker) ListTree(ctx context.Context, ws *workspace.Workspace, dir string) ([]*Node, error) {
	abs, err := CleanPath(b.root, dir)
	if err != nil {
		return nil, err
	}
	rel := RelPath(b.root, abs)

	res, err := b.run(ctx, ws, []string{"sh", "-c", treeScript(), "sh", abs, strconv.Itoa(b.maxDepth)}, runtime.ExecOptions{})
	if err != nil {
		return nil, err
	}
	if err := resultError("list", displayPath(rel), res); err != nil {
		return nil, err
	}
	return buildTree(rel, res.Stdout), nil
}

// buildTree turns "d ./a" / "f ./a/b" lines into a sorted tree rooted at base.
func buildTree(base, listing string) []*Node {
	root := &Node{}
	dirs := map[string]*Node{"": root}

	var entries [][2]string
	scanner := bufio.NewScanner(strings.NewReader(listing))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) < 4 || line[1] != ' ' {
			continue
		}
		p := strings.TrimPrefix(line[2:], "./")
		entries = append(entries, [2]string{line[:1], p})
	}
	// Parents sort before their children.
	sort.Slice(entries, func(i, j int) bool { return entries[i][1] < entries[j][1] })

	for _, e := range entries {
		p := e[1]
		parentKey, name := "", p
		if i := strings.LastIndex(p, "/"); i >= 0 {
			parentKey, name = p[:i], p[i+1:]
		}
		parent, ok := dirs[parentKey]
		if !ok {
			continue
		}
		full := p
		if base != "" {
			full = base + "/" + p
		}
		n := &Node{Name: name, Type: NodeFile, Path: full}
		if e[0] == "d" {
			n.Type = NodeDirectory
			dirs[p] = n
		}
		parent.Children = append(parent.Children, n)
	}

	sortNodes(root.Children)
	return root.Children
}

func sortNodes(nodes []*Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].Type != nodes[j].Type {
			return nodes[i].Type == NodeDirectory
		}
		return nodes[i].Name < nodes[j].Name
	})
	for _, n := range nodes {
		sortNodes(n.Children)
	}
}

func displayPath(rel string) string {
	if rel == "" {
		return "/"
	}
	return rel
}

// ReadFile returns the raw content of a file.
func (b *Broker) ReadFile(ctx context.Context, ws *workspace.Workspace, p string) ([]byte, error) {
	abs, err := CleanPath(b.root, p)
	if err != nil {
		return nil, err
	}
	res, err := b.run(ctx, ws, []string{"cat", "--", abs}, runtime.ExecOptions{})
	if err != nil {
		return nil, err
	}
	if err := resultError("read", displayPath(RelPath(b.root, abs)), res); err != nil {
		return nil, err
	}
	return []byte(res.Stdout), nil
}

// WriteFile replaces the content of a file, creating parent directories.
func (b *Broker) WriteFile(ctx context.Context, ws *workspace.Workspace, p string, content []byte) error {
	abs, err := CleanPath(b.root, p)
	if err != nil {
		return err
	}
	if abs == b.root {
		return errors.InvalidArgument("cannot write to the workspace root")
	}
	res, err := b.run(ctx, ws, []string{"sh", "-c", writeScript, "sh", abs}, runtime.ExecOptions{Stdin: bytes.NewReader(content)})
	if err != nil {
		return err
	}
	return resultError("write", RelPath(b.root, abs), res)
}

// Mkdir creates a directory and any missing parents.
func (b *Broker) Mkdir(ctx context.Context, ws *workspace.Workspace, p string) error {
	abs, err := CleanPath(b.root, p)
	if err != nil {
		return err
	}
	res, err := b.run(ctx, ws, []string{"mkdir", "-p", "--", abs}, runtime.ExecOptions{})
	if err != nil {
		return err
	}
	return resultError("mkdir", displayPath(RelPath(b.root, abs)), res)
}

// Delete removes a file or directory. Without recursive, a non-empty
// directory fails with DirectoryNotEmpty.
func (b *Broker) Delete(ctx context.Context, ws *workspace.Workspace, p string, recursive bool) error {
	abs, err := CleanPath(b.root, p)
	if err != nil {
		return err
	}
	if abs == b.root {
		return errors.InvalidArgument("cannot delete the workspace root")
	}
	script := deleteScript
	if recursive {
		script = deleteRecursiveScript
	}
	res, err := b.run(ctx, ws, []string{"sh", "-c", script, "sh", abs}, runtime.ExecOptions{})
	if err != nil {
		return err
	}
	return resultError("delete", RelPath(b.root, abs), res)
}

// Rename moves oldPath to newPath, creating the destination's parents. An
// existing destination is never overwritten.
func (b *Broker) Rename(ctx context.Context, ws *workspace.Workspace, oldPath, newPath string) error {
	from, err := CleanPath(b.root, oldPath)
	if err != nil {
		return err
	}
	to, err := CleanPath(b.root, newPath)
	if err != nil {
		return err
	}
	if from == b.root || to == b.root {
		return errors.InvalidArgument("cannot rename the workspace root")
	}
	res, err := b.run(ctx, ws, []string{"sh", "-c", renameScript, "sh", from, to}, runtime.ExecOptions{})
	if err != nil {
		return err
	}
	rel := RelPath(b.root, from)
	if strings.Contains(res.Stderr, "File exists") {
		rel = RelPath(b.root, to)
	}
	return resultError("rename", rel, res)
}
