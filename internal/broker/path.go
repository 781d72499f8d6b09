package broker

import (
	"path"
	"strings"

	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/errors"
)

// CleanPath resolves a client path against the workspace root and returns
// the absolute path inside the sandbox. Paths may be relative to the root or
// carry the root as a prefix. Anything that resolves outside the root is
// rejected with PathEscape.
func CleanPath(root, p string) (string, error) {
	if strings.ContainsRune(p, 0) {
		return "", errors.InvalidArgument("path contains a NUL byte")
	}
	root = path.Clean(root)

	p = strings.ReplaceAll(p, `\`, "/")
	rel := p
	if rel == root || strings.HasPrefix(rel, root+"/") {
		rel = strings.TrimPrefix(rel, root)
		rel = strings.TrimLeft(rel, "/")
	}
	if strings.HasPrefix(rel, "/") {
		return "", errors.PathEscape(p)
	}

	rel = path.Clean(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", errors.PathEscape(p)
	}
	if rel == "." {
		return root, nil
	}
	return root + "/" + rel, nil
}

// RelPath returns abs relative to root, or "" for the root itself.
func RelPath(root, abs string) string {
	root = path.Clean(root)
	if abs == root {
		return ""
	}
	return strings.TrimPrefix(abs, root+"/")
}
