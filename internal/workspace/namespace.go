package workspace

import (
	"fmt"
	"hash/fnv"
	"strings"
)

const maxNamespaceLen = 63

// Namespace derives the deterministic namespace name for an owner:
// <prefix><scope>-<slug>. Ids that do not survive slugging intact, or that
// would overflow the 63 character limit, get an 8 hex digit hash of the
// full owner key so distinct owners never share a namespace.
func Namespace(prefix string, o Owner) string {
	scope := o.scope()
	if scope == "conversation" {
		scope = "conv"
	}
	raw := o.id()
	slug := slugify(raw)

	head := prefix + scope + "-"
	exact := slug == raw && slug != "" && len(head)+len(slug) <= maxNamespaceLen
	if exact {
		return head + slug
	}

	h := fnv.New32a()
	h.Write([]byte(o.Key()))
	suffix := fmt.Sprintf("%08x", h.Sum32())

	room := maxNamespaceLen - len(head) - len(suffix) - 1
	if len(slug) > room {
		slug = strings.TrimRight(slug[:room], "-")
	}
	if slug == "" {
		return head + suffix
	}
	return head + slug + "-" + suffix
}

// slugify lowercases and maps every character outside [a-z0-9] to '-',
// collapsing runs and trimming the ends.
func slugify(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// DataVolumeName is the name of the durable volume for a namespace.
func DataVolumeName(namespace string) string {
	return namespace + "-data"
}
