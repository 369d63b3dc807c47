// internal/perception/fingerprint.go
package perception

import (
	"hash"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/xkilldash9x/webpilot/api/schemas"
)

var hasherPool = sync.Pool{
	New: func() interface{} { return fnv.New64a() },
}

func sum64(parts ...string) string {
	hasher := hasherPool.Get().(hash.Hash64)
	defer func() {
		hasher.Reset()
		hasherPool.Put(hasher)
	}()
	for _, p := range parts {
		_, _ = hasher.Write([]byte(p))
		_, _ = hasher.Write([]byte{0})
	}
	return strconv.FormatUint(hasher.Sum64(), 16)
}

// Fingerprint hashes a rendered listing. Step records keep it in place of the
// full action space.
func Fingerprint(rendered string) string {
	return sum64(rendered)
}

// structuralAttributes shape what a node does, unlike its text.
var structuralAttributes = []string{"href", "type", "role", "name", "disabled", "aria-expanded", "aria-hidden", "open", "checked"}

// StructureSignature hashes the snapshot's element structure while ignoring
// text content, so inert text mutations do not count as a page change.
func StructureSignature(nodes []schemas.Node) string {
	parts := make([]string, 0, len(nodes))
	for _, n := range nodes {
		var sb strings.Builder
		sb.WriteString(strings.ToLower(n.Tag))
		sb.WriteString("@")
		sb.WriteString(strconv.Itoa(len(n.Path)))
		if n.Hidden() {
			sb.WriteString("!h")
		}
		keys := make([]string, 0, len(structuralAttributes))
		for _, k := range structuralAttributes {
			if v, ok := n.Attributes[k]; ok {
				keys = append(keys, k+"="+v)
			}
		}
		sort.Strings(keys)
		sb.WriteString("[" + strings.Join(keys, ",") + "]")
		parts = append(parts, sb.String())
	}
	return sum64(parts...)
}
