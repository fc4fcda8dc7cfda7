package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// ContentHash derives the template id from a canonical rendering of its
// steps and edges. Metadata, statistics and schema are excluded so that
// identical plans coalesce in the store regardless of when or why they were
// designed.
func (t *Template) ContentHash() string {
	var b strings.Builder

	for _, s := range t.Steps {
		fmt.Fprintf(&b, "step|%s|%s|%v\n", s.StepName, s.NodeName, s.RequiresPermission)

		keys := make([]string, 0, len(s.BoundInputs))
		for k := range s.BoundInputs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			binding := s.BoundInputs[k]
			if binding.IsRef() {
				fmt.Fprintf(&b, "in|%s|ref|%s\n", k, binding.Ref)
			} else {
				fmt.Fprintf(&b, "in|%s|lit|%v\n", k, binding.Literal)
			}
		}
		for _, out := range s.DeclaredOutputs {
			fmt.Fprintf(&b, "out|%s\n", out)
		}
	}

	edges := append([]Edge(nil), t.Edges...)
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		if edges[i].To != edges[j].To {
			return edges[i].To < edges[j].To
		}
		return edges[i].Action < edges[j].Action
	})
	for _, e := range edges {
		fmt.Fprintf(&b, "edge|%s|%s|%s\n", e.From, e.To, e.Action)
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:12]
}
