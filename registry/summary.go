package registry

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

// countTokens estimates the token weight of text. When the encoding is
// unavailable (offline environments) it falls back to a bytes/4 heuristic.
func countTokens(text string) int {
	encOnce.Do(func() {
		e, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			enc = e
		}
	})
	if enc == nil {
		return (len(text) + 3) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// SummarizeForPlanner renders the catalog as prompt material for the
// designer, bounded by tokenBudget. Entries are emitted in ascending name
// order; once the budget is exhausted remaining entries collapse into a
// one-line name listing so the planner still knows they exist.
func (r *Registry) SummarizeForPlanner(tokenBudget int) string {
	if tokenBudget <= 0 {
		tokenBudget = 4096
	}

	var b strings.Builder
	b.WriteString("AVAILABLE NODES:\n")
	used := countTokens(b.String())

	var overflow []string
	for _, desc := range r.ListAll() {
		entry := formatCatalogEntry(desc)
		cost := countTokens(entry)
		if used+cost > tokenBudget {
			overflow = append(overflow, desc.Name)
			continue
		}
		b.WriteString(entry)
		used += cost
	}

	if len(overflow) > 0 {
		fmt.Fprintf(&b, "also available (details omitted): %s\n", strings.Join(overflow, ", "))
	}
	return b.String()
}

func formatCatalogEntry(desc *NodeDescriptor) string {
	var b strings.Builder
	fmt.Fprintf(&b, "- %s: %s\n", desc.Name, desc.Description)
	fmt.Fprintf(&b, "  category: %s, permission: %s\n", desc.Category, desc.PermissionTier)
	fmt.Fprintf(&b, "  inputs: [%s], outputs: [%s]\n",
		strings.Join(desc.Inputs, ", "), strings.Join(desc.Outputs, ", "))
	for _, ex := range desc.Examples {
		if len(ex.Inputs) > 0 {
			fmt.Fprintf(&b, "  example inputs: %v\n", ex.Inputs)
		}
	}
	return b.String()
}
