package tooling

import (
	"os"
	"strings"
	"sync"

	"github.com/neilgilbert/codepunk/internal/chatmodel"
)

// Registry is a case-insensitive name -> Tool lookup, safe for concurrent
// readers and occasional writers.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[strings.ToLower(t.Name())] = t
}

func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[strings.ToLower(name)]
	return t, ok
}

const compactDescMaxLen = 140

// Tools returns a snapshot of registered tools as provider-facing
// definitions. When CODEPUNK_COMPACT_TOOLS=1 is set, descriptions are
// truncated to the first sentence or 140 chars to cut prompt token cost.
func (r *Registry) Tools() []chatmodel.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	compact := os.Getenv("CODEPUNK_COMPACT_TOOLS") == "1"
	defs := make([]chatmodel.ToolDef, 0, len(r.tools))
	for _, t := range r.tools {
		desc := t.Description()
		if compact {
			desc = compactDescription(desc)
		}
		defs = append(defs, chatmodel.ToolDef{
			Name:        t.Name(),
			Description: desc,
			Parameters:  t.ParametersSchema(),
		})
	}
	return defs
}

func compactDescription(desc string) string {
	if idx := strings.IndexAny(desc, ".!?"); idx >= 0 && idx < compactDescMaxLen {
		return desc[:idx+1]
	}
	if len(desc) <= compactDescMaxLen {
		return desc
	}
	return desc[:compactDescMaxLen] + "…"
}
